package engine_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parity/internal/config"
	"parity/internal/db"
	"parity/internal/domain"
	"parity/internal/engine"
	"parity/internal/events"
	"parity/internal/migrate"
	"parity/internal/repo"
	"parity/internal/store"
)

type testEnv struct {
	Engine engine.Engine
	Store  store.Store
	Ctx    context.Context
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// Now advances one second per call so start times are strictly ordered.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestEnv(t *testing.T, opts engine.Options) testEnv {
	t.Helper()
	return newWrappedTestEnv(t, nil, opts)
}

// newWrappedTestEnv is newTestEnv with the repository passed through wrap before the engine sees it.
func newWrappedTestEnv(t *testing.T, wrap func(store.Store) store.Store, opts engine.Options) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var st store.Store = repo.New(conn)
	if wrap != nil {
		st = wrap(st)
	}
	if opts.Now == nil {
		clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
		opts.Now = clock.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = noSleep
	}
	eng := engine.New(st, config.Default(), opts)
	ctx := context.Background()
	if _, err := eng.SeedConfig(ctx); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	t.Cleanup(func() {
		eng.Runs.Close()
		conn.Close()
	})
	return testEnv{Engine: eng, Store: st, Ctx: ctx}
}

func (env testEnv) start(t *testing.T, scope domain.Scope) string {
	t.Helper()
	id, err := env.Engine.StartRun(env.Ctx, engine.StartRequest{
		OwnerID:     "alice",
		TargetEnv:   "staging",
		BaselineEnv: "prod",
		Scope:       scope,
	})
	require.NoError(t, err)
	return id
}

func (env testEnv) wait(t *testing.T, runID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(env.Ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, env.Engine.Runs.Wait(ctx, runID))
}

func keys(m map[string]domain.PlanRun) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestResolveScope(t *testing.T) {
	catalog := config.Default().Catalog.PlanKeys()
	require.Len(t, catalog, 8)

	assert.Equal(t, catalog, engine.ResolveScope(catalog, domain.Scope{Type: domain.ScopeAll}))
	assert.Equal(t, catalog, engine.ResolveScope(catalog, domain.Scope{}))

	car := engine.ResolveScope(catalog, domain.Scope{Type: domain.ScopeCategory, Value: "car"})
	assert.Len(t, car, 4)
	for _, p := range car {
		assert.Equal(t, "car", strings.Split(p, ":")[0])
	}

	assert.Equal(t, []string{"car:oona_mv4:basic", "car:oona_mv4:premium"},
		engine.ResolveScope(catalog, domain.Scope{Type: domain.ScopeProduct, Value: "oona_mv4"}))
	assert.Equal(t, []string{"made:up:plan"},
		engine.ResolveScope(catalog, domain.Scope{Type: domain.ScopePlan, Value: "made:up:plan"}))
	assert.Empty(t, engine.ResolveScope(catalog, domain.Scope{Type: "region", Value: "eu"}))
	assert.Empty(t, engine.ResolveScope(catalog, domain.Scope{Type: domain.ScopeCategory, Value: "boat"}))
}

func TestImmediateStatusIsRunningAtZero(t *testing.T) {
	gate := make(chan struct{})
	caller := engine.CallerFunc(func(ctx context.Context, req engine.CallRequest) (domain.SimulatedCall, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.SimulatedCall{}, ctx.Err()
		}
		return domain.SimulatedCall{Endpoint: "/" + req.Step.Name, Method: req.Step.Method, StatusCode: 200}, nil
	})
	env := newTestEnv(t, engine.Options{Caller: caller})
	id := env.start(t, domain.Scope{Type: domain.ScopeCategory, Value: "travel"})

	st, err := env.Engine.GetStatus(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, st.Status)
	assert.Equal(t, 0, st.Progress)
	assert.Equal(t, []string{"travel:international:annual", "travel:international:single_trip"}, keys(st.Plans))
	assert.True(t, env.Engine.Runs.Live(id))

	doc, err := env.Engine.GetResult(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, doc.TestMetadata.Status)
	assert.Nil(t, doc.TestMetadata.CurrentStep, "no plan had started when the snapshot was written")
	assert.Empty(t, doc.PlanResults)

	close(gate)
	env.wait(t, id)
	st, err = env.Engine.GetStatus(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)
}

func TestProgressNeverDecreases(t *testing.T) {
	caller := engine.CallerFunc(func(ctx context.Context, req engine.CallRequest) (domain.SimulatedCall, error) {
		time.Sleep(time.Duration(len(req.PlanID)%3) * time.Millisecond)
		return domain.SimulatedCall{Endpoint: "/" + req.Step.Name, Method: req.Step.Method, StatusCode: 200}, nil
	})
	env := newTestEnv(t, engine.Options{Caller: caller})
	id := env.start(t, domain.Scope{Type: domain.ScopeAll})

	last := 0
	deadline := time.Now().Add(10 * time.Second)
	for {
		st, err := env.Engine.GetStatus(env.Ctx, id)
		require.NoError(t, err)
		require.GreaterOrEqual(t, st.Progress, last, "progress went backwards")
		last = st.Progress
		if st.Status == domain.RunStatusCompleted {
			break
		}
		require.True(t, time.Now().Before(deadline), "run did not finish")
		time.Sleep(200 * time.Microsecond)
	}
	assert.Equal(t, 100, last)
}

func TestPlanFailureIsIsolated(t *testing.T) {
	caller := engine.CallerFunc(func(ctx context.Context, req engine.CallRequest) (domain.SimulatedCall, error) {
		switch {
		case req.PlanID == "car:oona_mv4:basic" && req.Step.Name == "payment":
			return domain.SimulatedCall{}, assert.AnError
		case req.PlanID == "health:family:hmo" && req.Step.Name == "policy":
			panic("rating table missing")
		}
		return domain.SimulatedCall{Endpoint: "/" + req.Step.Name, Method: req.Step.Method, StatusCode: 200}, nil
	})
	env := newTestEnv(t, engine.Options{Caller: caller})
	id := env.start(t, domain.Scope{Type: domain.ScopeAll})
	env.wait(t, id)

	doc, err := env.Engine.GetResult(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, doc.TestMetadata.Status)
	require.Len(t, doc.PlanResults, 8)

	failed := doc.PlanResults["car:oona_mv4:basic"]
	assert.Equal(t, domain.PlanStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "step payment failed")
	assert.Len(t, failed.Calls, 1)
	assert.Equal(t, 50, failed.Progress)

	panicked := doc.PlanResults["health:family:hmo"]
	assert.Equal(t, domain.PlanStatusFailed, panicked.Status)
	require.NotNil(t, panicked.Error)
	assert.Contains(t, *panicked.Error, "rating table missing")
	assert.Len(t, panicked.Calls, 2)

	for planID, p := range doc.PlanResults {
		if planID == "car:oona_mv4:basic" || planID == "health:family:hmo" {
			continue
		}
		assert.Equal(t, domain.PlanStatusCompleted, p.Status, planID)
		assert.Len(t, p.Calls, 4, planID)
	}
	assert.Equal(t, 6, doc.ExecutionSummary.CompletedPlans)
	assert.Equal(t, 2, doc.ExecutionSummary.FailedPlans)
	assert.Equal(t, 6*4+1+2, doc.ExecutionSummary.TotalCalls)

	st, err := env.Engine.GetStatus(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, st.Progress)
	require.NotNil(t, failed.Comparison)
	assert.Equal(t, domain.ComparisonDiff, failed.Comparison.Status)
}

func TestStatusAndResultAgreeAfterFinalization(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	id := env.start(t, domain.Scope{Type: domain.ScopeProduct, Value: "zurich_autocillin_mv4"})
	env.wait(t, id)

	assert.False(t, env.Engine.Runs.Live(id))
	st, err := env.Engine.GetStatus(env.Ctx, id)
	require.NoError(t, err)
	doc, err := env.Engine.GetResult(env.Ctx, id)
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)
	require.NotNil(t, st.CurrentStep)
	assert.Equal(t, "Test completed", *st.CurrentStep)
	assert.NotNil(t, st.CompletedAt)
	assert.Equal(t, "staging", st.TargetEnv)
	assert.Equal(t, keys(doc.PlanResults), keys(st.Plans))
	for planID, p := range doc.PlanResults {
		assert.Equal(t, p.Status, st.Plans[planID].Status, planID)
		require.NotNil(t, p.Comparison, planID)
		assert.Equal(t, domain.ComparisonMatch, p.Comparison.Status, planID)
		assert.Equal(t, 4, p.Comparison.TargetSummary.APICalls)
	}
	assert.Equal(t, 2, doc.ExecutionSummary.TotalPlans)
	assert.Equal(t, 8, doc.ExecutionSummary.TotalCalls)
	assert.Equal(t, []string{"car:zurich_autocillin_mv4:tlo", "car:zurich_autocillin_mv4:comprehensive"}, doc.TestMetadata.Scope.Plans)
}

func TestIdenticalEnvironmentsRejected(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	id, err := env.Engine.StartRun(env.Ctx, engine.StartRequest{
		OwnerID:     "alice",
		TargetEnv:   "prod",
		BaselineEnv: "prod",
		Scope:       domain.Scope{Type: domain.ScopeAll},
	})
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))
	assert.Empty(t, id)

	_, err = env.Engine.StartRun(env.Ctx, engine.StartRequest{TargetEnv: "a", BaselineEnv: "b"})
	assert.True(t, engine.IsValidation(err))

	runs, err := env.Engine.ListRunsForOwner(env.Ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSinglePlanScope(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	id := env.start(t, domain.Scope{Type: domain.ScopePlan, Value: "car:oona_mv4:basic"})
	env.wait(t, id)

	st, err := env.Engine.GetStatus(env.Ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"car:oona_mv4:basic"}, keys(st.Plans))
	plan := st.Plans["car:oona_mv4:basic"]
	assert.Equal(t, domain.PlanStatusCompleted, plan.Status)
	assert.Equal(t, 100, plan.Progress)
	require.Len(t, plan.Calls, 4)

	wantEndpoints := []string{"/application", "/payment", "/policy", "/verification"}
	wantMethods := []string{"POST", "POST", "GET", "GET"}
	for i, call := range plan.Calls {
		assert.Equal(t, wantEndpoints[i], call.Endpoint)
		assert.Equal(t, wantMethods[i], call.Method)
		assert.Equal(t, 200, call.StatusCode)
		assert.GreaterOrEqual(t, call.LatencyMS, 100)
		assert.LessOrEqual(t, call.LatencyMS, 500)
		assert.Equal(t, "Mock "+strings.TrimPrefix(call.Endpoint, "/")+" response for car:oona_mv4:basic", call.ResponsePayload["data"])
	}
}

func TestUnknownPlanFailsAtRunTime(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	id := env.start(t, domain.Scope{Type: domain.ScopePlan, Value: "boat:none:basic"})
	env.wait(t, id)

	doc, err := env.Engine.GetResult(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, doc.TestMetadata.Status)
	plan := doc.PlanResults["boat:none:basic"]
	assert.Equal(t, domain.PlanStatusFailed, plan.Status)
	require.NotNil(t, plan.Error)
	assert.Contains(t, *plan.Error, "not in the product catalog")
	assert.Empty(t, plan.Calls)
}

func TestUnknownScopeTypeCompletesWithNoPlans(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	id := env.start(t, domain.Scope{Type: "region", Value: "eu"})
	env.wait(t, id)

	doc, err := env.Engine.GetResult(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, doc.TestMetadata.Status)
	assert.Empty(t, doc.PlanResults)
	assert.Equal(t, 0, doc.ExecutionSummary.TotalPlans)
}

func TestListRunsReturnsTenNewest(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	var ids []string
	for i := 0; i < 12; i++ {
		id := env.start(t, domain.Scope{Type: domain.ScopePlan, Value: "travel:international:annual"})
		env.wait(t, id)
		ids = append(ids, id)
	}
	runs, err := env.Engine.ListRunsForOwner(env.Ctx, "alice")
	require.NoError(t, err)
	require.Len(t, runs, 10)
	assert.Equal(t, ids[11], runs[0].RunID)
	assert.Equal(t, ids[2], runs[9].RunID)
	for i := 1; i < len(runs); i++ {
		assert.True(t, runs[i-1].StartedAt.After(runs[i].StartedAt))
	}

	none, err := env.Engine.ListRunsForOwner(env.Ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUnknownRunIsNotFound(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	_, err := env.Engine.GetStatus(env.Ctx, "test_missing")
	assert.ErrorIs(t, err, engine.ErrRunNotFound)
	assert.True(t, store.IsNotFound(err))
	assert.False(t, engine.IsValidation(err))

	_, err = env.Engine.GetResult(env.Ctx, "test_missing")
	assert.True(t, store.IsNotFound(err))
	_, err = env.Engine.Events(env.Ctx, "test_missing")
	assert.True(t, store.IsNotFound(err))
}

func TestRunEventsRecorded(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	id := env.start(t, domain.Scope{Type: domain.ScopeCategory, Value: "health"})
	env.wait(t, id)

	evts, err := env.Engine.Events(env.Ctx, id)
	require.NoError(t, err)
	require.Len(t, evts, 4)
	assert.Equal(t, events.RunStarted, evts[0].Type)
	assert.Equal(t, events.PlanCompleted, evts[1].Type)
	assert.Equal(t, events.PlanCompleted, evts[2].Type)
	assert.Equal(t, events.RunCompleted, evts[3].Type)
}

func TestRecoverFinalizesInterruptedRuns(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	started := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	orphan := domain.TestResult{
		RunID: "test_20250201_080000_deadbeef",
		TestMetadata: domain.TestMetadata{
			RunID:     "test_20250201_080000_deadbeef",
			OwnerID:   "alice",
			StartedAt: started,
			Status:    domain.RunStatusRunning,
			Scope:     domain.RunScope{Type: domain.ScopeProduct, Value: "family", Plans: []string{"health:family:hmo", "health:family:ppo"}},
		},
		PlanResults: map[string]domain.PlanRun{},
	}
	require.NoError(t, env.Store.SaveTestResult(env.Ctx, orphan))

	n, err := env.Engine.Runs.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := env.Engine.GetStatus(env.Ctx, orphan.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)
	require.Len(t, st.Plans, 2)
	for _, p := range st.Plans {
		assert.Equal(t, domain.PlanStatusFailed, p.Status)
		require.NotNil(t, p.Error)
		assert.Equal(t, "interrupted before completion", *p.Error)
	}

	n, err = env.Engine.Runs.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCloseInterruptsRunningPlans(t *testing.T) {
	caller := engine.CallerFunc(func(ctx context.Context, req engine.CallRequest) (domain.SimulatedCall, error) {
		<-ctx.Done()
		return domain.SimulatedCall{}, ctx.Err()
	})
	env := newTestEnv(t, engine.Options{Caller: caller})
	id := env.start(t, domain.Scope{Type: domain.ScopeCategory, Value: "car"})

	require.NoError(t, env.Engine.Runs.Close())
	assert.False(t, env.Engine.Runs.Live(id))
	doc, err := env.Engine.GetResult(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, doc.TestMetadata.Status)
	assert.Equal(t, 4, doc.ExecutionSummary.FailedPlans)

	_, err = env.Engine.StartRun(env.Ctx, engine.StartRequest{OwnerID: "bob", TargetEnv: "a", BaselineEnv: "b"})
	assert.ErrorIs(t, err, engine.ErrClosed)
	runs, err := env.Engine.ListRunsForOwner(env.Ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

// flakyStore fails the SaveTestResult calls numbered in failOn, counting from 1.
type flakyStore struct {
	store.Store

	mu     sync.Mutex
	saves  int
	failOn map[int]bool
	onSave func(n int)
}

func (s *flakyStore) SaveTestResult(ctx context.Context, doc domain.TestResult) error {
	s.mu.Lock()
	s.saves++
	n := s.saves
	s.mu.Unlock()
	if s.onSave != nil {
		s.onSave(n)
	}
	if s.failOn[n] {
		return errors.New("disk full")
	}
	return s.Store.SaveTestResult(ctx, doc)
}

func flaky(fs *flakyStore) func(store.Store) store.Store {
	return func(st store.Store) store.Store {
		fs.Store = st
		return fs
	}
}

func TestRunProceedsWhenInitialSnapshotFails(t *testing.T) {
	env := newWrappedTestEnv(t, flaky(&flakyStore{failOn: map[int]bool{1: true}}), engine.Options{})
	id := env.start(t, domain.Scope{Type: domain.ScopeProduct, Value: "oona_mv4"})

	st, err := env.Engine.GetStatus(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, st.RunID)

	env.wait(t, id)
	st, err = env.Engine.GetStatus(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)
	doc, err := env.Engine.GetResult(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, doc.TestMetadata.Status)
	assert.Len(t, doc.PlanResults, 2)
}

func TestRunStaysLiveWhenFinalSaveFails(t *testing.T) {
	env := newWrappedTestEnv(t, flaky(&flakyStore{failOn: map[int]bool{2: true}}), engine.Options{})
	id := env.start(t, domain.Scope{Type: domain.ScopeProduct, Value: "oona_mv4"})
	env.wait(t, id)

	assert.True(t, env.Engine.Runs.Live(id))
	st, err := env.Engine.GetStatus(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)
	require.NotNil(t, st.CurrentStep)
	assert.Equal(t, "Test completed", *st.CurrentStep)
	assert.Len(t, st.Plans, 2)

	doc, err := env.Engine.GetResult(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, doc.TestMetadata.Status)
}

func TestShutdownDuringStartLeavesNoOrphan(t *testing.T) {
	fs := &flakyStore{}
	env := newWrappedTestEnv(t, flaky(fs), engine.Options{})
	fs.onSave = func(n int) {
		if n != 1 {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = env.Engine.Runs.Shutdown(ctx)
	}

	id := env.start(t, domain.Scope{Type: domain.ScopePlan, Value: "car:oona_mv4:basic"})
	env.wait(t, id)
	doc, err := env.Engine.GetResult(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, doc.TestMetadata.Status)

	_, err = env.Engine.StartRun(env.Ctx, engine.StartRequest{OwnerID: "bob", TargetEnv: "staging", BaselineEnv: "prod"})
	assert.ErrorIs(t, err, engine.ErrClosed)
	runs, err := env.Engine.ListRunsForOwner(env.Ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestPanickingComparatorStillFinalizes(t *testing.T) {
	cmp := engine.ComparatorFunc(func(context.Context, domain.Environments, domain.PlanRun) (domain.Comparison, error) {
		panic("comparison backend exploded")
	})
	env := newTestEnv(t, engine.Options{Comparator: cmp})
	id := env.start(t, domain.Scope{Type: domain.ScopePlan, Value: "car:oona_mv4:basic"})
	env.wait(t, id)

	assert.False(t, env.Engine.Runs.Live(id))
	doc, err := env.Engine.GetResult(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, doc.TestMetadata.Status)
	require.Contains(t, doc.PlanResults, "car:oona_mv4:basic")
	assert.Nil(t, doc.PlanResults["car:oona_mv4:basic"].Comparison)
	assert.NotPanics(t, func() { _ = env.Engine.Runs.Close() })
}

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	u, existed, err := env.Engine.CreateUser(env.Ctx, "Jane Doe")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, "jane_doe", u.UserID)
	assert.Equal(t, "Jane Doe", u.Name)

	again, existed, err := env.Engine.CreateUser(env.Ctx, "jane doe")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.True(t, u.CreatedAt.Equal(again.CreatedAt))

	_, _, err = env.Engine.CreateUser(env.Ctx, "   ")
	assert.True(t, engine.IsValidation(err))

	_, err = env.Engine.GetUser(env.Ctx, "ghost")
	assert.True(t, store.IsNotFound(err))
}

func TestImportConfigSwapsCatalog(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	cfg := config.Default()
	cfg.Catalog = domain.Catalog{Categories: []domain.Category{{
		Key:  "pet",
		Name: "Pet",
		Products: []domain.Product{{
			Key:   "paws",
			Name:  "Paws",
			Plans: []domain.Plan{{Key: "basic", Name: "Basic"}},
		}},
	}}}
	require.NoError(t, env.Engine.ImportConfig(env.Ctx, cfg))

	pk := env.Engine.PlanKeys()
	assert.Equal(t, []string{"pet:paws:basic"}, pk.AllPlans)
	assert.Equal(t, map[string][]string{"pet": {"pet:paws:basic"}}, pk.ByCategory)

	products, err := env.Engine.Products(env.Ctx)
	require.NoError(t, err)
	require.Len(t, products.Categories, 1)

	id := env.start(t, domain.Scope{Type: domain.ScopeAll})
	env.wait(t, id)
	doc, err := env.Engine.GetResult(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"pet:paws:basic"}, keys(doc.PlanResults))
	assert.Equal(t, domain.PlanStatusCompleted, doc.PlanResults["pet:paws:basic"].Status)
}
