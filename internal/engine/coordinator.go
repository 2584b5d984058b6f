package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"parity/internal/domain"
	"parity/internal/events"
	"parity/internal/logger"
	"parity/internal/metrics"
	"parity/internal/store"
)

const (
	stepCompleted     = "Test completed"
	defaultListLimit  = 10
	interruptedReason = "interrupted before completion"
)

// StartRequest is the input of StartRun.
type StartRequest struct {
	OwnerID     string
	TargetEnv   string
	BaselineEnv string
	Scope       domain.Scope
	AIPrompt    string
}

// Coordinator owns the live run registry. Runs are held in memory while plans execute and
// handed off to the store exactly once, when every plan is terminal.
type Coordinator struct {
	Store      store.Store
	Runner     Runner
	Comparator Comparator
	// Catalog returns the plan keys scopes resolve against.
	Catalog   func() []string
	Log       *zap.SugaredLogger
	Now       func() time.Time
	ListLimit int

	mu     sync.RWMutex
	runs   map[string]*liveRun
	closed bool
	wg     conc.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

type CoordinatorOptions struct {
	Store      store.Store
	Runner     Runner
	Comparator Comparator
	Catalog    func() []string
	Log        *zap.SugaredLogger
	Now        func() time.Time
	ListLimit  int
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		Store:      opts.Store,
		Runner:     opts.Runner,
		Comparator: opts.Comparator,
		Catalog:    opts.Catalog,
		Log:        logger.Component(opts.Log, "coordinator"),
		Now:        opts.Now,
		ListLimit:  opts.ListLimit,
		runs:       map[string]*liveRun{},
		baseCtx:    ctx,
		cancel:     cancel,
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.ListLimit <= 0 {
		c.ListLimit = defaultListLimit
	}
	if c.Comparator == nil {
		c.Comparator = ContractComparator{Steps: opts.Runner.Steps}
	}
	return c
}

// StartRun validates req, records the initial durable snapshot and starts one runner per plan.
// It returns as soon as the runners are scheduled.
func (c *Coordinator) StartRun(ctx context.Context, req StartRequest) (string, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return "", ValidationError{Field: "user_id", Reason: "owner is required"}
	}
	if req.TargetEnv == req.BaselineEnv {
		return "", ValidationError{Field: "environments", Reason: "target and baseline environments must differ"}
	}
	if c.isClosed() {
		return "", ErrClosed
	}
	var catalog []string
	if c.Catalog != nil {
		catalog = c.Catalog()
	}
	plans := ResolveScope(catalog, req.Scope)
	scopeType := req.Scope.Type
	if scopeType == "" {
		scopeType = domain.ScopeAll
	}

	started := c.Now().UTC()
	runID := newRunID(started)
	run := domain.TestRun{
		RunID:   runID,
		OwnerID: req.OwnerID,
		Scope:   domain.RunScope{Type: scopeType, Value: req.Scope.Value, Plans: plans},
		Environments: domain.Environments{
			Target:   req.TargetEnv,
			Baseline: req.BaselineEnv,
		},
		AIPrompt:    req.AIPrompt,
		Status:      domain.RunStatusRunning,
		StartedAt:   started,
		Plans:       make(map[string]domain.PlanRun, len(plans)),
	}
	for _, p := range plans {
		run.Plans[p] = domain.PlanRun{PlanID: p, Status: domain.PlanStatusPending, Calls: []domain.SimulatedCall{}}
	}
	lr := newLiveRun(run, plans)
	log := c.Log.With(logger.FieldRunID, runID, logger.FieldOwnerID, req.OwnerID)

	// The supervisor holds until the initial snapshot and run.started are recorded, so the
	// snapshot never overwrites a final document and plan events always follow run.started.
	// Registering first means a closed coordinator leaves nothing behind in the store.
	ready := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.runs[runID] = lr
	c.wg.Go(func() {
		<-ready
		c.supervise(lr)
	})
	c.mu.Unlock()
	defer close(ready)

	initial := domain.TestResult{
		RunID:            runID,
		TestMetadata:     metadataOf(run),
		ExecutionSummary: domain.ExecutionSummary{TotalPlans: len(plans)},
		PlanResults:      map[string]domain.PlanRun{},
	}
	if err := c.Store.SaveTestResult(ctx, initial); err != nil {
		metrics.RecordPersistenceError("initial_snapshot")
		err = errors.WithHint(err, "the run continues in memory but will not be resolvable after a restart")
		log.Errorw("initial snapshot not persisted", logger.FieldError, err, "hint", errors.FlattenHints(err))
	}

	metrics.RecordRunStarted()
	c.appendEvent(ctx, domain.RunEvent{
		Type:  events.RunStarted,
		RunID: runID,
		Payload: map[string]any{
			"owner_id": req.OwnerID,
			"plans":    len(plans),
			"target":   req.TargetEnv,
			"baseline": req.BaselineEnv,
		},
	})
	log.Infow("test run started", logger.FieldCount, len(plans))
	return runID, nil
}

// GetStatus answers from live state while the run executes, otherwise from the stored document.
func (c *Coordinator) GetStatus(ctx context.Context, runID string) (domain.StatusView, error) {
	if lr := c.live(runID); lr != nil {
		return lr.statusView(), nil
	}
	doc, err := c.Store.GetTestResult(ctx, runID)
	if store.IsNotFound(err) {
		return domain.StatusView{}, errors.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	if err != nil {
		return domain.StatusView{}, err
	}
	return statusFromDocument(doc), nil
}

// GetResult returns the stored document, which exists from the moment StartRun returns.
func (c *Coordinator) GetResult(ctx context.Context, runID string) (domain.TestResult, error) {
	doc, err := c.Store.GetTestResult(ctx, runID)
	if store.IsNotFound(err) {
		return domain.TestResult{}, errors.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	return doc, err
}

// ListRunsForOwner returns the most recently started runs of ownerID, newest first.
func (c *Coordinator) ListRunsForOwner(ctx context.Context, ownerID string) ([]domain.RunSummary, error) {
	docs, err := c.Store.ListTestResults(ctx, store.ResultFilter{OwnerID: ownerID, Limit: c.ListLimit})
	if err != nil {
		return nil, err
	}
	out := make([]domain.RunSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.RunSummary{
			RunID:            d.RunID,
			OwnerID:          d.TestMetadata.OwnerID,
			Status:           d.TestMetadata.Status,
			StartedAt:        d.TestMetadata.StartedAt,
			CompletedAt:      d.TestMetadata.CompletedAt,
			Environments:     d.TestMetadata.Environments,
			Scope:            d.TestMetadata.Scope,
			ExecutionSummary: d.ExecutionSummary,
		})
	}
	return out, nil
}

// Events lists the recorded lifecycle events of a run.
func (c *Coordinator) Events(ctx context.Context, runID string) ([]domain.RunEvent, error) {
	evts, err := c.Store.ListEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(evts) == 0 {
		if _, err := c.GetStatus(ctx, runID); err != nil {
			return nil, err
		}
	}
	return evts, nil
}

// Live reports whether runID is still held in memory.
func (c *Coordinator) Live(runID string) bool {
	return c.live(runID) != nil
}

// Wait blocks until runID is finalized or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, runID string) error {
	lr := c.live(runID)
	if lr == nil {
		_, err := c.GetResult(ctx, runID)
		return err
	}
	select {
	case <-lr.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting runs and waits for running ones to finalize.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close interrupts running plans, which then fail and finalize, and waits for that to finish.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	return nil
}

// Recover finalizes stored runs left in the running state by a previous process.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	docs, err := c.Store.ListTestResults(ctx, store.ResultFilter{Status: domain.RunStatusRunning})
	if err != nil {
		return 0, errors.Wrap(err, "list interrupted runs")
	}
	n := 0
	for _, doc := range docs {
		if c.Live(doc.RunID) {
			continue
		}
		now := c.Now().UTC()
		step := stepCompleted
		meta := doc.TestMetadata
		meta.Status = domain.RunStatusCompleted
		meta.CompletedAt = &now
		meta.CurrentStep = &step
		results := doc.PlanResults
		if results == nil {
			results = map[string]domain.PlanRun{}
		}
		for _, planID := range meta.Scope.Plans {
			if p, ok := results[planID]; ok && p.Terminal() {
				continue
			}
			reason := interruptedReason
			results[planID] = domain.PlanRun{
				PlanID: planID,
				Status: domain.PlanStatusFailed,
				Calls:  []domain.SimulatedCall{},
				Error:  &reason,
			}
		}
		fixed := domain.TestResult{
			RunID:            doc.RunID,
			TestMetadata:     meta,
			ExecutionSummary: summarize(results, meta.StartedAt, now),
			PlanResults:      results,
		}
		if err := c.Store.SaveTestResult(ctx, fixed); err != nil {
			metrics.RecordPersistenceError("recover")
			return n, errors.Wrapf(err, "recover run %s", doc.RunID)
		}
		c.appendEvent(ctx, domain.RunEvent{
			Type:    events.RunCompleted,
			RunID:   doc.RunID,
			Payload: map[string]any{"recovered": true, "failed_plans": fixed.ExecutionSummary.FailedPlans},
		})
		c.Log.Warnw("recovered interrupted run", logger.FieldRunID, doc.RunID)
		n++
	}
	return n, nil
}

func (c *Coordinator) live(runID string) *liveRun {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runs[runID]
}

func (c *Coordinator) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Coordinator) supervise(lr *liveRun) {
	var plans conc.WaitGroup
	env := lr.environments()
	for _, planID := range lr.order {
		slot := lr.slot(planID)
		req := PlanRequest{RunID: lr.id, PlanID: planID, Environments: env}
		plans.Go(func() {
			final := c.Runner.Run(c.baseCtx, slot, req)
			c.planFinished(lr, final)
		})
	}
	plans.Wait()
	c.finalize(lr)
}

func (c *Coordinator) planFinished(lr *liveRun, final domain.PlanRun) {
	lr.refreshProgress()
	typ := events.PlanCompleted
	payload := map[string]any{"calls": len(final.Calls)}
	if final.Status == domain.PlanStatusFailed {
		typ = events.PlanFailed
		if final.Error != nil {
			payload["error"] = *final.Error
		}
	}
	c.appendEvent(context.WithoutCancel(c.baseCtx), domain.RunEvent{Type: typ, RunID: lr.id, PlanID: final.PlanID, Payload: payload})
}

// compare runs the comparator for one plan. A panicking comparator fails only that
// plan's comparison; the run still finalizes.
func (c *Coordinator) compare(ctx context.Context, env domain.Environments, p domain.PlanRun) (cmp domain.Comparison, err error) {
	recovered := panics.Try(func() { cmp, err = c.Comparator.Compare(ctx, env, p) })
	if recovered != nil {
		c.Log.Errorw("comparator panicked", logger.FieldPlanID, p.PlanID, "stack", string(recovered.Stack))
		return domain.Comparison{}, errors.Newf("panic: %v", recovered.Value)
	}
	return cmp, err
}

// finalize stamps the run completed, writes the merged document and only then drops the live entry,
// so a reader always finds one complete view.
func (c *Coordinator) finalize(lr *liveRun) {
	ctx := context.WithoutCancel(c.baseCtx)
	log := c.Log.With(logger.FieldRunID, lr.id)
	now := c.Now().UTC()
	run := lr.complete(now)

	results := make(map[string]domain.PlanRun, len(run.Plans))
	for id, p := range run.Plans {
		cmp, err := c.compare(ctx, run.Environments, p)
		if err != nil {
			log.Warnw("comparison failed", logger.FieldPlanID, id, logger.FieldError, err)
		} else {
			p.Comparison = &cmp
		}
		p.CurrentStep = nil
		results[id] = p
	}
	doc := domain.TestResult{
		RunID:            run.RunID,
		TestMetadata:     metadataOf(run),
		ExecutionSummary: summarize(results, run.StartedAt, now),
		PlanResults:      results,
	}
	if err := c.Store.SaveTestResult(ctx, doc); err != nil {
		// The completed run stays live so it remains resolvable; Recover fixes the stored copy.
		metrics.RecordPersistenceError("finalize")
		log.Errorw("final result not persisted", logger.FieldError, err)
		close(lr.done)
		return
	}
	metrics.RecordRunFinalized(now.Sub(run.StartedAt))
	c.appendEvent(ctx, domain.RunEvent{
		Type:  events.RunCompleted,
		RunID: lr.id,
		Payload: map[string]any{
			"completed_plans": doc.ExecutionSummary.CompletedPlans,
			"failed_plans":    doc.ExecutionSummary.FailedPlans,
			"total_api_calls": doc.ExecutionSummary.TotalCalls,
		},
	})
	c.mu.Lock()
	delete(c.runs, lr.id)
	c.mu.Unlock()
	close(lr.done)

	log.Infow("test run completed",
		"completed_plans", doc.ExecutionSummary.CompletedPlans,
		"failed_plans", doc.ExecutionSummary.FailedPlans)
}

func (c *Coordinator) appendEvent(ctx context.Context, evt domain.RunEvent) {
	if _, err := c.Store.AppendEvent(ctx, evt); err != nil {
		metrics.RecordPersistenceError("event")
		c.Log.Warnw("event not recorded", logger.FieldRunID, evt.RunID, "type", evt.Type, logger.FieldError, err)
	}
}

func newRunID(t time.Time) string {
	return "test_" + t.Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func metadataOf(run domain.TestRun) domain.TestMetadata {
	return domain.TestMetadata{
		RunID:        run.RunID,
		OwnerID:      run.OwnerID,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		Status:       run.Status,
		CurrentStep:  run.CurrentStep,
		Scope:        run.Scope,
		Environments: run.Environments,
		AIPrompt:     run.AIPrompt,
	}
}

func summarize(results map[string]domain.PlanRun, started, finished time.Time) domain.ExecutionSummary {
	s := domain.ExecutionSummary{TotalPlans: len(results)}
	for _, p := range results {
		switch p.Status {
		case domain.PlanStatusCompleted:
			s.CompletedPlans++
		case domain.PlanStatusFailed:
			s.FailedPlans++
		}
		s.TotalCalls += len(p.Calls)
	}
	if finished.After(started) {
		s.ExecutionTimeMS = finished.Sub(started).Milliseconds()
	}
	return s
}

// statusFromDocument derives progress from the share of terminal plans in the stored results.
// Failed plans count as done, so a completed run reports 100 even when some plans failed.
// A completed run with nothing to test reports 100.
func statusFromDocument(doc domain.TestResult) domain.StatusView {
	meta := doc.TestMetadata
	progress := 0
	if len(doc.PlanResults) == 0 && meta.Status == domain.RunStatusCompleted {
		progress = 100
	}
	if n := len(doc.PlanResults); n > 0 {
		done := 0
		for _, p := range doc.PlanResults {
			if p.Terminal() {
				done++
			}
		}
		progress = done * 100 / n
	}
	plans := make(map[string]domain.PlanRun, len(doc.PlanResults))
	for k, v := range doc.PlanResults {
		plans[k] = v
	}
	return domain.StatusView{
		RunID:       doc.RunID,
		Status:      meta.Status,
		Progress:    progress,
		CurrentStep: meta.CurrentStep,
		StartedAt:   meta.StartedAt,
		CompletedAt: meta.CompletedAt,
		Plans:       plans,
		TargetEnv:   meta.Environments.Target,
		BaselineEnv: meta.Environments.Baseline,
	}
}
