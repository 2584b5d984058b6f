package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parity/internal/config"
	"parity/internal/domain"
)

func TestSimulatedCallerStaysInBounds(t *testing.T) {
	sim := config.Simulation{MinDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second, MinLatencyMS: 100, MaxLatencyMS: 500, Seed: 7}
	caller := NewSimulatedCaller(sim, nil)
	var delays []time.Duration
	caller.Sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	caller.Now = func() time.Time { return fixed }

	for i := 0; i < 50; i++ {
		call, err := caller.Call(context.Background(), CallRequest{PlanID: "car:oona_mv4:basic", Step: config.Step{Name: "payment", Method: "POST"}})
		require.NoError(t, err)
		assert.Equal(t, "/payment", call.Endpoint)
		assert.Equal(t, "POST", call.Method)
		assert.Equal(t, 200, call.StatusCode)
		assert.GreaterOrEqual(t, call.LatencyMS, 100)
		assert.LessOrEqual(t, call.LatencyMS, 500)
		assert.Equal(t, "success", call.ResponsePayload["status"])
		assert.Equal(t, "Mock payment response for car:oona_mv4:basic", call.ResponsePayload["data"])
		assert.Equal(t, fixed, call.Timestamp)
	}
	require.Len(t, delays, 50)
	for _, d := range delays {
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestSimulatedCallerHonorsCancellation(t *testing.T) {
	caller := NewSimulatedCaller(config.Simulation{MinDelay: time.Hour, MaxDelay: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := caller.Call(ctx, CallRequest{PlanID: "p", Step: config.Step{Name: "policy", Method: "GET"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestContractComparator(t *testing.T) {
	steps := config.Default().Workflow.Steps
	cmp := ContractComparator{Steps: steps}
	env := domain.Environments{Target: "staging", Baseline: "prod"}

	var calls []domain.SimulatedCall
	for _, s := range steps {
		calls = append(calls, domain.SimulatedCall{Endpoint: "/" + s.Name, Method: s.Method, StatusCode: 200, LatencyMS: 100})
	}
	res, err := cmp.Compare(context.Background(), env, domain.PlanRun{Calls: calls})
	require.NoError(t, err)
	assert.Equal(t, domain.ComparisonMatch, res.Status)
	assert.Empty(t, res.Differences)
	assert.Equal(t, domain.CallSummary{APICalls: 4, TotalResponseTime: 400}, res.TargetSummary)
	assert.Equal(t, 4, res.BaselineSummary.APICalls)

	calls[1].StatusCode = 500
	res, err = cmp.Compare(context.Background(), env, domain.PlanRun{Calls: calls[:3]})
	require.NoError(t, err)
	assert.Equal(t, domain.ComparisonDiff, res.Status)
	require.Len(t, res.Differences, 2)
	assert.Equal(t, "payment.status_code", res.Differences[0].Field)
	assert.Equal(t, "critical", res.Differences[0].Severity)
	assert.Equal(t, "verification", res.Differences[1].Field)
	assert.Equal(t, "missing_field", res.Differences[1].Type)
}

func TestLiveProgressCountsTerminalPlans(t *testing.T) {
	run := domain.TestRun{
		RunID:  "test_x",
		Status: domain.RunStatusRunning,
		Plans: map[string]domain.PlanRun{
			"a": {PlanID: "a", Status: domain.PlanStatusPending},
			"b": {PlanID: "b", Status: domain.PlanStatusPending},
			"c": {PlanID: "c", Status: domain.PlanStatusPending},
			"d": {PlanID: "d", Status: domain.PlanStatusPending},
		},
	}
	lr := newLiveRun(run, []string{"a", "b", "c", "d"})
	assert.Nil(t, lr.statusView().CurrentStep)

	lr.slot("b").Update(func(p *domain.PlanRun) { p.Status = domain.PlanStatusRunning; p.Progress = 75 })
	lr.refreshProgress()
	st := lr.statusView()
	assert.Equal(t, 0, st.Progress)
	require.NotNil(t, st.CurrentStep)
	assert.Equal(t, "Testing b", *st.CurrentStep)

	lr.slot("a").Update(func(p *domain.PlanRun) { p.Status = domain.PlanStatusFailed })
	lr.refreshProgress()
	assert.Equal(t, 25, lr.statusView().Progress)

	// terminal plans are frozen
	lr.slot("a").Update(func(p *domain.PlanRun) { p.Status = domain.PlanStatusRunning })
	assert.Equal(t, domain.PlanStatusFailed, lr.slot("a").Snapshot().Status)

	snap := lr.statusView()
	snap.Plans["b"] = domain.PlanRun{Status: "tampered"}
	assert.Equal(t, domain.PlanStatusRunning, lr.statusView().Plans["b"].Status)
}
