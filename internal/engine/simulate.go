package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"parity/internal/config"
	"parity/internal/domain"
)

// CallRequest describes one workflow step of one plan.
type CallRequest struct {
	RunID        string
	PlanID       string
	Step         config.Step
	Environments domain.Environments
}

// Caller performs the external call behind a workflow step.
type Caller interface {
	Call(ctx context.Context, req CallRequest) (domain.SimulatedCall, error)
}

type CallerFunc func(ctx context.Context, req CallRequest) (domain.SimulatedCall, error)

func (f CallerFunc) Call(ctx context.Context, req CallRequest) (domain.SimulatedCall, error) {
	return f(ctx, req)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SimulatedCaller stands in for the insurance APIs: every call waits a bounded random delay and
// answers 200 with a mock payload.
type SimulatedCaller struct {
	Sim   config.Simulation
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
	// Known rejects plans missing from the catalog. Nil accepts everything.
	Known func(planID string) bool

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedCaller(sim config.Simulation, known func(string) bool) *SimulatedCaller {
	seed := uint64(sim.Seed)
	if sim.Seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &SimulatedCaller{
		Sim:   sim,
		Sleep: SleepContext,
		Now:   time.Now,
		Known: known,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *SimulatedCaller) Call(ctx context.Context, req CallRequest) (domain.SimulatedCall, error) {
	if s.Known != nil && !s.Known(req.PlanID) {
		return domain.SimulatedCall{}, errors.Newf("plan %s is not in the product catalog", req.PlanID)
	}
	delay, latency := s.draw()
	if err := s.Sleep(ctx, delay); err != nil {
		return domain.SimulatedCall{}, errors.Wrapf(err, "%s call interrupted", req.Step.Name)
	}
	now := s.Now().UTC()
	return domain.SimulatedCall{
		Endpoint:   "/" + req.Step.Name,
		Method:     req.Step.Method,
		StatusCode: 200,
		LatencyMS:  latency,
		ResponsePayload: map[string]any{
			"status":    "success",
			"data":      "Mock " + req.Step.Name + " response for " + req.PlanID,
			"timestamp": now.Format(time.RFC3339Nano),
		},
		Timestamp: now,
	}, nil
}

func (s *SimulatedCaller) draw() (time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(1, 2))
	}
	delay := s.Sim.MinDelay
	if span := s.Sim.MaxDelay - s.Sim.MinDelay; span > 0 {
		delay += time.Duration(s.rng.Int64N(int64(span) + 1))
	}
	latency := s.Sim.MinLatencyMS
	if span := s.Sim.MaxLatencyMS - s.Sim.MinLatencyMS; span > 0 {
		latency += s.rng.IntN(span + 1)
	}
	return delay, latency
}
