package engine

import (
	"sync"
	"time"

	"parity/internal/domain"
)

// liveRun is the in-memory state of one executing run. Runners write their own plan through a
// planSlot; run-level fields are written by the coordinator only.
type liveRun struct {
	id    string
	order []string
	done  chan struct{}

	mu  sync.RWMutex
	run domain.TestRun
	// lastStarted is the plan that most recently entered running.
	lastStarted string
}

func newLiveRun(run domain.TestRun, order []string) *liveRun {
	return &liveRun{
		id:    run.RunID,
		order: order,
		done:  make(chan struct{}),
		run:   run,
	}
}

func (lr *liveRun) environments() domain.Environments {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return lr.run.Environments
}

func (lr *liveRun) slot(planID string) planSlot {
	return planSlot{run: lr, planID: planID}
}

// refreshProgress recomputes overall progress as the share of terminal plans. It never decreases.
func (lr *liveRun) refreshProgress() {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	total := len(lr.run.Plans)
	if total == 0 {
		return
	}
	done := 0
	for _, p := range lr.run.Plans {
		if p.Terminal() {
			done++
		}
	}
	if progress := done * 100 / total; progress > lr.run.Progress {
		lr.run.Progress = progress
	}
}

// complete stamps the run-level completion fields and returns a copy of the final state.
func (lr *liveRun) complete(now time.Time) domain.TestRun {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	step := stepCompleted
	lr.run.Status = domain.RunStatusCompleted
	lr.run.Progress = 100
	lr.run.CurrentStep = &step
	lr.run.CompletedAt = &now
	return cloneRun(lr.run)
}

func (lr *liveRun) statusView() domain.StatusView {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	run := cloneRun(lr.run)
	step := run.CurrentStep
	if run.Status == domain.RunStatusRunning && lr.lastStarted != "" {
		s := "Testing " + lr.lastStarted
		step = &s
	}
	return domain.StatusView{
		RunID:       run.RunID,
		Status:      run.Status,
		Progress:    run.Progress,
		CurrentStep: step,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Plans:       run.Plans,
		TargetEnv:   run.Environments.Target,
		BaselineEnv: run.Environments.Baseline,
	}
}

type planSlot struct {
	run    *liveRun
	planID string
}

func (s planSlot) Update(fn func(p *domain.PlanRun)) {
	s.run.mu.Lock()
	defer s.run.mu.Unlock()
	p := s.run.run.Plans[s.planID]
	if p.Terminal() {
		return
	}
	prev := p.Status
	fn(&p)
	if prev != domain.PlanStatusRunning && p.Status == domain.PlanStatusRunning {
		s.run.lastStarted = s.planID
	}
	s.run.run.Plans[s.planID] = p
}

func (s planSlot) Snapshot() domain.PlanRun {
	s.run.mu.RLock()
	defer s.run.mu.RUnlock()
	return clonePlan(s.run.run.Plans[s.planID])
}

func cloneRun(r domain.TestRun) domain.TestRun {
	out := r
	out.Scope.Plans = append([]string{}, r.Scope.Plans...)
	if r.CurrentStep != nil {
		s := *r.CurrentStep
		out.CurrentStep = &s
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	out.Plans = make(map[string]domain.PlanRun, len(r.Plans))
	for k, v := range r.Plans {
		out.Plans[k] = clonePlan(v)
	}
	return out
}

// clonePlan copies the mutable parts of a plan. Recorded calls are never modified after being
// appended, so their payloads are shared.
func clonePlan(p domain.PlanRun) domain.PlanRun {
	out := p
	out.Calls = append([]domain.SimulatedCall{}, p.Calls...)
	if p.CurrentStep != nil {
		s := *p.CurrentStep
		out.CurrentStep = &s
	}
	if p.Error != nil {
		e := *p.Error
		out.Error = &e
	}
	if p.Comparison != nil {
		c := *p.Comparison
		c.Differences = append([]domain.Difference{}, p.Comparison.Differences...)
		out.Comparison = &c
	}
	return out
}
