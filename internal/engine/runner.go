package engine

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"parity/internal/config"
	"parity/internal/domain"
	"parity/internal/logger"
	"parity/internal/metrics"
)

// PlanSlot is the part of a live run a runner may write: its own PlanRun.
type PlanSlot interface {
	Update(fn func(p *domain.PlanRun))
	Snapshot() domain.PlanRun
}

// PlanRequest identifies the plan a runner drives.
type PlanRequest struct {
	RunID        string
	PlanID       string
	Environments domain.Environments
}

// Runner drives one plan through the workflow steps in order.
type Runner struct {
	Steps  []config.Step
	Caller Caller
	Log    *zap.SugaredLogger
}

// Run executes every step and returns the terminal plan state. Errors and panics from a step
// fail the plan and skip the remaining steps; they never escape Run.
func (r Runner) Run(ctx context.Context, slot PlanSlot, req PlanRequest) domain.PlanRun {
	log := r.Log
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(logger.FieldRunID, req.RunID, logger.FieldPlanID, req.PlanID)

	var err error
	recovered := panics.Try(func() { err = r.steps(ctx, slot, req) })
	if recovered != nil {
		log.Errorw("plan runner panicked", "stack", string(recovered.Stack))
		err = errors.Newf("panic: %v", recovered.Value)
	}
	if err != nil {
		msg := err.Error()
		slot.Update(func(p *domain.PlanRun) {
			p.Status = domain.PlanStatusFailed
			p.Error = &msg
		})
		log.Warnw("plan failed", logger.FieldError, msg)
	} else {
		slot.Update(func(p *domain.PlanRun) {
			p.Status = domain.PlanStatusCompleted
			p.Progress = 100
		})
		log.Debugw("plan completed")
	}
	final := slot.Snapshot()
	metrics.RecordPlanFinished(final.Status)
	return final
}

func (r Runner) steps(ctx context.Context, slot PlanSlot, req PlanRequest) error {
	slot.Update(func(p *domain.PlanRun) {
		p.Status = domain.PlanStatusRunning
		p.Progress = 0
	})
	total := len(r.Steps)
	for i, step := range r.Steps {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "interrupted before %s", step.Name)
		}
		name := step.Name
		progress := int(math.Round(float64(i+1) / float64(total) * 100))
		slot.Update(func(p *domain.PlanRun) {
			p.CurrentStep = &name
			p.Progress = progress
		})
		call, err := r.Caller.Call(ctx, CallRequest{
			RunID:        req.RunID,
			PlanID:       req.PlanID,
			Step:         step,
			Environments: req.Environments,
		})
		if err != nil {
			return errors.Wrapf(err, "step %s failed", step.Name)
		}
		metrics.RecordCall(step.Name, call.LatencyMS)
		slot.Update(func(p *domain.PlanRun) {
			p.Calls = append(p.Calls, call)
		})
	}
	return nil
}
