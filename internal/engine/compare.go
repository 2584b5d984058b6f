package engine

import (
	"context"
	"fmt"

	"parity/internal/analysis"
	"parity/internal/config"
	"parity/internal/domain"
)

// Comparator produces the environment comparison attached to each plan at finalization.
type Comparator interface {
	Compare(ctx context.Context, env domain.Environments, plan domain.PlanRun) (domain.Comparison, error)
}

type ComparatorFunc func(ctx context.Context, env domain.Environments, plan domain.PlanRun) (domain.Comparison, error)

func (f ComparatorFunc) Compare(ctx context.Context, env domain.Environments, plan domain.PlanRun) (domain.Comparison, error) {
	return f(ctx, env, plan)
}

const contractModel = "workflow_contract"

// ContractComparator checks recorded calls against the configured workflow: one call per step with
// the expected endpoint, method and a 200 status. The baseline summary is what the contract expects.
type ContractComparator struct {
	Steps []config.Step
}

func (c ContractComparator) Compare(_ context.Context, env domain.Environments, plan domain.PlanRun) (domain.Comparison, error) {
	diffs := []domain.Difference{}
	total := 0
	for i, step := range c.Steps {
		expected := map[string]any{
			"endpoint":    "/" + step.Name,
			"method":      step.Method,
			"status_code": 200,
		}
		if i >= len(plan.Calls) {
			diffs = append(diffs, domain.Difference{
				Field:    step.Name,
				Type:     analysis.DiffMissingField,
				Expected: expected,
				Severity: analysis.SeverityCritical,
			})
			continue
		}
		call := plan.Calls[i]
		total += call.LatencyMS
		actual := map[string]any{
			"endpoint":    call.Endpoint,
			"method":      call.Method,
			"status_code": call.StatusCode,
		}
		for _, d := range analysis.Diff(expected, actual) {
			d.Field = step.Name + "." + d.Field
			diffs = append(diffs, d)
		}
	}
	for _, call := range plan.Calls[min(len(plan.Calls), len(c.Steps)):] {
		total += call.LatencyMS
		diffs = append(diffs, domain.Difference{
			Field:    call.Endpoint,
			Type:     analysis.DiffExtraField,
			Value:    call.Method,
			Severity: analysis.SeverityWarning,
		})
	}

	status := domain.ComparisonMatch
	if len(diffs) > 0 {
		status = domain.ComparisonDiff
	}
	return domain.Comparison{
		Status:      status,
		Differences: diffs,
		Summary: fmt.Sprintf("%s vs %s: %d of %d steps recorded, %d differences",
			env.Target, env.Baseline, min(len(plan.Calls), len(c.Steps)), len(c.Steps), len(diffs)),
		ModelUsed:       contractModel,
		TargetSummary:   domain.CallSummary{APICalls: len(plan.Calls), TotalResponseTime: total},
		BaselineSummary: domain.CallSummary{APICalls: len(c.Steps)},
	}, nil
}
