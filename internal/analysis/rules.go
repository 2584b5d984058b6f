package analysis

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"parity/internal/domain"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"

	DiffMissingField  = "missing_field"
	DiffExtraField    = "extra_field"
	DiffValueMismatch = "value_mismatch"
	DiffTypeMismatch  = "type_mismatch"
)

var criticalFields = []string{
	"policy_id", "status", "premium", "coverage_amount",
	"coverage_sum_insured", "deductible", "policy_number",
}

var warningFields = []string{
	"applicant_name", "start_date", "end_date", "payment_status",
	"payment_amount", "issue_date", "insured_name",
}

// Severity classifies a differing field by substring match on its lower-cased name.
func Severity(field string) string {
	f := strings.ToLower(field)
	for _, c := range criticalFields {
		if strings.Contains(f, c) {
			return SeverityCritical
		}
	}
	for _, w := range warningFields {
		if strings.Contains(f, w) {
			return SeverityWarning
		}
	}
	return SeverityInfo
}

// Diff compares two flat documents key by key. Output is sorted by field name.
func Diff(expected, actual map[string]any) []domain.Difference {
	keys := make([]string, 0, len(expected)+len(actual))
	seen := map[string]bool{}
	for k := range expected {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range actual {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	diffs := []domain.Difference{}
	for _, k := range keys {
		exp, inExp := expected[k]
		act, inAct := actual[k]
		switch {
		case !inExp:
			diffs = append(diffs, domain.Difference{Field: k, Type: DiffExtraField, Value: act, Severity: SeverityWarning})
		case !inAct:
			diffs = append(diffs, domain.Difference{Field: k, Type: DiffMissingField, Expected: exp, Severity: SeverityCritical})
		case !equalValues(exp, act):
			typ := DiffValueMismatch
			if exp != nil && act != nil && kind(exp) != kind(act) {
				typ = DiffTypeMismatch
			}
			diffs = append(diffs, domain.Difference{Field: k, Type: typ, Expected: exp, Actual: act, Severity: Severity(k)})
		}
	}
	return diffs
}

// BusinessInsights summarizes premium, coverage and status changes.
func BusinessInsights(expected, actual map[string]any) string {
	var insights []string
	if ep, ok := number(expected["premium"]); ok {
		if ap, ok := number(actual["premium"]); ok && ep != ap {
			delta := ap - ep
			if delta < 0 {
				delta = -delta
			}
			if ep != 0 {
				insights = append(insights, fmt.Sprintf("Premium differs by %s (%.1f%%)", formatNumber(delta), delta/ep*100))
			} else {
				insights = append(insights, fmt.Sprintf("Premium differs by %s", formatNumber(delta)))
			}
		}
	}
	expCov, actCov := valueOr(expected, "coverage_sum_insured", 0), valueOr(actual, "coverage_sum_insured", 0)
	if !equalValues(expCov, actCov) {
		insights = append(insights, fmt.Sprintf("Coverage amount differs: %v vs %v", expCov, actCov))
	}
	expStatus, actStatus := valueOr(expected, "status", ""), valueOr(actual, "status", "")
	if !equalValues(expStatus, actStatus) {
		insights = append(insights, fmt.Sprintf("Policy status differs: %v vs %v", expStatus, actStatus))
	}
	if len(insights) == 0 {
		return "No significant business logic differences detected"
	}
	return strings.Join(insights, "; ")
}

func analyzeLocally(expected, actual map[string]any) Report {
	diffs := Diff(expected, actual)
	return Report{
		Differences:     diffs,
		Summary:         fmt.Sprintf("Found %d differences. %s", len(diffs), BusinessInsights(expected, actual)),
		Recommendations: recommendations(diffs),
		ModelUsed:       ModelLocal,
		Confidence:      "medium",
	}
}

func recommendations(diffs []domain.Difference) []string {
	out := []string{}
	for _, d := range diffs {
		if d.Severity == SeverityCritical {
			out = append(out, fmt.Sprintf("Investigate %s before promoting the target environment", d.Field))
		}
	}
	return out
}

func valueOr(m map[string]any, key string, def any) any {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}

// equalValues treats numbers of different Go types as equal when their values match.
func equalValues(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func kind(v any) string {
	if _, ok := number(v); ok {
		return "number"
	}
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return reflect.TypeOf(v).String()
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
