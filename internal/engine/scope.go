package engine

import (
	"strings"

	"parity/internal/domain"
)

// ResolveScope selects plan keys from catalog. Unknown scope types resolve to nothing; a missing
// type means all plans. Plan scopes are returned verbatim without an existence check.
func ResolveScope(catalog []string, scope domain.Scope) []string {
	switch scope.Type {
	case domain.ScopeAll, "":
		return append([]string{}, catalog...)
	case domain.ScopeCategory:
		return filterSegment(catalog, 0, scope.Value)
	case domain.ScopeProduct:
		return filterSegment(catalog, 1, scope.Value)
	case domain.ScopePlan:
		return []string{scope.Value}
	default:
		return []string{}
	}
}

func filterSegment(catalog []string, idx int, value string) []string {
	out := []string{}
	for _, key := range catalog {
		parts := strings.Split(key, ":")
		if len(parts) > idx && parts[idx] == value {
			out = append(out, key)
		}
	}
	return out
}
