package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parity/internal/logger"
)

func TestLocalAnalysisClassifiesFields(t *testing.T) {
	svc := New(Config{}, logger.Nop())
	expected := map[string]any{"premium": 100.0, "status": "active", "applicant_name": "Ann", "color": "red", "policy_number": "P1"}
	actual := map[string]any{"premium": 110.0, "status": "pending", "applicant_name": "Anne", "color": "blue", "extra": true}

	report, err := svc.Analyze(context.Background(), expected, actual, "")
	require.NoError(t, err)
	assert.Equal(t, ModelLocal, report.ModelUsed)

	byField := map[string]string{}
	types := map[string]string{}
	for _, d := range report.Differences {
		byField[d.Field] = d.Severity
		types[d.Field] = d.Type
	}
	assert.Equal(t, SeverityCritical, byField["premium"])
	assert.Equal(t, SeverityCritical, byField["status"])
	assert.Equal(t, SeverityWarning, byField["applicant_name"])
	assert.Equal(t, SeverityInfo, byField["color"])
	assert.Equal(t, DiffMissingField, types["policy_number"])
	assert.Equal(t, SeverityCritical, byField["policy_number"])
	assert.Equal(t, DiffExtraField, types["extra"])
	assert.Equal(t, SeverityWarning, byField["extra"])

	assert.Contains(t, report.Summary, "Found 6 differences.")
	assert.Contains(t, report.Summary, "Premium differs by 10 (10.0%)")
	assert.Contains(t, report.Summary, "Policy status differs: active vs pending")
	assert.NotEmpty(t, report.Recommendations)
}

func TestLocalAnalysisIdenticalDocuments(t *testing.T) {
	doc := map[string]any{"premium": 1, "status": "ok"}
	report, err := New(Config{}, logger.Nop()).Analyze(context.Background(), doc, map[string]any{"premium": 1.0, "status": "ok"}, "")
	require.NoError(t, err)
	assert.Equal(t, ModelLocal, report.ModelUsed)
	assert.Empty(t, report.Differences)
	assert.Equal(t, "Found 0 differences. No significant business logic differences detected", report.Summary)
}

func TestDiffTypeMismatch(t *testing.T) {
	diffs := Diff(map[string]any{"deductible": "500"}, map[string]any{"deductible": 500})
	require.Len(t, diffs, 1)
	assert.Equal(t, DiffTypeMismatch, diffs[0].Type)
	assert.Equal(t, SeverityCritical, diffs[0].Severity)
}

func TestRemoteAnalysisUsedAndCounted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req generationRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		_ = json.NewEncoder(w).Encode([]generation{{
			GeneratedText: `Sure. {"differences":[{"field":"premium","type":"value_mismatch","severity":"critical"}],"summary":"premium changed","recommendations":["check rating"]}`,
		}})
	}))
	defer srv.Close()

	svc := New(Config{RemoteURL: srv.URL, Token: "tok", Model: "test-model", DailyLimit: 5}, logger.Nop())
	report, err := svc.Analyze(context.Background(), map[string]any{"premium": 1}, map[string]any{"premium": 2}, "pricing")
	require.NoError(t, err)
	assert.Equal(t, ModelRemote, report.ModelUsed)
	assert.Equal(t, "premium changed", report.Summary)
	require.Len(t, report.Differences, 1)

	usage := svc.Usage()
	assert.Equal(t, 1, usage.RequestsToday)
	assert.Equal(t, 4, usage.CloudRequestsRemaining)
	assert.True(t, usage.CloudEnabled)
	assert.Equal(t, "cloud", usage.ModelPreference)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRemoteFailureFallsBackToLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := New(Config{RemoteURL: srv.URL, Token: "tok"}, logger.Nop())
	report, err := svc.Analyze(context.Background(), map[string]any{"a": 1}, map[string]any{"a": 2}, "")
	require.NoError(t, err)
	assert.Equal(t, ModelLocal, report.ModelUsed)
	assert.Equal(t, 0, svc.Usage().RequestsToday)
}

func TestDailyLimitStopsRemoteCalls(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"generated_text":"{\"summary\":\"ok\"}"}`))
	}))
	defer srv.Close()

	svc := New(Config{RemoteURL: srv.URL, Token: "tok", DailyLimit: 2}, logger.Nop())
	day := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return day }
	ctx := context.Background()
	models := []string{}
	for i := 0; i < 3; i++ {
		r, err := svc.Analyze(ctx, nil, nil, "")
		require.NoError(t, err)
		models = append(models, r.ModelUsed)
	}
	assert.Equal(t, []string{ModelRemote, ModelRemote, ModelLocal}, models)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Equal(t, 0, svc.Usage().CloudRequestsRemaining)

	day = day.Add(24 * time.Hour)
	assert.Equal(t, 0, svc.Usage().RequestsToday)
}

func TestUnparseableGenerationIsLowConfidence(t *testing.T) {
	r := parseGenerated("no json here", ModelRemote)
	assert.Equal(t, "low", r.Confidence)
	assert.Equal(t, "Failed to parse cloud analysis response", r.Summary)
}
