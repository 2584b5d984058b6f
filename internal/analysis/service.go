// Package analysis explains differences between two API responses, using a hosted text-generation
// model when one is configured and a rule-based comparison otherwise.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"parity/internal/domain"
	"parity/internal/logger"
	"parity/internal/metrics"
)

const (
	ModelLocal  = "local_rule_based"
	ModelRemote = "cloud"

	defaultDailyLimit = 50
	defaultTimeout    = 30 * time.Second
)

type Config struct {
	RemoteURL  string
	Token      string
	Model      string
	DailyLimit int
	Timeout    time.Duration
}

type Report struct {
	Differences     []domain.Difference `json:"differences"`
	Summary         string              `json:"summary"`
	Recommendations []string            `json:"recommendations"`
	ModelUsed       string              `json:"model_used"`
	Confidence      string              `json:"confidence"`
}

type Usage struct {
	RequestsToday          int    `json:"requests_today"`
	DailyLimit             int    `json:"daily_limit"`
	CloudRequestsRemaining int    `json:"cloud_requests_remaining"`
	CloudEnabled           bool   `json:"cloud_enabled"`
	ModelPreference        string `json:"model_preference"`
}

type Service struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger

	// Now is overridable in tests.
	Now func() time.Time

	mu    sync.Mutex
	day   string
	count int
}

func New(cfg Config, log *zap.SugaredLogger) *Service {
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = defaultDailyLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Service{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(cfg.DailyLimit)), cfg.DailyLimit),
		log:     logger.Component(log, "analysis"),
		Now:     time.Now,
	}
}

// CloudEnabled reports whether a remote model is configured.
func (s *Service) CloudEnabled() bool {
	return s.cfg.RemoteURL != "" && s.cfg.Token != ""
}

// Analyze compares expected with actual. Remote failures fall back to the local rules, so the
// returned error is only set when ctx is done.
func (s *Service) Analyze(ctx context.Context, expected, actual map[string]any, prompt string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	if expected == nil {
		expected = map[string]any{}
	}
	if actual == nil {
		actual = map[string]any{}
	}
	if s.CloudEnabled() && s.allowRemote() {
		report, err := s.analyzeRemote(ctx, expected, actual, prompt)
		if err == nil {
			s.recordRemote()
			metrics.RecordAnalysis(ModelRemote)
			return report, nil
		}
		if ctx.Err() != nil {
			return Report{}, ctx.Err()
		}
		s.log.Warnw("remote analysis failed, using local rules", logger.FieldError, err)
	}
	metrics.RecordAnalysis(ModelLocal)
	return analyzeLocally(expected, actual), nil
}

func (s *Service) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	remaining := s.cfg.DailyLimit - s.count
	if remaining < 0 {
		remaining = 0
	}
	pref := "local"
	if s.CloudEnabled() {
		pref = "cloud"
	}
	return Usage{
		RequestsToday:          s.count,
		DailyLimit:             s.cfg.DailyLimit,
		CloudRequestsRemaining: remaining,
		CloudEnabled:           s.CloudEnabled(),
		ModelPreference:        pref,
	}
}

func (s *Service) allowRemote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	if s.count >= s.cfg.DailyLimit {
		return false
	}
	return s.limiter.AllowN(s.Now(), 1)
}

func (s *Service) recordRemote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	s.count++
}

func (s *Service) rollDayLocked() {
	day := s.Now().UTC().Format("2006-01-02")
	if day != s.day {
		s.day = day
		s.count = 0
	}
}

type generationRequest struct {
	Model      string         `json:"model,omitempty"`
	Inputs     string         `json:"inputs"`
	Parameters map[string]any `json:"parameters"`
}

type generation struct {
	GeneratedText string `json:"generated_text"`
}

func (s *Service) analyzeRemote(ctx context.Context, expected, actual map[string]any, prompt string) (Report, error) {
	text, err := buildPrompt(expected, actual, prompt)
	if err != nil {
		return Report{}, err
	}
	body, err := json.Marshal(generationRequest{
		Model:  s.cfg.Model,
		Inputs: text,
		Parameters: map[string]any{
			"max_new_tokens": 500,
			"temperature":    0.1,
		},
	})
	if err != nil {
		return Report{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.RemoteURL, bytes.NewReader(body))
	if err != nil {
		return Report{}, errors.Wrap(err, "build analysis request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	resp, err := s.client.Do(req)
	if err != nil {
		return Report{}, errors.Wrap(err, "call analysis model")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Report{}, errors.Wrap(err, "read analysis response")
	}
	if resp.StatusCode >= 300 {
		return Report{}, errors.Newf("analysis model returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	generated, err := generatedText(raw)
	if err != nil {
		return Report{}, err
	}
	return parseGenerated(generated, ModelRemote), nil
}

// generatedText accepts either a single generation object or a list of them.
func generatedText(raw []byte) (string, error) {
	var list []generation
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0].GeneratedText, nil
	}
	var one generation
	if err := json.Unmarshal(raw, &one); err != nil {
		return "", errors.Wrap(err, "decode analysis response")
	}
	return one.GeneratedText, nil
}

// parseGenerated extracts the outermost JSON object from free text.
func parseGenerated(text, source string) Report {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		var r Report
		if err := json.Unmarshal([]byte(text[start:end+1]), &r); err == nil {
			r.ModelUsed = source
			if r.Confidence == "" {
				r.Confidence = "high"
			}
			if r.Differences == nil {
				r.Differences = []domain.Difference{}
			}
			if r.Recommendations == nil {
				r.Recommendations = []string{}
			}
			return r
		}
	}
	return Report{
		Differences:     []domain.Difference{},
		Summary:         fmt.Sprintf("Failed to parse %s analysis response", source),
		Recommendations: []string{},
		ModelUsed:       source,
		Confidence:      "low",
	}
}

func buildPrompt(expected, actual map[string]any, focus string) (string, error) {
	exp, err := json.MarshalIndent(expected, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode expected")
	}
	act, err := json.MarshalIndent(actual, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode actual")
	}
	var b strings.Builder
	b.WriteString("Analyze these two API responses for insurance policy purchase testing:\n\n")
	fmt.Fprintf(&b, "Expected Response: %s\n", exp)
	fmt.Fprintf(&b, "Actual Response: %s\n\n", act)
	fmt.Fprintf(&b, "Custom Analysis Focus: %s\n\n", focus)
	b.WriteString(`Provide analysis in JSON format:
{
  "differences": [
    {"field": "field_name", "type": "missing_field|extra_field|value_mismatch|type_mismatch",
     "expected": "expected_value", "actual": "actual_value", "severity": "critical|warning|info"}
  ],
  "summary": "brief summary of key differences and their business impact",
  "recommendations": ["list of recommended actions if needed"]
}

Focus on business logic differences that could affect insurance policy issuance.
`)
	return b.String(), nil
}
