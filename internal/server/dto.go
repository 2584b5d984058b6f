package server

import (
	"time"

	"parity/internal/domain"
)

// Request payloads

type CreateUserRequest struct {
	Name string `json:"name" minLength:"1" example:"Jane Doe"`
}

type StartTestRequest struct {
	UserID      string       `json:"user_id" example:"jane_doe"`
	TargetEnv   string       `json:"target_env" example:"staging"`
	BaselineEnv string       `json:"baseline_env" example:"prod"`
	Scope       domain.Scope `json:"scope,omitempty"`
	AIPrompt    string       `json:"ai_prompt,omitempty"`
}

type AnalyzeRequest struct {
	Expected     map[string]any `json:"expected"`
	Actual       map[string]any `json:"actual"`
	CustomPrompt string         `json:"custom_prompt,omitempty"`
}

// Response payloads

type HealthResponse struct {
	Status  string `json:"status" example:"healthy"`
	Service string `json:"service" example:"parity"`
}

type UserResponse struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
}

type StartTestResponse struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

type ReloadResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Plans   int    `json:"plans"`
}

type UserRunsResponse struct {
	UserID     string              `json:"user_id"`
	Tests      []domain.RunSummary `json:"tests"`
	TotalTests int                 `json:"total_tests"`
}

type RunEventsResponse struct {
	RunID string            `json:"run_id"`
	Items []domain.RunEvent `json:"items"`
}
