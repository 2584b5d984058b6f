package domain

import "time"

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"

	PlanStatusPending   = "pending"
	PlanStatusRunning   = "running"
	PlanStatusCompleted = "completed"
	PlanStatusFailed    = "failed"

	ScopeAll      = "all"
	ScopeCategory = "category"
	ScopeProduct  = "product"
	ScopePlan     = "plan"

	ComparisonMatch = "match"
	ComparisonDiff  = "diff"
)

// Scope selects which catalog plans a run covers.
type Scope struct {
	Type  string `json:"type,omitempty" yaml:"type,omitempty" example:"category"`
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
}

// RunScope is the caller's descriptor plus the plan set it resolved to at start time.
type RunScope struct {
	Type  string   `json:"type"`
	Value string   `json:"value,omitempty"`
	Plans []string `json:"plans"`
}

type Environments struct {
	Target   string `json:"target"`
	Baseline string `json:"baseline"`
}

type SimulatedCall struct {
	Endpoint        string         `json:"endpoint"`
	Method          string         `json:"method"`
	StatusCode      int            `json:"status_code"`
	LatencyMS       int            `json:"latency_ms"`
	ResponsePayload map[string]any `json:"response_payload,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

type PlanRun struct {
	PlanID      string          `json:"plan_id"`
	Status      string          `json:"status" enum:"pending,running,completed,failed"`
	Progress    int             `json:"progress"`
	CurrentStep *string         `json:"current_step"`
	Calls       []SimulatedCall `json:"calls"`
	Error       *string         `json:"error"`
	Comparison  *Comparison     `json:"comparison,omitempty"`
}

// Terminal reports whether the plan reached completed or failed.
func (p PlanRun) Terminal() bool {
	return p.Status == PlanStatusCompleted || p.Status == PlanStatusFailed
}

type Difference struct {
	Field    string `json:"field"`
	Type     string `json:"type" enum:"missing_field,extra_field,value_mismatch,type_mismatch"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Value    any    `json:"value,omitempty"`
	Severity string `json:"severity" enum:"critical,warning,info"`
}

type CallSummary struct {
	APICalls          int `json:"api_calls"`
	TotalResponseTime int `json:"total_response_time"`
}

type Comparison struct {
	Status          string       `json:"status" enum:"match,diff"`
	Differences     []Difference `json:"differences"`
	Summary         string       `json:"summary,omitempty"`
	ModelUsed       string       `json:"model_used,omitempty"`
	TargetSummary   CallSummary  `json:"target_summary"`
	BaselineSummary CallSummary  `json:"baseline_summary"`
}

// TestRun is the live, in-memory view of a run.
type TestRun struct {
	RunID        string             `json:"run_id"`
	OwnerID      string             `json:"owner_id"`
	Scope        RunScope           `json:"scope"`
	Environments Environments       `json:"environments"`
	AIPrompt     string             `json:"ai_prompt,omitempty"`
	Status       string             `json:"status" enum:"running,completed"`
	Progress     int                `json:"progress"`
	CurrentStep  *string            `json:"current_step"`
	StartedAt    time.Time          `json:"started_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	Plans        map[string]PlanRun `json:"plans"`
}

// StatusView answers "what is the current state of run X".
type StatusView struct {
	RunID       string             `json:"run_id"`
	Status      string             `json:"status" enum:"running,completed"`
	Progress    int                `json:"progress"`
	CurrentStep *string            `json:"current_step"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Plans       map[string]PlanRun `json:"plans"`
	TargetEnv   string             `json:"target_env"`
	BaselineEnv string             `json:"baseline_env"`
}

type TestMetadata struct {
	RunID        string       `json:"run_id"`
	OwnerID      string       `json:"owner_id"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Status       string       `json:"status" enum:"running,completed"`
	CurrentStep  *string      `json:"current_step,omitempty"`
	Scope        RunScope     `json:"scope"`
	Environments Environments `json:"environments"`
	AIPrompt     string       `json:"ai_prompt,omitempty"`
}

type ExecutionSummary struct {
	TotalPlans      int   `json:"total_plans"`
	CompletedPlans  int   `json:"completed_plans"`
	FailedPlans     int   `json:"failed_plans"`
	TotalCalls      int   `json:"total_api_calls"`
	ExecutionTimeMS int64 `json:"execution_time_ms"`
}

// TestResult is the durable document stored per run.
type TestResult struct {
	RunID            string             `json:"run_id"`
	TestMetadata     TestMetadata       `json:"test_metadata"`
	ExecutionSummary ExecutionSummary   `json:"execution_summary"`
	PlanResults      map[string]PlanRun `json:"plan_results"`
}

type RunSummary struct {
	RunID            string           `json:"run_id"`
	OwnerID          string           `json:"owner_id"`
	Status           string           `json:"status"`
	StartedAt        time.Time        `json:"started_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	Environments     Environments     `json:"environments"`
	Scope            RunScope         `json:"scope"`
	ExecutionSummary ExecutionSummary `json:"execution_summary"`
}

type RunEvent struct {
	ID      int64          `json:"id"`
	TS      time.Time      `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	PlanID  string         `json:"plan_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type User struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login"`
}

type Environment struct {
	Name    string `json:"name" yaml:"name"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Auth    struct {
		Type       string `json:"type" yaml:"type"`
		TokenField string `json:"token_field" yaml:"token_field"`
	} `json:"auth" yaml:"auth"`
}

type EnvironmentSet struct {
	Environments map[string]Environment `json:"environments" yaml:"environments"`
}

type Plan struct {
	Key  string `json:"key" yaml:"key"`
	ID   string `json:"id,omitempty" yaml:"id,omitempty"`
	Name string `json:"name" yaml:"name"`
}

type Product struct {
	Key   string `json:"key" yaml:"key"`
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Name  string `json:"name" yaml:"name"`
	Plans []Plan `json:"plans" yaml:"plans"`
}

type Category struct {
	Key          string    `json:"key" yaml:"key"`
	Name         string    `json:"name" yaml:"name"`
	DisplayOrder int       `json:"display_order" yaml:"display_order"`
	Products     []Product `json:"products" yaml:"products"`
}

// Catalog is the ordered product configuration.
type Catalog struct {
	Categories []Category `json:"categories" yaml:"categories"`
}

// PlanKeys flattens the catalog into category:product:plan keys in catalog order.
func (c Catalog) PlanKeys() []string {
	keys := []string{}
	for _, cat := range c.Categories {
		for _, prod := range cat.Products {
			for _, plan := range prod.Plans {
				keys = append(keys, cat.Key+":"+prod.Key+":"+plan.Key)
			}
		}
	}
	return keys
}

// ByCategory groups plan keys per category, skipping empty categories.
func (c Catalog) ByCategory() map[string][]string {
	out := map[string][]string{}
	for _, cat := range c.Categories {
		var keys []string
		for _, prod := range cat.Products {
			for _, plan := range prod.Plans {
				keys = append(keys, cat.Key+":"+prod.Key+":"+plan.Key)
			}
		}
		if len(keys) > 0 {
			out[cat.Key] = keys
		}
	}
	return out
}
