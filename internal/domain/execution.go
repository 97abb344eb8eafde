package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle status of an execution.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusDispatching     Status = "DISPATCHING"
	StatusDispatched      Status = "DISPATCHED"
	StatusRunning         Status = "RUNNING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusControlTimeout  Status = "CONTROL_TIMEOUT"
	StatusWatchdogTimeout Status = "WATCHDOG_TIMEOUT"
	StatusCanceled        Status = "CANCELED"

	// StatusRetry is an administrative status set by the retry controller
	// before a fresh trigger event is published. It is not part of the
	// regular forward progression.
	StatusRetry Status = "RETRY"
)

// StatusesWithTimeout are the statuses that require execution_timeout to be
// set and that the watchdog sweeps for.
var StatusesWithTimeout = []Status{StatusDispatching, StatusDispatched, StatusRunning}

// legalPredecessors maps a target status to the statuses an execution may
// transition from.
var legalPredecessors = map[Status][]Status{
	StatusDispatching:     {StatusPending},
	StatusDispatched:      {StatusDispatching},
	StatusRunning:         {StatusDispatched},
	StatusCompleted:       {StatusRunning},
	StatusControlTimeout:  {StatusRunning},
	StatusFailed:          {StatusDispatching, StatusDispatched, StatusRunning},
	StatusWatchdogTimeout: {StatusDispatching, StatusDispatched, StatusRunning},
	StatusCanceled:        {StatusPending, StatusDispatching, StatusDispatched},
}

// retryPredecessors guards the retry controller's conditional update. A
// PENDING execution must never be retried.
var retryPredecessors = []Status{StatusDispatching, StatusDispatched, StatusFailed}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusControlTimeout, StatusWatchdogTimeout, StatusCanceled:
		return true
	}
	return false
}

func (s Status) RequiresTimeout() bool {
	for _, candidate := range StatusesWithTimeout {
		if s == candidate {
			return true
		}
	}
	return false
}

// LegalPredecessors returns the statuses a transition into next may start
// from. The returned slice must not be mutated.
func LegalPredecessors(next Status) []Status {
	if next == StatusRetry {
		return retryPredecessors
	}
	return legalPredecessors[next]
}

// CanTransition reports whether current -> next is a legal transition.
func CanTransition(current, next Status) bool {
	for _, p := range LegalPredecessors(next) {
		if p == current {
			return true
		}
	}
	return false
}

// Runner is the environment that executes the control container.
type Runner string

const (
	RunnerCI            Runner = "ci"
	RunnerGithubActions Runner = "github_actions"
	RunnerGitlab        Runner = "gitlab"
	RunnerJit           Runner = "jit"
	RunnerGCP           Runner = "gcp"
)

// RunnerFallbacks lists, per runner, the runners whose PENDING rows a
// scheduling query falls back to when no native rows exist. github_actions
// predates the ci value, so its queries must also see ci rows.
var RunnerFallbacks = map[Runner][]Runner{
	RunnerGithubActions: {RunnerCI},
}

// ResourceType is the per-tenant concurrency quota class. It is broader
// than Runner: high-priority classes share a runner but carry their own
// (effectively infinite) ceiling.
type ResourceType string

const (
	ResourceCI              ResourceType = "ci"
	ResourceGithubActions   ResourceType = "github_actions"
	ResourceGitlab          ResourceType = "gitlab"
	ResourceJit             ResourceType = "jit"
	ResourceGCP             ResourceType = "gcp"
	ResourceCIHighPriority  ResourceType = "ci_high_priority"
	ResourceJitHighPriority ResourceType = "jit_high_priority"
)

// AllResourceTypes is the seed set for tenant onboarding.
var AllResourceTypes = []ResourceType{
	ResourceCI,
	ResourceGithubActions,
	ResourceGitlab,
	ResourceJit,
	ResourceGCP,
	ResourceCIHighPriority,
	ResourceJitHighPriority,
}

func (r ResourceType) IsHighPriority() bool {
	return strings.HasSuffix(string(r), "_high_priority")
}

// IsManaged reports whether allocations against this resource type are
// gated by the counter. High-priority classes are exempt.
func (r ResourceType) IsManaged() bool {
	if r == "" {
		return false
	}
	return !r.IsHighPriority()
}

// Priority orders scheduling; lower values run first.
type Priority int

const (
	PriorityHigh Priority = 0
	PriorityLow  Priority = 1
)

// ErrorKind classifies an execution error reported by a control run.
type ErrorKind string

const (
	ErrorKindControl   ErrorKind = "CONTROL_ERROR"
	ErrorKindUserInput ErrorKind = "USER_INPUT_ERROR"
	ErrorKindDispatch  ErrorKind = "DISPATCH_ERROR"
)

// ExecutionError is one typed error reported for an execution.
type ExecutionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Asset describes the scanned asset.
type Asset struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
	Owner    string `json:"owner,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	CloneURL string `json:"clone_url,omitempty"`
}

// ControlStatus is the status reported by the control itself, independent of
// the execution lifecycle.
type ControlStatus string

const (
	ControlStatusCompleted ControlStatus = "completed"
	ControlStatusFailed    ControlStatus = "failed"
)

// Execution is one run of one security control against one asset.
type Execution struct {
	TenantID    string `json:"tenant_id"`
	JitEventID  string `json:"jit_event_id"`
	ExecutionID string `json:"execution_id"`

	JitEventName string `json:"jit_event_name,omitempty"`
	PlanSlug     string `json:"plan_slug,omitempty"`
	PlanItemSlug string `json:"plan_item_slug,omitempty"`
	WorkflowSlug string `json:"workflow_slug,omitempty"`
	JobName      string `json:"job_name,omitempty"`
	ControlName  string `json:"control_name,omitempty"`
	ControlImage string `json:"control_image,omitempty"`

	JobRunner    Runner       `json:"job_runner"`
	ResourceType ResourceType `json:"resource_type"`
	Priority     Priority     `json:"priority"`
	Asset        Asset        `json:"asset,omitempty"`
	Vendor       string       `json:"vendor,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	RunID                string        `json:"run_id,omitempty"`
	Status               Status        `json:"status"`
	ControlStatus        ControlStatus `json:"control_status,omitempty"`
	UploadFindingsStatus string        `json:"upload_findings_status,omitempty"`
	HasFindings          *bool         `json:"has_findings,omitempty"`
	ErrorBody            string        `json:"error_body,omitempty"`
	Stderr               string        `json:"stderr,omitempty"`
	JobOutput            map[string]any
	AffectedPlanItems    []string         `json:"affected_plan_items,omitempty"`
	ExecutionTimeout     *time.Time       `json:"execution_timeout,omitempty"`
	RetryCount           int              `json:"retry_count"`
	Errors               []ExecutionError `json:"errors,omitempty"`

	// TimeoutOverride is a per-execution user-configured running timeout. It
	// takes precedence over tenant and runner defaults.
	TimeoutOverride time.Duration `json:"timeout_override,omitempty"`
}

// MarshalJSON mirrors each timestamp as unix seconds next to its RFC 3339
// form. Stream and bus consumers index on the numeric mirrors.
func (e Execution) MarshalJSON() ([]byte, error) {
	type alias Execution
	img := struct {
		alias
		CreatedAtTS    int64  `json:"created_at_ts,omitempty"`
		DispatchedAtTS *int64 `json:"dispatched_at_ts,omitempty"`
		RegisteredAtTS *int64 `json:"registered_at_ts,omitempty"`
		CompletedAtTS  *int64 `json:"completed_at_ts,omitempty"`
	}{
		alias:          alias(e),
		DispatchedAtTS: unixMirror(e.DispatchedAt),
		RegisteredAtTS: unixMirror(e.RegisteredAt),
		CompletedAtTS:  unixMirror(e.CompletedAt),
	}
	if !e.CreatedAt.IsZero() {
		img.CreatedAtTS = e.CreatedAt.Unix()
	}
	return json.Marshal(img)
}

func unixMirror(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Unix()
	return &v
}

// Identifiers is the primary key triple of an execution.
type Identifiers struct {
	TenantID    string
	JitEventID  string
	ExecutionID string
}

func (i Identifiers) Validate() error {
	if strings.TrimSpace(i.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(i.JitEventID) == "" {
		return errors.New("jit event id is required")
	}
	if strings.TrimSpace(i.ExecutionID) == "" {
		return errors.New("execution id is required")
	}
	return nil
}

func (e Execution) Identifiers() Identifiers {
	return Identifiers{TenantID: e.TenantID, JitEventID: e.JitEventID, ExecutionID: e.ExecutionID}
}

func (e Execution) Validate() error {
	if err := e.Identifiers().Validate(); err != nil {
		return err
	}
	if e.Status == "" {
		return errors.New("status is required")
	}
	if e.JobRunner == "" {
		return errors.New("job runner is required")
	}
	return nil
}

// CanTerminate reports whether the vendor side can be told to stop this
// execution. Without a run id there is nothing to address.
func (e Execution) CanTerminate() bool {
	return strings.TrimSpace(e.RunID) != ""
}

// HasUserInputError reports whether any reported error was caused by user
// configuration rather than the control itself.
func (e Execution) HasUserInputError() bool {
	for _, execErr := range e.Errors {
		if execErr.Kind == ErrorKindUserInput {
			return true
		}
	}
	return false
}

// ExecutionData is the immutable dispatch payload persisted alongside an
// execution when it is handed to a runner. Written once at dispatch.
type ExecutionData struct {
	TenantID    string `json:"tenant_id"`
	JitEventID  string `json:"jit_event_id"`
	ExecutionID string `json:"execution_id"`

	ControlName    string            `json:"control_name"`
	ControlImage   string            `json:"control_image"`
	CallbackToken  string            `json:"callback_token"`
	RegisterURL    string            `json:"register_url"`
	CompleteURL    string            `json:"complete_url"`
	LogURL         string            `json:"log_url"`
	FeatureFlagKey string            `json:"feature_flag_key,omitempty"`
	Context        map[string]string `json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (d ExecutionData) Validate() error {
	ids := Identifiers{TenantID: d.TenantID, JitEventID: d.JitEventID, ExecutionID: d.ExecutionID}
	if err := ids.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(d.ControlImage) == "" {
		return errors.New("control image is required")
	}
	if strings.TrimSpace(d.CallbackToken) == "" {
		return errors.New("callback token is required")
	}
	return nil
}
