package domain

import (
	"encoding/json"
	"time"
)

// Bus topic names.
const (
	TopicExecutionChanges  = "execution-changes"
	TopicResourceChanges   = "resource-changes"
	TopicJitEventLifeCycle = "jit-event-life-cycle"
	TopicTriggerExecution  = "trigger-execution"
	TopicExecution         = "execution"
	TopicInternalFailure   = "internal-failure"
	TopicEnrichmentFailure = "enrichment-failure"
	TopicDispatch          = "dispatch"
	TopicNotifications     = "notifications"
)

// Detail types on the execution topic.
const (
	DetailExecutionCompleted   = "execution-completed"
	DetailFetchLogs            = "fetch-logs"
	DetailCancelExecution      = "cancel-execution"
	DetailFargateTaskFinished  = "fargate-task-finished"
	DetailExecutionFailure     = "execution-failure-metric"
	DetailReadyToDispatch      = "ready-to-dispatch"
	DetailExecutionUpdate      = "execution-update"
	DetailResourceInUse        = "ResourceInUse"
	DetailResourceCounter      = "ResourceCounter"
	DetailRetryExecution       = "retry-execution"
	DetailRetryRequested       = "retry-requested"
	DetailCodeInternalFailure  = "code-related-internal-failure"
	DetailLifeCycleStarted     = "started"
	DetailLifeCycleCompleted   = "completed"
	DetailOperatorNotification = "operator-notification"
)

// DispatchExecutionEvent is the ready-to-dispatch payload consumed by the
// dispatch core.
type DispatchExecutionEvent struct {
	Execution      Execution         `json:"execution"`
	CallbackToken  string            `json:"callback_token"`
	RegisterURL    string            `json:"register_url"`
	CompleteURL    string            `json:"complete_url"`
	LogURL         string            `json:"log_url"`
	RunningTimeout time.Duration     `json:"running_timeout"`
	FeatureFlagKey string            `json:"feature_flag_key,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

// CancelExecutionEvent asks a CI vendor to cancel a run.
type CancelExecutionEvent struct {
	TenantID    string `json:"tenant_id"`
	JitEventID  string `json:"jit_event_id"`
	ExecutionID string `json:"execution_id"`
	RunID       string `json:"run_id"`
	Vendor      string `json:"vendor,omitempty"`
}

// FetchLogsEvent asks the log pipeline to pull vendor logs for a run.
type FetchLogsEvent struct {
	TenantID    string `json:"tenant_id"`
	JitEventID  string `json:"jit_event_id"`
	ExecutionID string `json:"execution_id"`
	RunID       string `json:"run_id"`
	Vendor      string `json:"vendor,omitempty"`
}

// RetryExecutionEvent is published on the trigger bus to re-run an
// execution. RetryCount is already incremented.
type RetryExecutionEvent struct {
	TenantID     string `json:"tenant_id"`
	JitEventID   string `json:"jit_event_id"`
	ExecutionID  string `json:"execution_id"`
	JitEventName string `json:"jit_event_name,omitempty"`
	RetryCount   int    `json:"retry_count"`
}

// MetricMetadata is the metadata half of a projected metric envelope.
type MetricMetadata struct {
	Env          string       `json:"env"`
	TenantID     string       `json:"tenant_id"`
	EventID      string       `json:"event_id"`
	EventName    string       `json:"event_name,omitempty"`
	PlanItem     string       `json:"plan_item,omitempty"`
	Workflow     string       `json:"workflow,omitempty"`
	Job          string       `json:"job,omitempty"`
	Control      string       `json:"control,omitempty"`
	Runner       Runner       `json:"runner,omitempty"`
	ResourceType ResourceType `json:"resource_type,omitempty"`
	Asset        string       `json:"asset,omitempty"`
	Vendor       string       `json:"vendor,omitempty"`
	Priority     Priority     `json:"priority"`
}

// MetricData is the data half of a projected metric envelope.
type MetricData struct {
	ExecutionID       string     `json:"execution_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at,omitempty"`
	DispatchedAt      *time.Time `json:"dispatched_at,omitempty"`
	RegisteredAt      *time.Time `json:"registered_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	RunID             string     `json:"run_id,omitempty"`
	Status            Status     `json:"status,omitempty"`
	HasFindings       *bool      `json:"has_findings,omitempty"`
	StatusDetails     string     `json:"status_details,omitempty"`
	ErrorBody         string     `json:"error_body,omitempty"`
	ResourcesInUse    *int       `json:"resources_in_use,omitempty"`
	MaxResourcesInUse *int       `json:"max_resources_in_use,omitempty"`
}

// MarshalJSON adds the unix-second mirrors the original envelopes carry for
// each timestamp.
func (d MetricData) MarshalJSON() ([]byte, error) {
	type alias MetricData
	img := struct {
		alias
		CreatedAtTS    int64  `json:"created_at_ts,omitempty"`
		DispatchedAtTS *int64 `json:"dispatched_at_ts,omitempty"`
		RegisteredAtTS *int64 `json:"registered_at_ts,omitempty"`
		CompletedAtTS  *int64 `json:"completed_at_ts,omitempty"`
	}{
		alias:          alias(d),
		DispatchedAtTS: unixMirror(d.DispatchedAt),
		RegisteredAtTS: unixMirror(d.RegisteredAt),
		CompletedAtTS:  unixMirror(d.CompletedAt),
	}
	if !d.CreatedAt.IsZero() {
		img.CreatedAtTS = d.CreatedAt.Unix()
	}
	return json.Marshal(img)
}

// MetricEnvelope is the typed event projected from store change streams.
type MetricEnvelope struct {
	Metadata MetricMetadata `json:"metadata"`
	Data     MetricData     `json:"data"`
}

// OperatorNotification is routed to an operator-facing channel.
type OperatorNotification struct {
	Channel     string `json:"channel"`
	Title       string `json:"title"`
	Body        string `json:"body,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
	JitEventID  string `json:"jit_event_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// InternalFailureEvent reports a code-related failure upstream of
// execution creation.
type InternalFailureEvent struct {
	TenantID     string `json:"tenant_id"`
	JitEventID   string `json:"jit_event_id"`
	JitEventName string `json:"jit_event_name,omitempty"`
	Cause        string `json:"cause"`
}

// LifeCycleEvent marks jit event start or completion.
type LifeCycleEvent struct {
	TenantID   string `json:"tenant_id"`
	JitEventID string `json:"jit_event_id"`
	Phase      string `json:"phase"`
}
