// Package repo defines the persistence contracts of the control plane.
package repo

import (
	"context"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
)

// UpdateStatusRequest is one conditional state-machine write. The update
// succeeds only while the row's current status is a legal predecessor of
// Status.
type UpdateStatusRequest struct {
	Identifiers domain.Identifiers
	Status      domain.Status

	// ExecutionTimeout must be set when Status requires a timeout.
	ExecutionTimeout *time.Time

	// RunID is recorded when non-empty (vendor-assigned).
	RunID string

	// ErrorBody is recorded when non-empty.
	ErrorBody string

	// Errors are appended when present.
	Errors []domain.ExecutionError
}

// ControlCompletedUpdate carries the results a control reports on
// completion. Permitted only while the execution is DISPATCHING,
// DISPATCHED or RUNNING.
type ControlCompletedUpdate struct {
	Identifiers   domain.Identifiers
	ControlStatus domain.ControlStatus
	HasFindings   *bool
	ErrorBody     string
	Stderr        string
	JobOutput     map[string]any
	Errors        []domain.ExecutionError
}

// FindingsUploadUpdate reports the findings upload outcome and merges the
// plan items that carried findings into the execution's affected set.
type FindingsUploadUpdate struct {
	Identifiers           domain.Identifiers
	UploadFindingsStatus  string
	PlanItemsWithFindings []string
}

// BatchIdentifiers groups execution ids under one (tenant, jit event) pair
// for chunked batch reads.
type BatchIdentifiers struct {
	TenantID     string
	JitEventID   string
	ExecutionIDs []string
}

// ExecutionRepository manages execution rows. All status writes are
// conditional; a rejected condition surfaces as StatusTransitionError or
// MultipleCompletionsError.
type ExecutionRepository interface {
	Create(ctx context.Context, e domain.Execution) error
	Get(ctx context.Context, ids domain.Identifiers) (domain.Execution, error)
	UpdateStatus(ctx context.Context, req UpdateStatusRequest) (domain.Execution, error)
	UpdateControlCompleted(ctx context.Context, req ControlCompletedUpdate) (domain.Execution, error)
	UpdateFindingsUpload(ctx context.Context, req FindingsUploadUpdate) (domain.Execution, error)

	// NextToRun returns the oldest PENDING execution for (tenant, runner),
	// highest priority first, honoring the runner fallback list.
	NextToRun(ctx context.Context, tenantID string, runner domain.Runner) (domain.Execution, error)

	// ExecutionsToTerminate pages executions in a status with a timeout
	// whose execution_timeout passed. cursor is opaque; empty starts over.
	ExecutionsToTerminate(ctx context.Context, now time.Time, cursor string, limit int) ([]domain.Execution, string, error)

	// BatchGet reads many executions, paging store requests in chunks.
	BatchGet(ctx context.Context, batches []BatchIdentifiers) ([]domain.Execution, error)

	// MarkRetry conditionally moves the execution to RETRY and increments
	// retry_count. PENDING rows are rejected.
	MarkRetry(ctx context.Context, ids domain.Identifiers) (domain.Execution, error)
}

// ResourceRepository manages the admission counters and the in-use
// inventory. AllocateFor and FreeFor are atomic across both records.
type ResourceRepository interface {
	Create(ctx context.Context, r domain.Resource) error
	Get(ctx context.Context, tenantID string, resourceType domain.ResourceType) (domain.Resource, error)

	// SeedTenant writes one counter row per resource type for a new tenant.
	SeedTenant(ctx context.Context, tenantID string, now time.Time) error

	// AllocateFor increments the counter under its ceiling and records the
	// inventory row. Returns CapacityExhaustedError at the ceiling.
	AllocateFor(ctx context.Context, e domain.Execution, now time.Time) error

	// FreeFor decrements the counter above zero and deletes the inventory
	// row. Both conditions must hold or nothing changes.
	FreeFor(ctx context.Context, e domain.Execution) error

	// InUseOlderThan pages inventory rows created before threshold.
	InUseOlderThan(ctx context.Context, threshold time.Time, cursor string, limit int) ([]domain.ResourceInUse, string, error)
}

// WatchdogRepository is the atomic termination write: execution to
// WATCHDOG_TIMEOUT plus resource free in one transaction. Returns the
// status the execution held before the write.
type WatchdogRepository interface {
	TimeoutAndFree(ctx context.Context, e domain.Execution, now time.Time) (domain.Status, error)
}

// ExecutionDataRepository persists the immutable dispatch payload.
type ExecutionDataRepository interface {
	Put(ctx context.Context, d domain.ExecutionData) error
	Get(ctx context.Context, ids domain.Identifiers) (domain.ExecutionData, error)
}

// LifecycleRepository tracks jit event asset fan-out.
type LifecycleRepository interface {
	Put(ctx context.Context, lc domain.JitEventLifeCycle) error
	Get(ctx context.Context, tenantID, jitEventID string) (domain.JitEventLifeCycle, error)

	// DecrementRemainingAssets lowers the counter while positive and
	// returns the remaining count.
	DecrementRemainingAssets(ctx context.Context, tenantID, jitEventID string) (int, error)
}

// IdempotencyRepository is keyed put-if-absent with TTL.
type IdempotencyRepository interface {
	PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
