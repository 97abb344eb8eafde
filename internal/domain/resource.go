package domain

import (
	"errors"
	"strings"
	"time"
)

// UnlimitedResources is the ceiling assigned to high-priority resource
// types. Effectively infinite for any realistic tenant.
const UnlimitedResources = 1<<31 - 1

// DefaultMaxResourcesInUse is the ceiling for managed resource types unless
// the tenant is configured otherwise.
const DefaultMaxResourcesInUse = 10

// Resource is the per-tenant, per-resource-type concurrency counter.
type Resource struct {
	TenantID          string       `json:"tenant_id"`
	ResourceType      ResourceType `json:"resource_type"`
	ResourcesInUse    int          `json:"resources_in_use"`
	MaxResourcesInUse int          `json:"max_resources_in_use"`
	CreatedAt         time.Time    `json:"created_at"`
}

func (r Resource) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if r.ResourceType == "" {
		return errors.New("resource type is required")
	}
	if r.ResourcesInUse < 0 {
		return errors.New("resources in use must be non-negative")
	}
	if r.MaxResourcesInUse < 1 {
		return errors.New("max resources in use must be positive")
	}
	if r.ResourcesInUse > r.MaxResourcesInUse {
		return errors.New("resources in use exceeds the ceiling")
	}
	return nil
}

// NewResource builds the counter row seeded at tenant onboarding.
func NewResource(tenantID string, resourceType ResourceType, now time.Time) Resource {
	ceiling := DefaultMaxResourcesInUse
	if resourceType.IsHighPriority() {
		ceiling = UnlimitedResources
	}
	return Resource{
		TenantID:          strings.TrimSpace(tenantID),
		ResourceType:      resourceType,
		ResourcesInUse:    0,
		MaxResourcesInUse: ceiling,
		CreatedAt:         now.UTC(),
	}
}

// ResourceInUse is one outstanding allocation. One row per active
// execution holding a managed resource; deleted when freed.
type ResourceInUse struct {
	TenantID     string       `json:"tenant_id"`
	ResourceType ResourceType `json:"resource_type"`
	JitEventID   string       `json:"jit_event_id"`
	ExecutionID  string       `json:"execution_id"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (r ResourceInUse) Validate() error {
	ids := Identifiers{TenantID: r.TenantID, JitEventID: r.JitEventID, ExecutionID: r.ExecutionID}
	if err := ids.Validate(); err != nil {
		return err
	}
	if r.ResourceType == "" {
		return errors.New("resource type is required")
	}
	return nil
}

// JitEventLifeCycle tracks asset fan-out of one upstream event.
type JitEventLifeCycle struct {
	TenantID        string    `json:"tenant_id"`
	JitEventID      string    `json:"jit_event_id"`
	JitEventName    string    `json:"jit_event_name,omitempty"`
	TotalAssets     int       `json:"total_assets"`
	RemainingAssets int       `json:"remaining_assets"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}
