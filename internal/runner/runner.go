// Package runner abstracts the environments that execute control
// containers: vendor CI pipelines and batch jobs in our own cloud.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
)

// DispatchResult reports the vendor handle for one dispatched execution. An
// empty RunID means the vendor assigns one later, at registration.
type DispatchResult struct {
	Identifiers domain.Identifiers
	RunID       string
}

// Strategy is one way of running control containers. Implementations are
// stateless; vendor clients are injected at construction.
type Strategy interface {
	Kind() domain.Runner

	// Dispatch hands a batch of executions to the vendor. A returned error
	// covers the whole batch; the caller fails every execution in it.
	Dispatch(ctx context.Context, events []domain.DispatchExecutionEvent) ([]DispatchResult, error)

	// Terminate stops the vendor-side run, best effort.
	Terminate(ctx context.Context, e domain.Execution) error

	// CanTerminate reports whether the vendor side can be addressed at all.
	CanTerminate(e domain.Execution) bool

	// GetFailureReason asks the vendor why a run never started. ok is false
	// when the vendor has nothing to say.
	GetFailureReason(ctx context.Context, e domain.Execution) (reason string, ok bool)

	// LogsURL points an operator at the vendor-side logs.
	LogsURL(e domain.Execution) string

	DefaultDispatchedTimeout() time.Duration
	DefaultRunningTimeout() time.Duration
}

// FlagResolver answers per-tenant rollout questions. The cloud runner
// migration from AWS to GCP is gated tenant by tenant.
type FlagResolver interface {
	CloudRunnerIsGCP(ctx context.Context, tenantID string) bool
}

// StaticFlags is a FlagResolver with a fixed answer, for single-cloud
// deployments and tests.
type StaticFlags struct {
	GCP bool
}

func (f StaticFlags) CloudRunnerIsGCP(ctx context.Context, tenantID string) bool { return f.GCP }

// Registry resolves the strategy for an execution from its runner kind,
// vendor, and tenant flags.
type Registry struct {
	github Strategy
	gitlab Strategy
	aws    Strategy
	gcp    Strategy
	flags  FlagResolver
}

func NewRegistry(github, gitlab, aws, gcp Strategy, flags FlagResolver) (*Registry, error) {
	if flags == nil {
		return nil, errors.New("flag resolver is required")
	}
	return &Registry{github: github, gitlab: gitlab, aws: aws, gcp: gcp, flags: flags}, nil
}

func (r *Registry) For(ctx context.Context, e domain.Execution) (Strategy, error) {
	if r == nil {
		return nil, errors.New("registry is not initialized")
	}
	var s Strategy
	switch e.JobRunner {
	case domain.RunnerGithubActions, domain.RunnerCI:
		s = r.github
		if e.Vendor == "gitlab" {
			s = r.gitlab
		}
	case domain.RunnerGitlab:
		s = r.gitlab
	case domain.RunnerJit:
		s = r.aws
		if r.flags.CloudRunnerIsGCP(ctx, e.TenantID) {
			s = r.gcp
		}
	case domain.RunnerGCP:
		s = r.gcp
	}
	if s == nil {
		return nil, fmt.Errorf("no strategy for runner %q vendor %q", e.JobRunner, e.Vendor)
	}
	return s, nil
}
