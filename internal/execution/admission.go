// Package execution holds the control plane cores: admission, dispatch,
// watchdog, projection, retry, and the enrichment failure path. Cores are
// stateless handlers driven by change streams, bus topics, the FIFO queue,
// and cron.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/platform/clock"
	"github.com/scanplane-labs/scanplane-go/internal/platform/stream"
	"github.com/scanplane-labs/scanplane-go/internal/repo"
	"github.com/scanplane-labs/scanplane-go/internal/runner"
)

type publisher interface {
	Publish(ctx context.Context, topic, detailType string, detail any) error
}

// AdmissionCore gates executions on per-tenant resource capacity. It
// consumes the execution change stream: PENDING inserts try to enter, and
// terminal modifications release capacity and promote the oldest waiting
// row of the same (tenant, runner).
type AdmissionCore struct {
	logger     *slog.Logger
	executions repo.ExecutionRepository
	resources  repo.ResourceRepository
	registry   *runner.Registry
	timeouts   *runner.Timeouts
	publisher  publisher
	clock      clock.Clock
}

func NewAdmissionCore(
	logger *slog.Logger,
	executions repo.ExecutionRepository,
	resources repo.ResourceRepository,
	registry *runner.Registry,
	timeouts *runner.Timeouts,
	pub publisher,
	clk clock.Clock,
) (*AdmissionCore, error) {
	if executions == nil || resources == nil {
		return nil, errors.New("repositories are required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if timeouts == nil {
		return nil, errors.New("timeouts are required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdmissionCore{
		logger:     logger,
		executions: executions,
		resources:  resources,
		registry:   registry,
		timeouts:   timeouts,
		publisher:  pub,
		clock:      clk,
	}, nil
}

// HandleChange processes one execution change record.
func (c *AdmissionCore) HandleChange(ctx context.Context, record stream.Record) error {
	if record.EventName != stream.EventInsert && record.EventName != stream.EventModify {
		return nil
	}
	var e domain.Execution
	if err := stream.DecodeImage(record.NewImage, &e); err != nil {
		return fmt.Errorf("decode execution image: %w", err)
	}

	switch {
	case e.Status == domain.StatusPending:
		return c.admit(ctx, e)
	case e.Status.IsTerminal():
		return c.release(ctx, e)
	default:
		return nil
	}
}

func (c *AdmissionCore) admit(ctx context.Context, e domain.Execution) error {
	// High priority and unmanaged resource classes bypass the counter.
	if e.Priority == domain.PriorityHigh || !e.ResourceType.IsManaged() {
		return c.promote(ctx, e, false)
	}

	err := c.resources.AllocateFor(ctx, e, c.clock.Now())
	switch {
	case err == nil:
		return c.promote(ctx, e, true)
	case errors.Is(err, domain.ErrDuplicate):
		// Another worker already allocated for this execution.
		c.logger.Info("allocation already held", "tenant_id", e.TenantID, "execution_id", e.ExecutionID)
		return nil
	case domain.IsCapacityExhausted(err):
		// The execution stays PENDING. If an older row is waiting, give it
		// one promotion attempt so admission makes progress even when
		// allocations race with frees.
		older, getErr := c.executions.NextToRun(ctx, e.TenantID, e.JobRunner)
		if errors.Is(getErr, domain.ErrExecutionNotFound) {
			return nil
		}
		if getErr != nil {
			return fmt.Errorf("next to run: %w", getErr)
		}
		if older.ExecutionID == e.ExecutionID {
			return nil
		}
		return c.tryAdmitOlder(ctx, older)
	default:
		return fmt.Errorf("allocate for %s: %w", e.ExecutionID, err)
	}
}

func (c *AdmissionCore) tryAdmitOlder(ctx context.Context, older domain.Execution) error {
	if older.Priority == domain.PriorityHigh || !older.ResourceType.IsManaged() {
		return c.promote(ctx, older, false)
	}
	err := c.resources.AllocateFor(ctx, older, c.clock.Now())
	if domain.IsCapacityExhausted(err) || errors.Is(err, domain.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("allocate for older %s: %w", older.ExecutionID, err)
	}
	return c.promote(ctx, older, true)
}

// promote moves one PENDING execution to DISPATCHING and publishes it to
// the dispatch bus. allocated says whether this worker holds a fresh
// allocation that must be returned if the promotion loses a race.
func (c *AdmissionCore) promote(ctx context.Context, e domain.Execution, allocated bool) error {
	strategy, err := c.registry.For(ctx, e)
	if err != nil {
		return err
	}
	deadline := c.clock.Now().Add(c.timeouts.DispatchedTimeout(e, strategy))

	updated, err := c.executions.UpdateStatus(ctx, repo.UpdateStatusRequest{
		Identifiers:      e.Identifiers(),
		Status:           domain.StatusDispatching,
		ExecutionTimeout: &deadline,
	})
	if domain.IsBenignTransitionFailure(err) {
		c.logger.Info("promotion lost race",
			"tenant_id", e.TenantID,
			"execution_id", e.ExecutionID,
			"error", err,
		)
		if allocated {
			if freeErr := c.resources.FreeFor(ctx, e); freeErr != nil && !errors.Is(freeErr, domain.ErrDataNotFound) {
				return fmt.Errorf("return allocation for %s: %w", e.ExecutionID, freeErr)
			}
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("promote %s: %w", e.ExecutionID, err)
	}

	if err := c.publisher.Publish(ctx, domain.TopicDispatch, domain.DetailReadyToDispatch, updated); err != nil {
		return fmt.Errorf("publish ready to dispatch: %w", err)
	}
	return nil
}

// release frees the allocation after a terminal transition and promotes the
// oldest PENDING execution of the same (tenant, runner). Frees are
// idempotent: a missing inventory row means another path already freed.
func (c *AdmissionCore) release(ctx context.Context, e domain.Execution) error {
	if e.ResourceType.IsManaged() {
		err := c.resources.FreeFor(ctx, e)
		if err != nil && !errors.Is(err, domain.ErrDataNotFound) {
			return fmt.Errorf("free for %s: %w", e.ExecutionID, err)
		}
	}

	next, err := c.executions.NextToRun(ctx, e.TenantID, e.JobRunner)
	if errors.Is(err, domain.ErrExecutionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("next to run: %w", err)
	}
	return c.tryAdmitOlder(ctx, next)
}
