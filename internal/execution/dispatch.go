package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/platform/callbacktoken"
	"github.com/scanplane-labs/scanplane-go/internal/platform/clock"
	"github.com/scanplane-labs/scanplane-go/internal/repo"
	"github.com/scanplane-labs/scanplane-go/internal/runner"
)

// dispatchedGrace pads the running deadline so an execution that registers
// at the last moment still has time to report completion.
const dispatchedGrace = 5 * time.Minute

// DispatchConfig carries the static dispatch inputs resolved at startup.
type DispatchConfig struct {
	CallbackBaseURL     string
	CallbackTokenSecret string
	FeatureFlagKey      string
}

func (c DispatchConfig) Validate() error {
	if strings.TrimSpace(c.CallbackBaseURL) == "" {
		return errors.New("callback base url is required")
	}
	if strings.TrimSpace(c.CallbackTokenSecret) == "" {
		return errors.New("callback token secret is required")
	}
	return nil
}

// DispatchCore hands DISPATCHING executions to their runner. It builds the
// dispatch payload, persists it immutably, and transitions the row to
// DISPATCHED or FAILED.
type DispatchCore struct {
	logger     *slog.Logger
	executions repo.ExecutionRepository
	data       repo.ExecutionDataRepository
	registry   *runner.Registry
	timeouts   *runner.Timeouts
	cfg        DispatchConfig
	clock      clock.Clock
}

func NewDispatchCore(
	logger *slog.Logger,
	executions repo.ExecutionRepository,
	data repo.ExecutionDataRepository,
	registry *runner.Registry,
	timeouts *runner.Timeouts,
	cfg DispatchConfig,
	clk clock.Clock,
) (*DispatchCore, error) {
	if executions == nil || data == nil {
		return nil, errors.New("repositories are required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if timeouts == nil {
		return nil, errors.New("timeouts are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchCore{
		logger:     logger,
		executions: executions,
		data:       data,
		registry:   registry,
		timeouts:   timeouts,
		cfg:        cfg,
		clock:      clk,
	}, nil
}

// HandleReadyToDispatch dispatches one execution.
func (c *DispatchCore) HandleReadyToDispatch(ctx context.Context, e domain.Execution) error {
	strategy, err := c.registry.For(ctx, e)
	if err != nil {
		return c.failDispatch(ctx, e, err)
	}

	now := c.clock.Now()
	runningTimeout := c.timeouts.RunningTimeout(e, strategy)
	event, err := c.buildDispatchEvent(e, runningTimeout, now)
	if err != nil {
		return c.failDispatch(ctx, e, err)
	}

	data := domain.ExecutionData{
		TenantID:       e.TenantID,
		JitEventID:     e.JitEventID,
		ExecutionID:    e.ExecutionID,
		ControlName:    e.ControlName,
		ControlImage:   e.ControlImage,
		CallbackToken:  event.CallbackToken,
		RegisterURL:    event.RegisterURL,
		CompleteURL:    event.CompleteURL,
		LogURL:         event.LogURL,
		FeatureFlagKey: event.FeatureFlagKey,
		Context:        event.Context,
		CreatedAt:      now,
	}
	if err := c.data.Put(ctx, data); err != nil && !errors.Is(err, domain.ErrDuplicate) {
		return fmt.Errorf("persist execution data: %w", err)
	}

	results, err := strategy.Dispatch(ctx, []domain.DispatchExecutionEvent{event})
	if err != nil {
		return c.failDispatch(ctx, e, err)
	}

	runID := ""
	for _, result := range results {
		if result.Identifiers == e.Identifiers() {
			runID = result.RunID
		}
	}
	deadline := now.Add(runningTimeout + dispatchedGrace)
	_, err = c.executions.UpdateStatus(ctx, repo.UpdateStatusRequest{
		Identifiers:      e.Identifiers(),
		Status:           domain.StatusDispatched,
		ExecutionTimeout: &deadline,
		RunID:            runID,
	})
	if domain.IsBenignTransitionFailure(err) {
		c.logger.Info("dispatched transition lost race", "execution_id", e.ExecutionID, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark dispatched %s: %w", e.ExecutionID, err)
	}
	return nil
}

func (c *DispatchCore) buildDispatchEvent(e domain.Execution, runningTimeout time.Duration, now time.Time) (domain.DispatchExecutionEvent, error) {
	token, err := callbacktoken.Generate(c.cfg.CallbackTokenSecret, callbacktoken.Claims{
		TenantID:      e.TenantID,
		JitEventID:    e.JitEventID,
		ExecutionID:   e.ExecutionID,
		ExpiresAtUnix: now.Add(runningTimeout + 2*dispatchedGrace).Unix(),
	}, now)
	if err != nil {
		return domain.DispatchExecutionEvent{}, fmt.Errorf("mint callback token: %w", err)
	}

	base := strings.TrimRight(c.cfg.CallbackBaseURL, "/")
	prefix := fmt.Sprintf("%s/execution/%s/%s", base, e.JitEventID, e.ExecutionID)
	return domain.DispatchExecutionEvent{
		Execution:      e,
		CallbackToken:  token,
		RegisterURL:    prefix + "/register",
		CompleteURL:    prefix + "/complete",
		LogURL:         prefix + "/log",
		RunningTimeout: runningTimeout,
		FeatureFlagKey: c.cfg.FeatureFlagKey,
		Context: map[string]string{
			"tenant_id":    e.TenantID,
			"jit_event_id": e.JitEventID,
			"execution_id": e.ExecutionID,
		},
	}, nil
}

func (c *DispatchCore) failDispatch(ctx context.Context, e domain.Execution, cause error) error {
	c.logger.Error("dispatch failed",
		"tenant_id", e.TenantID,
		"execution_id", e.ExecutionID,
		"runner", e.JobRunner,
		"error", cause,
	)
	_, err := c.executions.UpdateStatus(ctx, repo.UpdateStatusRequest{
		Identifiers: e.Identifiers(),
		Status:      domain.StatusFailed,
		ErrorBody:   cause.Error(),
		Errors:      []domain.ExecutionError{{Kind: domain.ErrorKindDispatch, Message: cause.Error()}},
	})
	if domain.IsBenignTransitionFailure(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", e.ExecutionID, err)
	}
	return nil
}
