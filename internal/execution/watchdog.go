package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/notify"
	"github.com/scanplane-labs/scanplane-go/internal/platform/clock"
	"github.com/scanplane-labs/scanplane-go/internal/platform/fifoqueue"
	"github.com/scanplane-labs/scanplane-go/internal/repo"
	"github.com/scanplane-labs/scanplane-go/internal/runner"
)

// WatchdogGroupID serializes watchdog handling: one group, so at most one
// worker acts on timed-out executions at a time.
const WatchdogGroupID = "resources_watchdog"

const sweepPageSize = 100

type queueSender interface {
	Send(ctx context.Context, groupID string, body any) (string, error)
}

// Watchdog times out executions whose deadline passed. The sweep cycle
// enqueues candidates; the handle cycle terminates them transactionally.
type Watchdog struct {
	logger     *slog.Logger
	executions repo.ExecutionRepository
	terminator repo.WatchdogRepository
	registry   *runner.Registry
	queue      queueSender
	publisher  publisher
	notifier   *notify.Notifier
	env        string
	clock      clock.Clock
}

func NewWatchdog(
	logger *slog.Logger,
	executions repo.ExecutionRepository,
	terminator repo.WatchdogRepository,
	registry *runner.Registry,
	queue queueSender,
	pub publisher,
	notifier *notify.Notifier,
	env string,
	clk clock.Clock,
) (*Watchdog, error) {
	if executions == nil || terminator == nil {
		return nil, errors.New("repositories are required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if strings.TrimSpace(env) == "" {
		return nil, errors.New("env is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		logger:     logger,
		executions: executions,
		terminator: terminator,
		registry:   registry,
		queue:      queue,
		publisher:  pub,
		notifier:   notifier,
		env:        env,
		clock:      clk,
	}, nil
}

// Sweep pages all executions past their deadline into the watchdog queue.
// Run from cron; one process-wide instance.
func (w *Watchdog) Sweep(ctx context.Context) error {
	now := w.clock.Now()
	cursor := ""
	swept := 0
	for {
		stuck, next, err := w.executions.ExecutionsToTerminate(ctx, now, cursor, sweepPageSize)
		if err != nil {
			return fmt.Errorf("sweep page: %w", err)
		}
		for _, e := range stuck {
			if _, err := w.queue.Send(ctx, WatchdogGroupID, e); err != nil {
				return fmt.Errorf("enqueue %s: %w", e.ExecutionID, err)
			}
			swept++
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if swept > 0 {
		w.logger.Info("watchdog sweep enqueued executions", "count", swept)
	}
	return nil
}

// HandleBatch terminates a batch of queued executions. Benign rejections
// drop the message; real errors mark it failed for redelivery.
func (w *Watchdog) HandleBatch(ctx context.Context, messages []fifoqueue.Message) fifoqueue.BatchResult {
	var result fifoqueue.BatchResult
	for _, message := range messages {
		var e domain.Execution
		if err := json.Unmarshal(message.Body, &e); err != nil {
			// A message that cannot be decoded never will be; drop it.
			w.logger.Error("watchdog message malformed", "message_id", message.ID, "error", err)
			continue
		}
		if err := w.handleOne(ctx, e); err != nil {
			w.logger.Error("watchdog termination failed",
				"tenant_id", e.TenantID,
				"execution_id", e.ExecutionID,
				"error", err,
			)
			result.Fail(message.ID)
		}
	}
	return result
}

func (w *Watchdog) handleOne(ctx context.Context, e domain.Execution) error {
	previous, err := w.terminator.TimeoutAndFree(ctx, e, w.clock.Now())
	if domain.IsBenignTransitionFailure(err) || errors.Is(err, domain.ErrExecutionNotFound) {
		// Another worker or a late completion got there first.
		return nil
	}
	if err != nil {
		return err
	}

	strategy, err := w.registry.For(ctx, e)
	if err != nil {
		w.logger.Error("no strategy for timed-out execution", "execution_id", e.ExecutionID, "error", err)
		strategy = nil
	}

	vendorReason := ""
	if strategy != nil {
		// A run that never reached RUNNING usually failed on the vendor
		// side; ask why and keep the answer with the post-mortem.
		if previous == domain.StatusDispatching || previous == domain.StatusDispatched {
			if reason, ok := strategy.GetFailureReason(ctx, e); ok {
				vendorReason = reason
				if e.ErrorBody == "" {
					e.ErrorBody = reason
				} else {
					e.ErrorBody = e.ErrorBody + "; " + reason
				}
			}
		}
		if strategy.CanTerminate(e) {
			if err := strategy.Terminate(ctx, e); err != nil {
				w.logger.Warn("vendor terminate failed", "execution_id", e.ExecutionID, "run_id", e.RunID, "error", err)
			}
		}
	}

	e.Status = domain.StatusWatchdogTimeout
	if err := w.publisher.Publish(ctx, domain.TopicExecution, domain.DetailExecutionCompleted, e); err != nil {
		return fmt.Errorf("publish execution completed: %w", err)
	}

	title := fmt.Sprintf("execution %s timed out in %s", e.ExecutionID, previous)
	body := e.ErrorBody
	if strategy != nil && strategy.LogsURL(e) != "" {
		body = strings.TrimSpace(body + "\nlogs: " + strategy.LogsURL(e))
	}
	w.notifier.Notify(ctx, domain.OperatorNotification{
		Channel:     notify.ChannelForTimeout(w.env, e, vendorReason),
		Title:       title,
		Body:        body,
		TenantID:    e.TenantID,
		JitEventID:  e.JitEventID,
		ExecutionID: e.ExecutionID,
	})
	return nil
}
