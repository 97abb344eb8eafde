package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/notify"
	"github.com/scanplane-labs/scanplane-go/internal/repo"
)

// DefaultRetryLimit bounds how many times one execution can be re-run.
const DefaultRetryLimit = 3

// RetryController re-runs failed or stuck executions on request. The
// conditional RETRY transition excludes PENDING rows: a row that never left
// the queue has nothing to retry.
type RetryController struct {
	logger     *slog.Logger
	executions repo.ExecutionRepository
	publisher  publisher
	notifier   *notify.Notifier
	env        string
	limit      int
}

func NewRetryController(
	logger *slog.Logger,
	executions repo.ExecutionRepository,
	pub publisher,
	notifier *notify.Notifier,
	env string,
	limit int,
) (*RetryController, error) {
	if executions == nil {
		return nil, errors.New("executions repository is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if limit <= 0 {
		limit = DefaultRetryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryController{
		logger:     logger,
		executions: executions,
		publisher:  pub,
		notifier:   notifier,
		env:        env,
		limit:      limit,
	}, nil
}

// HandleRetry processes one retry request.
func (c *RetryController) HandleRetry(ctx context.Context, ids domain.Identifiers) error {
	e, err := c.executions.Get(ctx, ids)
	if errors.Is(err, domain.ErrExecutionNotFound) {
		c.notifier.Notify(ctx, domain.OperatorNotification{
			Channel:     notify.ControlErrorsChannel(c.env),
			Title:       "EXECUTION_NOT_FOUND on retry",
			Body:        fmt.Sprintf("retry requested for unknown execution %s", ids.ExecutionID),
			TenantID:    ids.TenantID,
			JitEventID:  ids.JitEventID,
			ExecutionID: ids.ExecutionID,
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}

	if e.RetryCount >= c.limit {
		c.notifier.Notify(ctx, domain.OperatorNotification{
			Channel:     notify.ControlErrorsChannel(c.env),
			Title:       "MAX_RETRIES reached",
			Body:        fmt.Sprintf("execution %s already retried %d times", e.ExecutionID, e.RetryCount),
			TenantID:    e.TenantID,
			JitEventID:  e.JitEventID,
			ExecutionID: e.ExecutionID,
		})
		return nil
	}

	updated, err := c.executions.MarkRetry(ctx, ids)
	if domain.IsBenignTransitionFailure(err) {
		c.logger.Info("retry rejected by current status", "execution_id", ids.ExecutionID, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}

	event := domain.RetryExecutionEvent{
		TenantID:     updated.TenantID,
		JitEventID:   updated.JitEventID,
		ExecutionID:  updated.ExecutionID,
		JitEventName: updated.JitEventName,
		RetryCount:   updated.RetryCount,
	}
	if err := c.publisher.Publish(ctx, domain.TopicTriggerExecution, domain.DetailRetryExecution, event); err != nil {
		return fmt.Errorf("publish retry trigger: %w", err)
	}
	return nil
}
