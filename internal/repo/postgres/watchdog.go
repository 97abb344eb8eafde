package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/platform/stream"
)

// WatchdogStore performs the termination write: execution to
// WATCHDOG_TIMEOUT and resource freed, in one transaction. Either both
// records change or neither does.
type WatchdogStore struct {
	db *sql.DB
}

func NewWatchdogStore(db *sql.DB) (*WatchdogStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &WatchdogStore{db: db}, nil
}

// TimeoutAndFree returns the status the execution held before the write.
// A row already advanced by another worker surfaces as a transition
// rejection, which callers treat as a message to drop.
func (s *WatchdogStore) TimeoutAndFree(ctx context.Context, e domain.Execution, now time.Time) (domain.Status, error) {
	if s == nil || s.db == nil {
		return "", errors.New("watchdog store is not initialized")
	}
	ids := e.Identifiers()
	if err := ids.Validate(); err != nil {
		return "", err
	}

	var previous domain.Status
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(
			ctx,
			`SELECT status FROM executions
			 WHERE tenant_id = $1 AND jit_event_id = $2 AND execution_id = $3
			 FOR UPDATE`,
			ids.TenantID, ids.JitEventID, ids.ExecutionID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrExecutionNotFound
		}
		if err != nil {
			return fmt.Errorf("load status: %w", err)
		}
		previous = domain.Status(current)
		if !domain.CanTransition(previous, domain.StatusWatchdogTimeout) {
			return domain.NewTransitionError(ids, previous, domain.StatusWatchdogTimeout)
		}

		row := tx.QueryRowContext(
			ctx,
			`UPDATE executions SET
				status = $4,
				completed_at = CASE WHEN completed_at IS NULL THEN $5::timestamptz ELSE completed_at END
			 WHERE tenant_id = $1 AND jit_event_id = $2 AND execution_id = $3
			 RETURNING `+executionColumns,
			ids.TenantID, ids.JitEventID, ids.ExecutionID,
			string(domain.StatusWatchdogTimeout),
			now.UTC(),
		)
		updated, err := scanExecution(row)
		if err != nil {
			return fmt.Errorf("timeout execution: %w", err)
		}
		if err := stream.Append(ctx, tx, stream.SourceExecutions, updated.TenantID, stream.EventModify, updated); err != nil {
			return err
		}

		if !e.ResourceType.IsManaged() {
			return nil
		}
		// High-priority executions skip allocation, so there may be no
		// inventory row to free. The timeout write still stands.
		if err := freeInTx(ctx, tx, e); err != nil && !errors.Is(err, domain.ErrDataNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return previous, nil
}
