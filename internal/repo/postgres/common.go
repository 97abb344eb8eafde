// Package postgres implements the repo contracts on PostgreSQL. Conditional
// writes are UPDATE statements whose WHERE clause carries the precondition;
// change records are appended in the same transaction as the mutation they
// describe.
package postgres

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Identifier formats preserved from the original key/value layout. The
// stores persist them alongside each row so downstream consumers keep
// stable record ids; item_type partitions the in-use watchdog-scan index.
const inUseItemType = "ITEM_TYPE#resource_in_use"

func TenantPartitionKey(tenantID string) string {
	return "TENANT#" + strings.TrimSpace(tenantID)
}

func ExecutionSortKey(jitEventID, executionID string) string {
	return "JIT_EVENT#" + strings.TrimSpace(jitEventID) + "#RUN#" + strings.TrimSpace(executionID)
}

func ResourceSortKey(resourceType string) string {
	return "RESOURCE_TYPE#" + strings.TrimSpace(resourceType)
}

func ResourceInUseSortKey(jitEventID, executionID string) string {
	return "JIT_EVENT_ID#" + strings.TrimSpace(jitEventID) + "#EXECUTION_ID#" + strings.TrimSpace(executionID)
}

// cursors are opaque to callers: base64 of the last-seen sort tuple.
func encodeCursor(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCursor(cursor string, out any) error {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(cursor))
	if err != nil {
		return errors.New("cursor is malformed")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.New("cursor is malformed")
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return raw, nil
}
