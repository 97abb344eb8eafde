package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
)

// ExecutionDataStore persists the immutable dispatch payload. The payload
// never changes after the first write.
type ExecutionDataStore struct {
	db *sql.DB
}

func NewExecutionDataStore(db *sql.DB) (*ExecutionDataStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &ExecutionDataStore{db: db}, nil
}

func (s *ExecutionDataStore) Put(ctx context.Context, d domain.ExecutionData) error {
	if s == nil || s.db == nil {
		return errors.New("execution data store is not initialized")
	}
	if err := d.Validate(); err != nil {
		return err
	}
	contextJSON, err := encodeJSON(d.Context)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO execution_data (
			tenant_id, jit_event_id, execution_id, control_name, control_image,
			callback_token, register_url, complete_url, log_url, feature_flag_key,
			context, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, jit_event_id, execution_id) DO NOTHING`,
		d.TenantID, d.JitEventID, d.ExecutionID, d.ControlName, d.ControlImage,
		d.CallbackToken, d.RegisterURL, d.CompleteURL, d.LogURL, d.FeatureFlagKey,
		contextJSON, d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put execution data: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put execution data: %w", err)
	}
	if inserted == 0 {
		return domain.ErrDuplicate
	}
	return nil
}

func (s *ExecutionDataStore) Get(ctx context.Context, ids domain.Identifiers) (domain.ExecutionData, error) {
	if s == nil || s.db == nil {
		return domain.ExecutionData{}, errors.New("execution data store is not initialized")
	}
	if err := ids.Validate(); err != nil {
		return domain.ExecutionData{}, err
	}
	var (
		d           domain.ExecutionData
		contextJSON []byte
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT tenant_id, jit_event_id, execution_id, control_name, control_image,
			callback_token, register_url, complete_url, log_url, feature_flag_key,
			context, created_at
		 FROM execution_data
		 WHERE tenant_id = $1 AND jit_event_id = $2 AND execution_id = $3`,
		ids.TenantID, ids.JitEventID, ids.ExecutionID,
	).Scan(
		&d.TenantID, &d.JitEventID, &d.ExecutionID, &d.ControlName, &d.ControlImage,
		&d.CallbackToken, &d.RegisterURL, &d.CompleteURL, &d.LogURL, &d.FeatureFlagKey,
		&contextJSON, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExecutionData{}, domain.ErrDataNotFound
	}
	if err != nil {
		return domain.ExecutionData{}, fmt.Errorf("get execution data: %w", err)
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &d.Context); err != nil {
			return domain.ExecutionData{}, fmt.Errorf("decode context: %w", err)
		}
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}
