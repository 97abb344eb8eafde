package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
)

// LifecycleStore tracks jit event asset fan-out counters.
type LifecycleStore struct {
	db *sql.DB
}

func NewLifecycleStore(db *sql.DB) (*LifecycleStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &LifecycleStore{db: db}, nil
}

func (s *LifecycleStore) Put(ctx context.Context, lc domain.JitEventLifeCycle) error {
	if s == nil || s.db == nil {
		return errors.New("lifecycle store is not initialized")
	}
	ids := domain.Identifiers{TenantID: lc.TenantID, JitEventID: lc.JitEventID, ExecutionID: "-"}
	if err := ids.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jit_event_lifecycles (
			tenant_id, jit_event_id, jit_event_name, total_assets, remaining_assets, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, jit_event_id) DO UPDATE SET
			jit_event_name = EXCLUDED.jit_event_name,
			total_assets = EXCLUDED.total_assets,
			remaining_assets = EXCLUDED.remaining_assets,
			expires_at = EXCLUDED.expires_at`,
		lc.TenantID, lc.JitEventID, lc.JitEventName, lc.TotalAssets, lc.RemainingAssets,
		lc.CreatedAt.UTC(), lc.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put lifecycle: %w", err)
	}
	return nil
}

func (s *LifecycleStore) Get(ctx context.Context, tenantID, jitEventID string) (domain.JitEventLifeCycle, error) {
	if s == nil || s.db == nil {
		return domain.JitEventLifeCycle{}, errors.New("lifecycle store is not initialized")
	}
	var lc domain.JitEventLifeCycle
	err := s.db.QueryRowContext(
		ctx,
		`SELECT tenant_id, jit_event_id, jit_event_name, total_assets, remaining_assets, created_at, expires_at
		 FROM jit_event_lifecycles WHERE tenant_id = $1 AND jit_event_id = $2`,
		tenantID, jitEventID,
	).Scan(&lc.TenantID, &lc.JitEventID, &lc.JitEventName, &lc.TotalAssets, &lc.RemainingAssets, &lc.CreatedAt, &lc.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JitEventLifeCycle{}, domain.ErrDataNotFound
	}
	if err != nil {
		return domain.JitEventLifeCycle{}, fmt.Errorf("get lifecycle: %w", err)
	}
	lc.CreatedAt = lc.CreatedAt.UTC()
	lc.ExpiresAt = lc.ExpiresAt.UTC()
	return lc, nil
}

// DecrementRemainingAssets lowers the counter while positive. Returns the
// remaining count after the write; a counter already at zero is returned
// unchanged rather than rejected, because late completions are expected.
func (s *LifecycleStore) DecrementRemainingAssets(ctx context.Context, tenantID, jitEventID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("lifecycle store is not initialized")
	}
	var remaining int
	err := s.db.QueryRowContext(
		ctx,
		`UPDATE jit_event_lifecycles SET remaining_assets = remaining_assets - 1
		 WHERE tenant_id = $1 AND jit_event_id = $2 AND remaining_assets > 0
		 RETURNING remaining_assets`,
		tenantID, jitEventID,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		lc, getErr := s.Get(ctx, tenantID, jitEventID)
		if getErr != nil {
			return 0, getErr
		}
		return lc.RemainingAssets, nil
	}
	if err != nil {
		return 0, fmt.Errorf("decrement remaining assets: %w", err)
	}
	return remaining, nil
}
