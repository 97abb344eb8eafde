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

// ResourceStore manages the admission counters and the in-use inventory.
// Allocate and free mutate both records in one transaction; the counter
// guards carry the admission precondition.
type ResourceStore struct {
	db *sql.DB
}

func NewResourceStore(db *sql.DB) (*ResourceStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &ResourceStore{db: db}, nil
}

func (s *ResourceStore) Create(ctx context.Context, r domain.Resource) error {
	if s == nil || s.db == nil {
		return errors.New("resource store is not initialized")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO resources (tenant_id, resource_type, resources_in_use, max_resources_in_use, created_at, pk, sk)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (tenant_id, resource_type) DO NOTHING`,
			r.TenantID, string(r.ResourceType), r.ResourcesInUse, r.MaxResourcesInUse, r.CreatedAt.UTC(),
			TenantPartitionKey(r.TenantID), ResourceSortKey(string(r.ResourceType)),
		)
		if err != nil {
			return fmt.Errorf("insert resource: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert resource: %w", err)
		}
		if inserted == 0 {
			return domain.ErrDuplicate
		}
		return stream.Append(ctx, tx, stream.SourceResources, r.TenantID, stream.EventInsert, r)
	})
}

func (s *ResourceStore) Get(ctx context.Context, tenantID string, resourceType domain.ResourceType) (domain.Resource, error) {
	if s == nil || s.db == nil {
		return domain.Resource{}, errors.New("resource store is not initialized")
	}
	var r domain.Resource
	err := s.db.QueryRowContext(
		ctx,
		`SELECT tenant_id, resource_type, resources_in_use, max_resources_in_use, created_at
		 FROM resources WHERE tenant_id = $1 AND resource_type = $2`,
		tenantID, string(resourceType),
	).Scan(&r.TenantID, &r.ResourceType, &r.ResourcesInUse, &r.MaxResourcesInUse, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Resource{}, domain.ErrResourceNotFound
	}
	if err != nil {
		return domain.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

// SeedTenant writes one counter row per resource type. Existing rows are
// left untouched so seeding is re-runnable.
func (s *ResourceStore) SeedTenant(ctx context.Context, tenantID string, now time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("resource store is not initialized")
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, resourceType := range domain.AllResourceTypes {
			r := domain.NewResource(tenantID, resourceType, now)
			res, err := tx.ExecContext(
				ctx,
				`INSERT INTO resources (tenant_id, resource_type, resources_in_use, max_resources_in_use, created_at, pk, sk)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (tenant_id, resource_type) DO NOTHING`,
				r.TenantID, string(r.ResourceType), r.ResourcesInUse, r.MaxResourcesInUse, r.CreatedAt,
				TenantPartitionKey(r.TenantID), ResourceSortKey(string(r.ResourceType)),
			)
			if err != nil {
				return fmt.Errorf("seed resource %s: %w", resourceType, err)
			}
			inserted, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("seed resource %s: %w", resourceType, err)
			}
			if inserted == 0 {
				continue
			}
			if err := stream.Append(ctx, tx, stream.SourceResources, r.TenantID, stream.EventInsert, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// AllocateFor increments the counter while it is under its ceiling and
// records the inventory row, atomically. Callers gate on IsManaged; this
// store never skips the counter precondition.
func (s *ResourceStore) AllocateFor(ctx context.Context, e domain.Execution, now time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("resource store is not initialized")
	}
	if err := e.Identifiers().Validate(); err != nil {
		return err
	}
	if e.ResourceType == "" {
		return &domain.ValidationError{Field: "resource_type", Reason: "required"}
	}

	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var counter domain.Resource
		row := tx.QueryRowContext(
			ctx,
			`UPDATE resources SET resources_in_use = resources_in_use + 1
			 WHERE tenant_id = $1 AND resource_type = $2 AND resources_in_use < max_resources_in_use
			 RETURNING tenant_id, resource_type, resources_in_use, max_resources_in_use, created_at`,
			e.TenantID, string(e.ResourceType),
		)
		err := row.Scan(&counter.TenantID, &counter.ResourceType, &counter.ResourcesInUse, &counter.MaxResourcesInUse, &counter.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.counterInTx(ctx, tx, e.TenantID, e.ResourceType); getErr != nil {
				return getErr
			}
			return &domain.CapacityExhaustedError{TenantID: e.TenantID, ResourceType: e.ResourceType}
		}
		if err != nil {
			return fmt.Errorf("allocate resource: %w", err)
		}

		inUse := domain.ResourceInUse{
			TenantID:     e.TenantID,
			ResourceType: e.ResourceType,
			JitEventID:   e.JitEventID,
			ExecutionID:  e.ExecutionID,
			CreatedAt:    now.UTC(),
		}
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO resources_in_use (tenant_id, resource_type, jit_event_id, execution_id, created_at, pk, sk, item_type)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (tenant_id, jit_event_id, execution_id) DO NOTHING`,
			inUse.TenantID, string(inUse.ResourceType), inUse.JitEventID, inUse.ExecutionID, inUse.CreatedAt,
			TenantPartitionKey(inUse.TenantID), ResourceInUseSortKey(inUse.JitEventID, inUse.ExecutionID), inUseItemType,
		)
		if err != nil {
			return fmt.Errorf("record allocation: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("record allocation: %w", err)
		}
		if inserted == 0 {
			// Already allocated for this execution; aborting keeps the
			// counter unchanged.
			return domain.ErrDuplicate
		}

		if err := stream.Append(ctx, tx, stream.SourceResources, counter.TenantID, stream.EventModify, counter); err != nil {
			return err
		}
		return stream.Append(ctx, tx, stream.SourceResources, inUse.TenantID, stream.EventInsert, inUse)
	})
}

// FreeFor decrements the counter while positive and deletes the inventory
// row. Both conditions must hold; a missing inventory row means the
// allocation was already freed and the transaction aborts unchanged.
func (s *ResourceStore) FreeFor(ctx context.Context, e domain.Execution) error {
	if s == nil || s.db == nil {
		return errors.New("resource store is not initialized")
	}
	if err := e.Identifiers().Validate(); err != nil {
		return err
	}
	if e.ResourceType == "" {
		return &domain.ValidationError{Field: "resource_type", Reason: "required"}
	}

	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		return freeInTx(ctx, tx, e)
	})
}

// freeInTx is shared with the watchdog's combined timeout-and-free write.
func freeInTx(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	res, err := tx.ExecContext(
		ctx,
		`DELETE FROM resources_in_use
		 WHERE tenant_id = $1 AND jit_event_id = $2 AND execution_id = $3`,
		e.TenantID, e.JitEventID, e.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("delete allocation: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete allocation: %w", err)
	}
	if deleted == 0 {
		return domain.ErrDataNotFound
	}

	var counter domain.Resource
	row := tx.QueryRowContext(
		ctx,
		`UPDATE resources SET resources_in_use = resources_in_use - 1
		 WHERE tenant_id = $1 AND resource_type = $2 AND resources_in_use > 0
		 RETURNING tenant_id, resource_type, resources_in_use, max_resources_in_use, created_at`,
		e.TenantID, string(e.ResourceType),
	)
	err = row.Scan(&counter.TenantID, &counter.ResourceType, &counter.ResourcesInUse, &counter.MaxResourcesInUse, &counter.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Counter would go below zero. Abort so neither record changes.
		return fmt.Errorf("free resource %s for tenant %s: counter already at zero", e.ResourceType, e.TenantID)
	}
	if err != nil {
		return fmt.Errorf("free resource: %w", err)
	}

	inUse := domain.ResourceInUse{
		TenantID:     e.TenantID,
		ResourceType: e.ResourceType,
		JitEventID:   e.JitEventID,
		ExecutionID:  e.ExecutionID,
	}
	if err := stream.Append(ctx, tx, stream.SourceResources, counter.TenantID, stream.EventModify, counter); err != nil {
		return err
	}
	return stream.Append(ctx, tx, stream.SourceResources, inUse.TenantID, stream.EventRemove, inUse)
}

func (s *ResourceStore) counterInTx(ctx context.Context, tx *sql.Tx, tenantID string, resourceType domain.ResourceType) (domain.Resource, error) {
	var r domain.Resource
	err := tx.QueryRowContext(
		ctx,
		`SELECT tenant_id, resource_type, resources_in_use, max_resources_in_use, created_at
		 FROM resources WHERE tenant_id = $1 AND resource_type = $2`,
		tenantID, string(resourceType),
	).Scan(&r.TenantID, &r.ResourceType, &r.ResourcesInUse, &r.MaxResourcesInUse, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Resource{}, domain.ErrResourceNotFound
	}
	if err != nil {
		return domain.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	return r, nil
}

type inUseCursor struct {
	CreatedAt   time.Time `json:"c"`
	TenantID    string    `json:"tn"`
	JitEventID  string    `json:"j"`
	ExecutionID string    `json:"e"`
}

func (s *ResourceStore) InUseOlderThan(ctx context.Context, threshold time.Time, cursor string, limit int) ([]domain.ResourceInUse, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("resource store is not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT tenant_id, resource_type, jit_event_id, execution_id, created_at
		 FROM resources_in_use
		 WHERE item_type = $1 AND created_at < $2
		 ORDER BY created_at ASC, tenant_id ASC, jit_event_id ASC, execution_id ASC
		 LIMIT $3`
	args := []any{inUseItemType, threshold.UTC(), limit}
	if cursor != "" {
		var after inUseCursor
		if err := decodeCursor(cursor, &after); err != nil {
			return nil, "", err
		}
		query = `SELECT tenant_id, resource_type, jit_event_id, execution_id, created_at
			 FROM resources_in_use
			 WHERE item_type = $1 AND created_at < $2
			   AND (created_at, tenant_id, jit_event_id, execution_id) > ($4::timestamptz, $5, $6, $7)
			 ORDER BY created_at ASC, tenant_id ASC, jit_event_id ASC, execution_id ASC
			 LIMIT $3`
		args = append(args, after.CreatedAt, after.TenantID, after.JitEventID, after.ExecutionID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("in use older than: %w", err)
	}
	defer rows.Close()

	allocations := make([]domain.ResourceInUse, 0, limit)
	for rows.Next() {
		var r domain.ResourceInUse
		if err := rows.Scan(&r.TenantID, &r.ResourceType, &r.JitEventID, &r.ExecutionID, &r.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("in use older than: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		allocations = append(allocations, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("in use older than: %w", err)
	}

	next := ""
	if len(allocations) == limit {
		last := allocations[len(allocations)-1]
		next, err = encodeCursor(inUseCursor{
			CreatedAt:   last.CreatedAt,
			TenantID:    last.TenantID,
			JitEventID:  last.JitEventID,
			ExecutionID: last.ExecutionID,
		})
		if err != nil {
			return nil, "", err
		}
	}
	return allocations, next, nil
}
