package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/platform/stream"
	"github.com/scanplane-labs/scanplane-go/internal/repo"
)

// ExecutionStore persists executions. Every status write carries its
// precondition in the WHERE clause and appends a change record in the same
// transaction.
type ExecutionStore struct {
	db *sql.DB
}

func NewExecutionStore(db *sql.DB) (*ExecutionStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &ExecutionStore{db: db}, nil
}

const executionColumns = `tenant_id, jit_event_id, execution_id, jit_event_name, plan_slug,
	plan_item_slug, workflow_slug, job_name, control_name, control_image,
	job_runner, resource_type, priority, asset, vendor,
	created_at, dispatched_at, registered_at, completed_at, run_id,
	status, control_status, upload_findings_status, has_findings, error_body,
	stderr, job_output, affected_plan_items, execution_timeout, retry_count,
	errors, timeout_override_seconds`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var (
		e                 domain.Execution
		assetJSON         []byte
		dispatchedAt      sql.NullTime
		registeredAt      sql.NullTime
		completedAt       sql.NullTime
		hasFindings       sql.NullBool
		jobOutputJSON     []byte
		affectedJSON      []byte
		executionTimeout  sql.NullTime
		errorsJSON        []byte
		timeoutOverrideMs int64
	)
	err := row.Scan(
		&e.TenantID, &e.JitEventID, &e.ExecutionID, &e.JitEventName, &e.PlanSlug,
		&e.PlanItemSlug, &e.WorkflowSlug, &e.JobName, &e.ControlName, &e.ControlImage,
		&e.JobRunner, &e.ResourceType, &e.Priority, &assetJSON, &e.Vendor,
		&e.CreatedAt, &dispatchedAt, &registeredAt, &completedAt, &e.RunID,
		&e.Status, &e.ControlStatus, &e.UploadFindingsStatus, &hasFindings, &e.ErrorBody,
		&e.Stderr, &jobOutputJSON, &affectedJSON, &executionTimeout, &e.RetryCount,
		&errorsJSON, &timeoutOverrideMs,
	)
	if err != nil {
		return domain.Execution{}, err
	}

	if len(assetJSON) > 0 {
		if err := json.Unmarshal(assetJSON, &e.Asset); err != nil {
			return domain.Execution{}, fmt.Errorf("decode asset: %w", err)
		}
	}
	if len(jobOutputJSON) > 0 {
		if err := json.Unmarshal(jobOutputJSON, &e.JobOutput); err != nil {
			return domain.Execution{}, fmt.Errorf("decode job output: %w", err)
		}
	}
	if len(affectedJSON) > 0 {
		if err := json.Unmarshal(affectedJSON, &e.AffectedPlanItems); err != nil {
			return domain.Execution{}, fmt.Errorf("decode affected plan items: %w", err)
		}
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &e.Errors); err != nil {
			return domain.Execution{}, fmt.Errorf("decode errors: %w", err)
		}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.DispatchedAt = timePtr(dispatchedAt)
	e.RegisteredAt = timePtr(registeredAt)
	e.CompletedAt = timePtr(completedAt)
	e.ExecutionTimeout = timePtr(executionTimeout)
	if hasFindings.Valid {
		v := hasFindings.Bool
		e.HasFindings = &v
	}
	e.TimeoutOverride = time.Duration(timeoutOverrideMs) * time.Second
	return e, nil
}

func (s *ExecutionStore) Create(ctx context.Context, e domain.Execution) error {
	if s == nil || s.db == nil {
		return errors.New("execution store is not initialized")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	assetJSON, err := encodeJSON(e.Asset)
	if err != nil {
		return err
	}
	errorsJSON, err := encodeJSON(executionErrorsOrEmpty(e.Errors))
	if err != nil {
		return err
	}
	affectedJSON, err := encodeJSON(stringsOrEmpty(e.AffectedPlanItems))
	if err != nil {
		return err
	}

	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO executions (
				tenant_id, jit_event_id, execution_id, jit_event_name, plan_slug,
				plan_item_slug, workflow_slug, job_name, control_name, control_image,
				job_runner, resource_type, priority, asset, vendor,
				created_at, run_id, status, error_body, affected_plan_items,
				retry_count, errors, timeout_override_seconds, pk, sk
			) VALUES (
				$1, $2, $3, $4, $5,
				$6, $7, $8, $9, $10,
				$11, $12, $13, $14, $15,
				$16, $17, $18, $19, $20,
				$21, $22, $23, $24, $25
			)
			ON CONFLICT (tenant_id, jit_event_id, execution_id) DO NOTHING`,
			e.TenantID, e.JitEventID, e.ExecutionID, e.JitEventName, e.PlanSlug,
			e.PlanItemSlug, e.WorkflowSlug, e.JobName, e.ControlName, e.ControlImage,
			string(e.JobRunner), string(e.ResourceType), int(e.Priority), assetJSON, e.Vendor,
			e.CreatedAt.UTC(), e.RunID, string(e.Status), e.ErrorBody, affectedJSON,
			e.RetryCount, errorsJSON, int64(e.TimeoutOverride/time.Second),
			TenantPartitionKey(e.TenantID), ExecutionSortKey(e.JitEventID, e.ExecutionID),
		)
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		if inserted == 0 {
			return domain.ErrDuplicate
		}
		return stream.Append(ctx, tx, stream.SourceExecutions, e.TenantID, stream.EventInsert, e)
	})
}

func (s *ExecutionStore) Get(ctx context.Context, ids domain.Identifiers) (domain.Execution, error) {
	if s == nil || s.db == nil {
		return domain.Execution{}, errors.New("execution store is not initialized")
	}
	if err := ids.Validate(); err != nil {
		return domain.Execution{}, err
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE tenant_id = $1 AND jit_event_id = $2 AND execution_id = $3`,
		ids.TenantID, ids.JitEventID, ids.ExecutionID,
	)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, domain.ErrExecutionNotFound
	}
	if err != nil {
		return domain.Execution{}, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

const updateStatusQuery = `UPDATE executions SET
	status = $4,
	execution_timeout = COALESCE($5::timestamptz, execution_timeout),
	run_id = CASE WHEN $6 <> '' THEN $6 ELSE run_id END,
	error_body = CASE WHEN $7 <> '' THEN $7 ELSE error_body END,
	errors = errors || $8::jsonb,
	dispatched_at = CASE WHEN $4 = 'DISPATCHED' AND dispatched_at IS NULL THEN $9::timestamptz ELSE dispatched_at END,
	registered_at = CASE WHEN $4 = 'RUNNING' AND registered_at IS NULL THEN $9::timestamptz ELSE registered_at END,
	completed_at = CASE WHEN $10::boolean AND completed_at IS NULL THEN $9::timestamptz ELSE completed_at END
WHERE tenant_id = $1 AND jit_event_id = $2 AND execution_id = $3 AND status = ANY($11)
RETURNING ` + executionColumns

func (s *ExecutionStore) UpdateStatus(ctx context.Context, req repo.UpdateStatusRequest) (domain.Execution, error) {
	if s == nil || s.db == nil {
		return domain.Execution{}, errors.New("execution store is not initialized")
	}
	if err := req.Identifiers.Validate(); err != nil {
		return domain.Execution{}, err
	}
	preds := domain.LegalPredecessors(req.Status)
	if len(preds) == 0 {
		return domain.Execution{}, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("%s is not a reachable status", req.Status)}
	}
	if req.Status.RequiresTimeout() && req.ExecutionTimeout == nil {
		return domain.Execution{}, &domain.ValidationError{Field: "execution_timeout", Reason: fmt.Sprintf("required for status %s", req.Status)}
	}
	errorsJSON, err := encodeJSON(executionErrorsOrEmpty(req.Errors))
	if err != nil {
		return domain.Execution{}, err
	}

	var updated domain.Execution
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			updateStatusQuery,
			req.Identifiers.TenantID, req.Identifiers.JitEventID, req.Identifiers.ExecutionID,
			string(req.Status),
			nullTime(req.ExecutionTimeout),
			req.RunID,
			req.ErrorBody,
			errorsJSON,
			time.Now().UTC(),
			req.Status.IsTerminal(),
			statusStrings(preds),
		)
		updated, err = scanExecution(row)
		if errors.Is(err, sql.ErrNoRows) {
			return s.classifyRejection(ctx, tx, req.Identifiers, req.Status)
		}
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return stream.Append(ctx, tx, stream.SourceExecutions, updated.TenantID, stream.EventModify, updated)
	})
	if err != nil {
		return domain.Execution{}, err
	}
	return updated, nil
}

const controlCompletedQuery = `UPDATE executions SET
	control_status = $4,
	has_findings = CASE WHEN has_findings IS NULL THEN $5::boolean ELSE has_findings END,
	error_body = CASE WHEN $6 <> '' THEN $6 ELSE error_body END,
	stderr = CASE WHEN $7 <> '' THEN $7 ELSE stderr END,
	job_output = COALESCE($8::jsonb, job_output),
	errors = errors || $9::jsonb
WHERE tenant_id = $1 AND jit_event_id = $2 AND execution_id = $3 AND status = ANY($10)
RETURNING ` + executionColumns

func (s *ExecutionStore) UpdateControlCompleted(ctx context.Context, req repo.ControlCompletedUpdate) (domain.Execution, error) {
	if s == nil || s.db == nil {
		return domain.Execution{}, errors.New("execution store is not initialized")
	}
	if err := req.Identifiers.Validate(); err != nil {
		return domain.Execution{}, err
	}
	errorsJSON, err := encodeJSON(executionErrorsOrEmpty(req.Errors))
	if err != nil {
		return domain.Execution{}, err
	}
	var jobOutputJSON any
	if req.JobOutput != nil {
		raw, err := encodeJSON(req.JobOutput)
		if err != nil {
			return domain.Execution{}, err
		}
		jobOutputJSON = raw
	}
	var hasFindings any
	if req.HasFindings != nil {
		hasFindings = *req.HasFindings
	}

	var updated domain.Execution
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			controlCompletedQuery,
			req.Identifiers.TenantID, req.Identifiers.JitEventID, req.Identifiers.ExecutionID,
			string(req.ControlStatus),
			hasFindings,
			req.ErrorBody,
			req.Stderr,
			jobOutputJSON,
			errorsJSON,
			statusStrings(domain.StatusesWithTimeout),
		)
		updated, err = scanExecution(row)
		if errors.Is(err, sql.ErrNoRows) {
			return s.classifyRejection(ctx, tx, req.Identifiers, domain.StatusCompleted)
		}
		if err != nil {
			return fmt.Errorf("update control completed: %w", err)
		}
		return stream.Append(ctx, tx, stream.SourceExecutions, updated.TenantID, stream.EventModify, updated)
	})
	if err != nil {
		return domain.Execution{}, err
	}
	return updated, nil
}

const findingsUploadQuery = `UPDATE executions SET
	upload_findings_status = $4,
	affected_plan_items = (
		SELECT COALESCE(jsonb_agg(item), '[]'::jsonb) FROM (
			SELECT DISTINCT jsonb_array_elements_text(affected_plan_items || $5::jsonb) AS item
		) merged
	)
WHERE tenant_id = $1 AND jit_event_id = $2 AND execution_id = $3 AND status = ANY($6)
RETURNING ` + executionColumns

func (s *ExecutionStore) UpdateFindingsUpload(ctx context.Context, req repo.FindingsUploadUpdate) (domain.Execution, error) {
	if s == nil || s.db == nil {
		return domain.Execution{}, errors.New("execution store is not initialized")
	}
	if err := req.Identifiers.Validate(); err != nil {
		return domain.Execution{}, err
	}
	planItemsJSON, err := encodeJSON(stringsOrEmpty(req.PlanItemsWithFindings))
	if err != nil {
		return domain.Execution{}, err
	}

	var updated domain.Execution
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			findingsUploadQuery,
			req.Identifiers.TenantID, req.Identifiers.JitEventID, req.Identifiers.ExecutionID,
			req.UploadFindingsStatus,
			planItemsJSON,
			statusStrings(domain.StatusesWithTimeout),
		)
		updated, err = scanExecution(row)
		if errors.Is(err, sql.ErrNoRows) {
			return s.classifyRejection(ctx, tx, req.Identifiers, domain.StatusCompleted)
		}
		if err != nil {
			return fmt.Errorf("update findings upload: %w", err)
		}
		return stream.Append(ctx, tx, stream.SourceExecutions, updated.TenantID, stream.EventModify, updated)
	})
	if err != nil {
		return domain.Execution{}, err
	}
	return updated, nil
}

func (s *ExecutionStore) NextToRun(ctx context.Context, tenantID string, runner domain.Runner) (domain.Execution, error) {
	if s == nil || s.db == nil {
		return domain.Execution{}, errors.New("execution store is not initialized")
	}
	// Fallback runners are consulted only when the native runner has no
	// PENDING rows at all.
	for _, candidate := range append([]domain.Runner{runner}, domain.RunnerFallbacks[runner]...) {
		row := s.db.QueryRowContext(
			ctx,
			`SELECT `+executionColumns+` FROM executions
			 WHERE tenant_id = $1 AND job_runner = $2 AND status = 'PENDING'
			 ORDER BY priority ASC, created_at ASC
			 LIMIT 1`,
			tenantID,
			string(candidate),
		)
		e, err := scanExecution(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return domain.Execution{}, fmt.Errorf("next to run: %w", err)
		}
		return e, nil
	}
	return domain.Execution{}, domain.ErrExecutionNotFound
}

type terminateCursor struct {
	Timeout     time.Time `json:"t"`
	TenantID    string    `json:"tn"`
	JitEventID  string    `json:"j"`
	ExecutionID string    `json:"e"`
}

func (s *ExecutionStore) ExecutionsToTerminate(ctx context.Context, now time.Time, cursor string, limit int) ([]domain.Execution, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("execution store is not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + executionColumns + ` FROM executions
		 WHERE status = ANY($1) AND execution_timeout < $2
		 ORDER BY execution_timeout ASC, tenant_id ASC, jit_event_id ASC, execution_id ASC
		 LIMIT $3`
	args := []any{statusStrings(domain.StatusesWithTimeout), now.UTC(), limit}
	if cursor != "" {
		var after terminateCursor
		if err := decodeCursor(cursor, &after); err != nil {
			return nil, "", err
		}
		query = `SELECT ` + executionColumns + ` FROM executions
			 WHERE status = ANY($1) AND execution_timeout < $2
			   AND (execution_timeout, tenant_id, jit_event_id, execution_id) > ($4::timestamptz, $5, $6, $7)
			 ORDER BY execution_timeout ASC, tenant_id ASC, jit_event_id ASC, execution_id ASC
			 LIMIT $3`
		args = append(args, after.Timeout, after.TenantID, after.JitEventID, after.ExecutionID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("executions to terminate: %w", err)
	}
	defer rows.Close()

	executions := make([]domain.Execution, 0, limit)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, "", fmt.Errorf("executions to terminate: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("executions to terminate: %w", err)
	}

	next := ""
	if len(executions) == limit {
		last := executions[len(executions)-1]
		var lastTimeout time.Time
		if last.ExecutionTimeout != nil {
			lastTimeout = *last.ExecutionTimeout
		}
		next, err = encodeCursor(terminateCursor{
			Timeout:     lastTimeout,
			TenantID:    last.TenantID,
			JitEventID:  last.JitEventID,
			ExecutionID: last.ExecutionID,
		})
		if err != nil {
			return nil, "", err
		}
	}
	return executions, next, nil
}

// batchGetChunk caps ids per store query.
const batchGetChunk = 100

func (s *ExecutionStore) BatchGet(ctx context.Context, batches []repo.BatchIdentifiers) ([]domain.Execution, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("execution store is not initialized")
	}
	var out []domain.Execution
	for _, batch := range batches {
		ids := batch.ExecutionIDs
		for len(ids) > 0 {
			chunk := ids
			if len(chunk) > batchGetChunk {
				chunk = chunk[:batchGetChunk]
			}
			ids = ids[len(chunk):]

			rows, err := s.db.QueryContext(
				ctx,
				`SELECT `+executionColumns+` FROM executions
				 WHERE tenant_id = $1 AND jit_event_id = $2 AND execution_id = ANY($3)`,
				batch.TenantID, batch.JitEventID, chunk,
			)
			if err != nil {
				return nil, fmt.Errorf("batch get: %w", err)
			}
			for rows.Next() {
				e, err := scanExecution(rows)
				if err != nil {
					rows.Close()
					return nil, fmt.Errorf("batch get: %w", err)
				}
				out = append(out, e)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, fmt.Errorf("batch get: %w", err)
			}
			rows.Close()
		}
	}
	return out, nil
}

func (s *ExecutionStore) MarkRetry(ctx context.Context, ids domain.Identifiers) (domain.Execution, error) {
	if s == nil || s.db == nil {
		return domain.Execution{}, errors.New("execution store is not initialized")
	}
	if err := ids.Validate(); err != nil {
		return domain.Execution{}, err
	}

	var updated domain.Execution
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`UPDATE executions SET status = $4, retry_count = retry_count + 1
			 WHERE tenant_id = $1 AND jit_event_id = $2 AND execution_id = $3 AND status = ANY($5)
			 RETURNING `+executionColumns,
			ids.TenantID, ids.JitEventID, ids.ExecutionID,
			string(domain.StatusRetry),
			statusStrings(domain.LegalPredecessors(domain.StatusRetry)),
		)
		var err error
		updated, err = scanExecution(row)
		if errors.Is(err, sql.ErrNoRows) {
			return s.classifyRejection(ctx, tx, ids, domain.StatusRetry)
		}
		if err != nil {
			return fmt.Errorf("mark retry: %w", err)
		}
		return stream.Append(ctx, tx, stream.SourceExecutions, updated.TenantID, stream.EventModify, updated)
	})
	if err != nil {
		return domain.Execution{}, err
	}
	return updated, nil
}

// classifyRejection turns a zero-row conditional update into the error the
// caller can act on: not found, or a transition rejection carrying the
// status another worker already moved the row to.
func (s *ExecutionStore) classifyRejection(ctx context.Context, tx *sql.Tx, ids domain.Identifiers, to domain.Status) error {
	var current string
	err := tx.QueryRowContext(
		ctx,
		`SELECT status FROM executions WHERE tenant_id = $1 AND jit_event_id = $2 AND execution_id = $3`,
		ids.TenantID, ids.JitEventID, ids.ExecutionID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrExecutionNotFound
	}
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}
	return domain.NewTransitionError(ids, domain.Status(current), to)
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func executionErrorsOrEmpty(errs []domain.ExecutionError) []domain.ExecutionError {
	if errs == nil {
		return []domain.ExecutionError{}
	}
	return errs
}

func stringsOrEmpty(vals []string) []string {
	if vals == nil {
		return []string{}
	}
	return vals
}
