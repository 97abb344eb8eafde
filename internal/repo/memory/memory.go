// Package memory is an in-memory implementation of the repo contracts for
// tests. It mirrors the conditional-write semantics of the postgres stores,
// including transition rejections and capacity guards.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/repo"
)

type Store struct {
	mu sync.Mutex

	executions  map[domain.Identifiers]domain.Execution
	data        map[domain.Identifiers]domain.ExecutionData
	resources   map[string]domain.Resource
	inUse       map[domain.Identifiers]domain.ResourceInUse
	lifecycles  map[string]domain.JitEventLifeCycle
	idempotency map[string]time.Time

	// Now is injectable for deterministic timestamps.
	Now func() time.Time
}

func NewStore() *Store {
	return &Store{
		executions:  make(map[domain.Identifiers]domain.Execution),
		data:        make(map[domain.Identifiers]domain.ExecutionData),
		resources:   make(map[string]domain.Resource),
		inUse:       make(map[domain.Identifiers]domain.ResourceInUse),
		lifecycles:  make(map[string]domain.JitEventLifeCycle),
		idempotency: make(map[string]time.Time),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

func resourceKey(tenantID string, resourceType domain.ResourceType) string {
	return tenantID + "/" + string(resourceType)
}

func lifecycleKey(tenantID, jitEventID string) string {
	return tenantID + "/" + jitEventID
}

func (s *Store) Create(ctx context.Context, e domain.Execution) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := e.Identifiers()
	if _, ok := s.executions[ids]; ok {
		return domain.ErrDuplicate
	}
	s.executions[ids] = e
	return nil
}

func (s *Store) Get(ctx context.Context, ids domain.Identifiers) (domain.Execution, error) {
	if err := ids.Validate(); err != nil {
		return domain.Execution{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[ids]
	if !ok {
		return domain.Execution{}, domain.ErrExecutionNotFound
	}
	return e, nil
}

func (s *Store) UpdateStatus(ctx context.Context, req repo.UpdateStatusRequest) (domain.Execution, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[req.Identifiers]
	if !ok {
		return domain.Execution{}, domain.ErrExecutionNotFound
	}
	if !domain.CanTransition(e.Status, req.Status) {
		return domain.Execution{}, domain.NewTransitionError(req.Identifiers, e.Status, req.Status)
	}

	now := s.Now()
	e.Status = req.Status
	if req.ExecutionTimeout != nil {
		t := req.ExecutionTimeout.UTC()
		e.ExecutionTimeout = &t
	}
	if req.RunID != "" {
		e.RunID = req.RunID
	}
	if req.ErrorBody != "" {
		e.ErrorBody = req.ErrorBody
	}
	e.Errors = append(e.Errors, req.Errors...)
	if req.Status == domain.StatusDispatched && e.DispatchedAt == nil {
		e.DispatchedAt = &now
	}
	if req.Status == domain.StatusRunning && e.RegisteredAt == nil {
		e.RegisteredAt = &now
	}
	if req.Status.IsTerminal() && e.CompletedAt == nil {
		e.CompletedAt = &now
	}
	s.executions[req.Identifiers] = e
	return e, nil
}

func (s *Store) UpdateControlCompleted(ctx context.Context, req repo.ControlCompletedUpdate) (domain.Execution, error) {
	if err := req.Identifiers.Validate(); err != nil {
		return domain.Execution{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[req.Identifiers]
	if !ok {
		return domain.Execution{}, domain.ErrExecutionNotFound
	}
	if !e.Status.RequiresTimeout() {
		return domain.Execution{}, domain.NewTransitionError(req.Identifiers, e.Status, domain.StatusCompleted)
	}

	e.ControlStatus = req.ControlStatus
	if e.HasFindings == nil && req.HasFindings != nil {
		v := *req.HasFindings
		e.HasFindings = &v
	}
	if req.ErrorBody != "" {
		e.ErrorBody = req.ErrorBody
	}
	if req.Stderr != "" {
		e.Stderr = req.Stderr
	}
	if req.JobOutput != nil {
		e.JobOutput = req.JobOutput
	}
	e.Errors = append(e.Errors, req.Errors...)
	s.executions[req.Identifiers] = e
	return e, nil
}

func (s *Store) UpdateFindingsUpload(ctx context.Context, req repo.FindingsUploadUpdate) (domain.Execution, error) {
	if err := req.Identifiers.Validate(); err != nil {
		return domain.Execution{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[req.Identifiers]
	if !ok {
		return domain.Execution{}, domain.ErrExecutionNotFound
	}
	if !e.Status.RequiresTimeout() {
		return domain.Execution{}, domain.NewTransitionError(req.Identifiers, e.Status, domain.StatusCompleted)
	}

	e.UploadFindingsStatus = req.UploadFindingsStatus
	seen := make(map[string]bool, len(e.AffectedPlanItems))
	for _, item := range e.AffectedPlanItems {
		seen[item] = true
	}
	for _, item := range req.PlanItemsWithFindings {
		if !seen[item] {
			e.AffectedPlanItems = append(e.AffectedPlanItems, item)
			seen[item] = true
		}
	}
	s.executions[req.Identifiers] = e
	return e, nil
}

func (s *Store) NextToRun(ctx context.Context, tenantID string, runner domain.Runner) (domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Fallback runners are consulted only when the native runner has no
	// PENDING rows at all.
	for _, candidate := range append([]domain.Runner{runner}, domain.RunnerFallbacks[runner]...) {
		var candidates []domain.Execution
		for _, e := range s.executions {
			if e.TenantID == tenantID && e.Status == domain.StatusPending && e.JobRunner == candidate {
				candidates = append(candidates, e)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority < candidates[j].Priority
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		return candidates[0], nil
	}
	return domain.Execution{}, domain.ErrExecutionNotFound
}

func (s *Store) ExecutionsToTerminate(ctx context.Context, now time.Time, cursor string, limit int) ([]domain.Execution, string, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var stuck []domain.Execution
	for _, e := range s.executions {
		if e.Status.RequiresTimeout() && e.ExecutionTimeout != nil && e.ExecutionTimeout.Before(now) {
			stuck = append(stuck, e)
		}
	}
	sort.Slice(stuck, func(i, j int) bool {
		if !stuck[i].ExecutionTimeout.Equal(*stuck[j].ExecutionTimeout) {
			return stuck[i].ExecutionTimeout.Before(*stuck[j].ExecutionTimeout)
		}
		return stuck[i].ExecutionID < stuck[j].ExecutionID
	})
	start := 0
	if cursor != "" {
		for i, e := range stuck {
			if e.ExecutionID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(stuck) {
		return nil, "", nil
	}
	end := start + limit
	next := ""
	if end >= len(stuck) {
		end = len(stuck)
	} else {
		next = stuck[end-1].ExecutionID
	}
	return stuck[start:end], next, nil
}

func (s *Store) BatchGet(ctx context.Context, batches []repo.BatchIdentifiers) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Execution
	for _, batch := range batches {
		for _, executionID := range batch.ExecutionIDs {
			ids := domain.Identifiers{TenantID: batch.TenantID, JitEventID: batch.JitEventID, ExecutionID: executionID}
			if e, ok := s.executions[ids]; ok {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (s *Store) MarkRetry(ctx context.Context, ids domain.Identifiers) (domain.Execution, error) {
	if err := ids.Validate(); err != nil {
		return domain.Execution{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[ids]
	if !ok {
		return domain.Execution{}, domain.ErrExecutionNotFound
	}
	if !domain.CanTransition(e.Status, domain.StatusRetry) {
		return domain.Execution{}, domain.NewTransitionError(ids, e.Status, domain.StatusRetry)
	}
	e.Status = domain.StatusRetry
	e.RetryCount++
	s.executions[ids] = e
	return e, nil
}

func (s *Store) CreateResource(ctx context.Context, r domain.Resource) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resourceKey(r.TenantID, r.ResourceType)
	if _, ok := s.resources[key]; ok {
		return domain.ErrDuplicate
	}
	s.resources[key] = r
	return nil
}

func (s *Store) GetResource(ctx context.Context, tenantID string, resourceType domain.ResourceType) (domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceKey(tenantID, resourceType)]
	if !ok {
		return domain.Resource{}, domain.ErrResourceNotFound
	}
	return r, nil
}

func (s *Store) SeedTenant(ctx context.Context, tenantID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, resourceType := range domain.AllResourceTypes {
		key := resourceKey(tenantID, resourceType)
		if _, ok := s.resources[key]; ok {
			continue
		}
		s.resources[key] = domain.NewResource(tenantID, resourceType, now)
	}
	return nil
}

func (s *Store) AllocateFor(ctx context.Context, e domain.Execution, now time.Time) error {
	if err := e.Identifiers().Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resourceKey(e.TenantID, e.ResourceType)
	r, ok := s.resources[key]
	if !ok {
		return domain.ErrResourceNotFound
	}
	if r.ResourcesInUse >= r.MaxResourcesInUse {
		return &domain.CapacityExhaustedError{TenantID: e.TenantID, ResourceType: e.ResourceType}
	}
	ids := e.Identifiers()
	if _, exists := s.inUse[ids]; exists {
		return domain.ErrDuplicate
	}
	r.ResourcesInUse++
	s.resources[key] = r
	s.inUse[ids] = domain.ResourceInUse{
		TenantID:     e.TenantID,
		ResourceType: e.ResourceType,
		JitEventID:   e.JitEventID,
		ExecutionID:  e.ExecutionID,
		CreatedAt:    now.UTC(),
	}
	return nil
}

func (s *Store) FreeFor(ctx context.Context, e domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeLocked(e)
}

func (s *Store) freeLocked(e domain.Execution) error {
	ids := e.Identifiers()
	if _, ok := s.inUse[ids]; !ok {
		return domain.ErrDataNotFound
	}
	key := resourceKey(e.TenantID, e.ResourceType)
	r, ok := s.resources[key]
	if !ok || r.ResourcesInUse <= 0 {
		return fmt.Errorf("free resource %s for tenant %s: counter already at zero", e.ResourceType, e.TenantID)
	}
	delete(s.inUse, ids)
	r.ResourcesInUse--
	s.resources[key] = r
	return nil
}

func (s *Store) InUseOlderThan(ctx context.Context, threshold time.Time, cursor string, limit int) ([]domain.ResourceInUse, string, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var old []domain.ResourceInUse
	for _, r := range s.inUse {
		if r.CreatedAt.Before(threshold) {
			old = append(old, r)
		}
	}
	sort.Slice(old, func(i, j int) bool {
		if !old[i].CreatedAt.Equal(old[j].CreatedAt) {
			return old[i].CreatedAt.Before(old[j].CreatedAt)
		}
		return old[i].ExecutionID < old[j].ExecutionID
	})
	start := 0
	if cursor != "" {
		for i, r := range old {
			if r.ExecutionID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(old) {
		return nil, "", nil
	}
	end := start + limit
	next := ""
	if end >= len(old) {
		end = len(old)
	} else {
		next = old[end-1].ExecutionID
	}
	return old[start:end], next, nil
}

func (s *Store) TimeoutAndFree(ctx context.Context, e domain.Execution, now time.Time) (domain.Status, error) {
	ids := e.Identifiers()
	if err := ids.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[ids]
	if !ok {
		return "", domain.ErrExecutionNotFound
	}
	previous := current.Status
	if !domain.CanTransition(previous, domain.StatusWatchdogTimeout) {
		return "", domain.NewTransitionError(ids, previous, domain.StatusWatchdogTimeout)
	}
	if e.ResourceType.IsManaged() {
		// High-priority executions skip allocation, so there may be no
		// inventory row to free. The timeout write still stands.
		if err := s.freeLocked(e); err != nil && !errors.Is(err, domain.ErrDataNotFound) {
			return "", err
		}
	}
	current.Status = domain.StatusWatchdogTimeout
	if current.CompletedAt == nil {
		t := now.UTC()
		current.CompletedAt = &t
	}
	s.executions[ids] = current
	return previous, nil
}

func (s *Store) PutData(ctx context.Context, d domain.ExecutionData) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := domain.Identifiers{TenantID: d.TenantID, JitEventID: d.JitEventID, ExecutionID: d.ExecutionID}
	if _, ok := s.data[ids]; ok {
		return domain.ErrDuplicate
	}
	s.data[ids] = d
	return nil
}

func (s *Store) GetData(ctx context.Context, ids domain.Identifiers) (domain.ExecutionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[ids]
	if !ok {
		return domain.ExecutionData{}, domain.ErrDataNotFound
	}
	return d, nil
}

func (s *Store) PutLifecycle(ctx context.Context, lc domain.JitEventLifeCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycles[lifecycleKey(lc.TenantID, lc.JitEventID)] = lc
	return nil
}

func (s *Store) GetLifecycle(ctx context.Context, tenantID, jitEventID string) (domain.JitEventLifeCycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lc, ok := s.lifecycles[lifecycleKey(tenantID, jitEventID)]
	if !ok {
		return domain.JitEventLifeCycle{}, domain.ErrDataNotFound
	}
	return lc, nil
}

func (s *Store) DecrementRemainingAssets(ctx context.Context, tenantID, jitEventID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lifecycleKey(tenantID, jitEventID)
	lc, ok := s.lifecycles[key]
	if !ok {
		return 0, domain.ErrDataNotFound
	}
	if lc.RemainingAssets > 0 {
		lc.RemainingAssets--
		s.lifecycles[key] = lc
	}
	return lc.RemainingAssets, nil
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	if expires, ok := s.idempotency[key]; ok && expires.After(now) {
		return false, nil
	}
	s.idempotency[key] = now.Add(ttl)
	return true, nil
}

// Typed views adapt the store to the repo contracts where method names
// collide across interfaces.

func (s *Store) Executions() repo.ExecutionRepository    { return s }
func (s *Store) Watchdog() repo.WatchdogRepository       { return s }
func (s *Store) Idempotency() repo.IdempotencyRepository { return s }
func (s *Store) Resources() repo.ResourceRepository      { return resourceView{s} }
func (s *Store) Data() repo.ExecutionDataRepository      { return dataView{s} }
func (s *Store) Lifecycles() repo.LifecycleRepository    { return lifecycleView{s} }

type resourceView struct{ s *Store }

func (v resourceView) Create(ctx context.Context, r domain.Resource) error {
	return v.s.CreateResource(ctx, r)
}

func (v resourceView) Get(ctx context.Context, tenantID string, resourceType domain.ResourceType) (domain.Resource, error) {
	return v.s.GetResource(ctx, tenantID, resourceType)
}

func (v resourceView) SeedTenant(ctx context.Context, tenantID string, now time.Time) error {
	return v.s.SeedTenant(ctx, tenantID, now)
}

func (v resourceView) AllocateFor(ctx context.Context, e domain.Execution, now time.Time) error {
	return v.s.AllocateFor(ctx, e, now)
}

func (v resourceView) FreeFor(ctx context.Context, e domain.Execution) error {
	return v.s.FreeFor(ctx, e)
}

func (v resourceView) InUseOlderThan(ctx context.Context, threshold time.Time, cursor string, limit int) ([]domain.ResourceInUse, string, error) {
	return v.s.InUseOlderThan(ctx, threshold, cursor, limit)
}

type dataView struct{ s *Store }

func (v dataView) Put(ctx context.Context, d domain.ExecutionData) error {
	return v.s.PutData(ctx, d)
}

func (v dataView) Get(ctx context.Context, ids domain.Identifiers) (domain.ExecutionData, error) {
	return v.s.GetData(ctx, ids)
}

type lifecycleView struct{ s *Store }

func (v lifecycleView) Put(ctx context.Context, lc domain.JitEventLifeCycle) error {
	return v.s.PutLifecycle(ctx, lc)
}

func (v lifecycleView) Get(ctx context.Context, tenantID, jitEventID string) (domain.JitEventLifeCycle, error) {
	return v.s.GetLifecycle(ctx, tenantID, jitEventID)
}

func (v lifecycleView) DecrementRemainingAssets(ctx context.Context, tenantID, jitEventID string) (int, error) {
	return v.s.DecrementRemainingAssets(ctx, tenantID, jitEventID)
}
