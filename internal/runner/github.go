package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
)

// githubDispatchConcurrency bounds concurrent workflow-dispatch calls per
// batch so a large event does not exhaust the vendor rate limit.
const githubDispatchConcurrency = 6

const (
	githubDispatchedTimeout = 5 * time.Minute
	githubRunningTimeout    = 30 * time.Minute
)

// WorkflowClient triggers GitHub Actions workflow runs.
type WorkflowClient interface {
	TriggerWorkflow(ctx context.Context, event domain.DispatchExecutionEvent) error
	RunFailureReason(ctx context.Context, e domain.Execution) (string, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, topic, detailType string, detail any) error
}

// GitHubActions dispatches executions as workflow runs in the tenant's
// repository. The run id only becomes known when the control registers, so
// dispatch results carry no handle.
type GitHubActions struct {
	client    WorkflowClient
	publisher eventPublisher
}

func NewGitHubActions(client WorkflowClient, publisher eventPublisher) (*GitHubActions, error) {
	if client == nil {
		return nil, errors.New("workflow client is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	return &GitHubActions{client: client, publisher: publisher}, nil
}

func (s *GitHubActions) Kind() domain.Runner { return domain.RunnerGithubActions }

func (s *GitHubActions) Dispatch(ctx context.Context, events []domain.DispatchExecutionEvent) ([]DispatchResult, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(githubDispatchConcurrency)
	for _, event := range events {
		g.Go(func() error {
			if err := s.client.TriggerWorkflow(ctx, event); err != nil {
				return &domain.DispatchError{Runner: domain.RunnerGithubActions, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	results := make([]DispatchResult, len(events))
	for i, event := range events {
		results[i] = DispatchResult{Identifiers: event.Execution.Identifiers()}
	}
	return results, nil
}

// Terminate cannot cancel a workflow run synchronously; the CI pipeline
// owns the vendor credentials. It publishes the cancel request and a log
// fetch so evidence survives the cancellation.
func (s *GitHubActions) Terminate(ctx context.Context, e domain.Execution) error {
	cancel := domain.CancelExecutionEvent{
		TenantID:    e.TenantID,
		JitEventID:  e.JitEventID,
		ExecutionID: e.ExecutionID,
		RunID:       e.RunID,
		Vendor:      e.Vendor,
	}
	if err := s.publisher.Publish(ctx, domain.TopicExecution, domain.DetailCancelExecution, cancel); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	fetch := domain.FetchLogsEvent{
		TenantID:    e.TenantID,
		JitEventID:  e.JitEventID,
		ExecutionID: e.ExecutionID,
		RunID:       e.RunID,
		Vendor:      e.Vendor,
	}
	if err := s.publisher.Publish(ctx, domain.TopicExecution, domain.DetailFetchLogs, fetch); err != nil {
		return fmt.Errorf("publish fetch logs: %w", err)
	}
	return nil
}

func (s *GitHubActions) CanTerminate(e domain.Execution) bool { return e.CanTerminate() }

func (s *GitHubActions) GetFailureReason(ctx context.Context, e domain.Execution) (string, bool) {
	reason, err := s.client.RunFailureReason(ctx, e)
	if err != nil || reason == "" {
		return "", false
	}
	return reason, true
}

func (s *GitHubActions) LogsURL(e domain.Execution) string {
	if e.Asset.Owner == "" || e.Asset.Name == "" || e.RunID == "" {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/%s/actions/runs/%s", e.Asset.Owner, e.Asset.Name, e.RunID)
}

func (s *GitHubActions) DefaultDispatchedTimeout() time.Duration { return githubDispatchedTimeout }
func (s *GitHubActions) DefaultRunningTimeout() time.Duration    { return githubRunningTimeout }
