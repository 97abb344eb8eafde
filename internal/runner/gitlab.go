package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
)

const (
	gitlabDispatchedTimeout = 10 * time.Minute
	gitlabRunningTimeout    = 30 * time.Minute
)

// PipelineClient triggers GitLab pipelines. One pipeline runs the whole
// batch as parallel jobs.
type PipelineClient interface {
	TriggerPipeline(ctx context.Context, events []domain.DispatchExecutionEvent) (pipelineID string, err error)
	CancelPipeline(ctx context.Context, e domain.Execution) error
	PipelineFailureReason(ctx context.Context, e domain.Execution) (string, error)
}

// GitLab dispatches a batch as one pipeline; the pipeline id becomes every
// execution's run id.
type GitLab struct {
	client PipelineClient
}

func NewGitLab(client PipelineClient) (*GitLab, error) {
	if client == nil {
		return nil, errors.New("pipeline client is required")
	}
	return &GitLab{client: client}, nil
}

func (s *GitLab) Kind() domain.Runner { return domain.RunnerGitlab }

func (s *GitLab) Dispatch(ctx context.Context, events []domain.DispatchExecutionEvent) ([]DispatchResult, error) {
	if len(events) == 0 {
		return nil, nil
	}
	pipelineID, err := s.client.TriggerPipeline(ctx, events)
	if err != nil {
		return nil, &domain.DispatchError{Runner: domain.RunnerGitlab, Err: err}
	}
	results := make([]DispatchResult, len(events))
	for i, event := range events {
		results[i] = DispatchResult{Identifiers: event.Execution.Identifiers(), RunID: pipelineID}
	}
	return results, nil
}

func (s *GitLab) Terminate(ctx context.Context, e domain.Execution) error {
	if err := s.client.CancelPipeline(ctx, e); err != nil {
		return fmt.Errorf("cancel pipeline %s: %w", e.RunID, err)
	}
	return nil
}

func (s *GitLab) CanTerminate(e domain.Execution) bool { return e.CanTerminate() }

func (s *GitLab) GetFailureReason(ctx context.Context, e domain.Execution) (string, bool) {
	reason, err := s.client.PipelineFailureReason(ctx, e)
	if err != nil || reason == "" {
		return "", false
	}
	return reason, true
}

func (s *GitLab) LogsURL(e domain.Execution) string {
	if e.Asset.BaseURL == "" || e.RunID == "" {
		return ""
	}
	return fmt.Sprintf("%s/-/pipelines/%s", e.Asset.BaseURL, e.RunID)
}

func (s *GitLab) DefaultDispatchedTimeout() time.Duration { return gitlabDispatchedTimeout }
func (s *GitLab) DefaultRunningTimeout() time.Duration    { return gitlabRunningTimeout }
