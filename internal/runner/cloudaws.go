package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/platform/tokencrypt"
)

const (
	cloudDispatchedTimeout = 10 * time.Minute
	cloudRunningTimeout    = 60 * time.Minute
)

// AWSBatchClient submits and controls batch jobs in the AWS deployment.
type AWSBatchClient interface {
	SubmitJob(ctx context.Context, event domain.DispatchExecutionEvent) (jobID string, err error)
	TerminateJob(ctx context.Context, jobID, reason string) error
	JobFailureReason(ctx context.Context, jobID string) (string, error)
}

// CloudAWS runs controls as batch jobs in our own AWS account. The callback
// token travels inside the job definition, so it is sealed with the task
// key before submission.
type CloudAWS struct {
	client AWSBatchClient
	sealer *tokencrypt.Sealer
}

func NewCloudAWS(client AWSBatchClient, sealer *tokencrypt.Sealer) (*CloudAWS, error) {
	if client == nil {
		return nil, errors.New("batch client is required")
	}
	if sealer == nil {
		return nil, errors.New("sealer is required")
	}
	return &CloudAWS{client: client, sealer: sealer}, nil
}

func (s *CloudAWS) Kind() domain.Runner { return domain.RunnerJit }

func (s *CloudAWS) Dispatch(ctx context.Context, events []domain.DispatchExecutionEvent) ([]DispatchResult, error) {
	results := make([]DispatchResult, 0, len(events))
	for _, event := range events {
		sealed, err := s.sealer.Seal(event.CallbackToken)
		if err != nil {
			return nil, &domain.DispatchError{Runner: domain.RunnerJit, Err: fmt.Errorf("seal callback token: %w", err)}
		}
		event.CallbackToken = sealed
		jobID, err := s.client.SubmitJob(ctx, event)
		if err != nil {
			return nil, &domain.DispatchError{Runner: domain.RunnerJit, Err: err}
		}
		results = append(results, DispatchResult{Identifiers: event.Execution.Identifiers(), RunID: jobID})
	}
	return results, nil
}

func (s *CloudAWS) Terminate(ctx context.Context, e domain.Execution) error {
	if err := s.client.TerminateJob(ctx, e.RunID, "terminated by execution watchdog"); err != nil {
		return fmt.Errorf("terminate job %s: %w", e.RunID, err)
	}
	return nil
}

func (s *CloudAWS) CanTerminate(e domain.Execution) bool { return e.CanTerminate() }

func (s *CloudAWS) GetFailureReason(ctx context.Context, e domain.Execution) (string, bool) {
	if e.RunID == "" {
		return "", false
	}
	reason, err := s.client.JobFailureReason(ctx, e.RunID)
	if err != nil || reason == "" {
		return "", false
	}
	return reason, true
}

func (s *CloudAWS) LogsURL(e domain.Execution) string {
	if e.RunID == "" {
		return ""
	}
	return fmt.Sprintf("https://console.aws.amazon.com/batch/home#jobs/detail/%s", e.RunID)
}

func (s *CloudAWS) DefaultDispatchedTimeout() time.Duration { return cloudDispatchedTimeout }
func (s *CloudAWS) DefaultRunningTimeout() time.Duration    { return cloudRunningTimeout }
