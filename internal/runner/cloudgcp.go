package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/platform/objectstore"
	"github.com/scanplane-labs/scanplane-go/internal/platform/tokencrypt"
)

// GCPBatchClient submits and controls batch jobs in the GCP deployment.
// Deleting a job discards its logs, so termination drains them first.
type GCPBatchClient interface {
	SubmitJob(ctx context.Context, event domain.DispatchExecutionEvent) (jobID string, err error)
	DeleteJob(ctx context.Context, jobID string) error
	JobFailureReason(ctx context.Context, jobID string) (string, error)
}

// JobLogsClient reads logs of one batch job.
type JobLogsClient interface {
	JobLogs(ctx context.Context, jobID string) ([]byte, error)
}

// CloudGCP mirrors CloudAWS on GCP batch. Termination archives the job's
// logs to the object store before deleting the job.
type CloudGCP struct {
	logger  *slog.Logger
	client  GCPBatchClient
	logs    JobLogsClient
	archive *objectstore.Store
	sealer  *tokencrypt.Sealer
}

func NewCloudGCP(logger *slog.Logger, client GCPBatchClient, logs JobLogsClient, archive *objectstore.Store, sealer *tokencrypt.Sealer) (*CloudGCP, error) {
	if client == nil {
		return nil, errors.New("batch client is required")
	}
	if logs == nil {
		return nil, errors.New("logs client is required")
	}
	if archive == nil {
		return nil, errors.New("archive store is required")
	}
	if sealer == nil {
		return nil, errors.New("sealer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudGCP{logger: logger, client: client, logs: logs, archive: archive, sealer: sealer}, nil
}

func (s *CloudGCP) Kind() domain.Runner { return domain.RunnerGCP }

func (s *CloudGCP) Dispatch(ctx context.Context, events []domain.DispatchExecutionEvent) ([]DispatchResult, error) {
	results := make([]DispatchResult, 0, len(events))
	for _, event := range events {
		sealed, err := s.sealer.Seal(event.CallbackToken)
		if err != nil {
			return nil, &domain.DispatchError{Runner: domain.RunnerGCP, Err: fmt.Errorf("seal callback token: %w", err)}
		}
		event.CallbackToken = sealed
		jobID, err := s.client.SubmitJob(ctx, event)
		if err != nil {
			return nil, &domain.DispatchError{Runner: domain.RunnerGCP, Err: err}
		}
		results = append(results, DispatchResult{Identifiers: event.Execution.Identifiers(), RunID: jobID})
	}
	return results, nil
}

func (s *CloudGCP) Terminate(ctx context.Context, e domain.Execution) error {
	logs, err := s.logs.JobLogs(ctx, e.RunID)
	if err != nil {
		// Keep going: a job we cannot read logs for still has to be stopped.
		s.logger.Warn("fetch job logs failed", "run_id", e.RunID, "error", err)
	} else if len(logs) > 0 {
		if err := s.archive.ArchiveLog(ctx, e.TenantID, e.JitEventID, e.ExecutionID, logs); err != nil {
			s.logger.Warn("archive job logs failed", "run_id", e.RunID, "error", err)
		}
	}
	if err := s.client.DeleteJob(ctx, e.RunID); err != nil {
		return fmt.Errorf("delete job %s: %w", e.RunID, err)
	}
	return nil
}

func (s *CloudGCP) CanTerminate(e domain.Execution) bool { return e.CanTerminate() }

func (s *CloudGCP) GetFailureReason(ctx context.Context, e domain.Execution) (string, bool) {
	if e.RunID == "" {
		return "", false
	}
	reason, err := s.client.JobFailureReason(ctx, e.RunID)
	if err != nil || reason == "" {
		return "", false
	}
	return reason, true
}

func (s *CloudGCP) LogsURL(e domain.Execution) string {
	if e.RunID == "" {
		return ""
	}
	return fmt.Sprintf("https://console.cloud.google.com/batch/jobsDetail/%s", e.RunID)
}

func (s *CloudGCP) DefaultDispatchedTimeout() time.Duration { return cloudDispatchedTimeout }
func (s *CloudGCP) DefaultRunningTimeout() time.Duration    { return cloudRunningTimeout }
