package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/notify"
	"github.com/scanplane-labs/scanplane-go/internal/repo"
)

// failureKeyTTL bounds how long a processed enrichment failure blocks its
// redeliveries.
const failureKeyTTL = 24 * time.Hour

// EnrichmentFailure reports an enrichment pipeline failure upstream of
// execution creation.
type EnrichmentFailure struct {
	EventID      string        `json:"event_id"`
	TenantID     string        `json:"tenant_id"`
	JitEventID   string        `json:"jit_event_id"`
	JitEventName string        `json:"jit_event_name,omitempty"`
	Cause        string        `json:"cause"`
	Status       domain.Status `json:"status,omitempty"`
	CodeRelated  bool          `json:"code_related,omitempty"`
}

// FailureHandler processes enrichment failures: operator notification,
// internal-failure propagation for code-related events, and lifecycle
// accounting. Idempotent per upstream event id.
type FailureHandler struct {
	logger      *slog.Logger
	lifecycles  repo.LifecycleRepository
	idempotency repo.IdempotencyRepository
	publisher   publisher
	notifier    *notify.Notifier
	env         string
}

func NewFailureHandler(
	logger *slog.Logger,
	lifecycles repo.LifecycleRepository,
	idempotency repo.IdempotencyRepository,
	pub publisher,
	notifier *notify.Notifier,
	env string,
) (*FailureHandler, error) {
	if lifecycles == nil || idempotency == nil {
		return nil, errors.New("repositories are required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureHandler{
		logger:      logger,
		lifecycles:  lifecycles,
		idempotency: idempotency,
		publisher:   pub,
		notifier:    notifier,
		env:         env,
	}, nil
}

// Handle processes one enrichment failure.
func (h *FailureHandler) Handle(ctx context.Context, failure EnrichmentFailure) error {
	if strings.TrimSpace(failure.EventID) == "" {
		return &domain.ValidationError{Field: "event_id", Reason: "required"}
	}

	fresh, err := h.idempotency.PutIfAbsent(ctx, "enrichment-failure/"+failure.EventID, failureKeyTTL)
	if err != nil {
		return fmt.Errorf("claim failure event: %w", err)
	}
	if !fresh {
		return nil
	}

	// A watchdog timeout already produced its own post-mortem; a second
	// notification for the same incident is noise.
	if failure.Status != domain.StatusWatchdogTimeout {
		h.notifier.Notify(ctx, domain.OperatorNotification{
			Channel:    notify.ControlErrorsChannel(h.env),
			Title:      fmt.Sprintf("enrichment failed for jit event %s", failure.JitEventID),
			Body:       failure.Cause,
			TenantID:   failure.TenantID,
			JitEventID: failure.JitEventID,
		})
		if failure.CodeRelated {
			event := domain.InternalFailureEvent{
				TenantID:     failure.TenantID,
				JitEventID:   failure.JitEventID,
				JitEventName: failure.JitEventName,
				Cause:        failure.Cause,
			}
			if err := h.publisher.Publish(ctx, domain.TopicInternalFailure, domain.DetailCodeInternalFailure, event); err != nil {
				return fmt.Errorf("publish internal failure: %w", err)
			}
		}
	}

	remaining, err := h.lifecycles.DecrementRemainingAssets(ctx, failure.TenantID, failure.JitEventID)
	if errors.Is(err, domain.ErrDataNotFound) {
		h.logger.Warn("no lifecycle row for failed jit event", "jit_event_id", failure.JitEventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("decrement remaining assets: %w", err)
	}
	if remaining == 0 {
		event := domain.LifeCycleEvent{
			TenantID:   failure.TenantID,
			JitEventID: failure.JitEventID,
			Phase:      domain.DetailLifeCycleCompleted,
		}
		if err := h.publisher.Publish(ctx, domain.TopicJitEventLifeCycle, domain.DetailLifeCycleCompleted, event); err != nil {
			return fmt.Errorf("publish lifecycle completed: %w", err)
		}
	}
	return nil
}
