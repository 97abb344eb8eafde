package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/platform/stream"
)

// Projector turns store change records into typed metric envelopes for the
// analytics pipeline.
type Projector struct {
	logger    *slog.Logger
	env       string
	publisher publisher
}

func NewProjector(logger *slog.Logger, env string, pub publisher) (*Projector, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if strings.TrimSpace(env) == "" {
		return nil, errors.New("env is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{logger: logger, env: env, publisher: pub}, nil
}

// HandleExecutionChange projects one execution change record.
func (p *Projector) HandleExecutionChange(ctx context.Context, record stream.Record) error {
	var e domain.Execution
	if err := stream.DecodeImage(record.NewImage, &e); err != nil {
		return fmt.Errorf("decode execution image: %w", err)
	}

	envelope := domain.MetricEnvelope{
		Metadata: domain.MetricMetadata{
			Env:          p.env,
			TenantID:     e.TenantID,
			EventID:      recordEventID(record),
			EventName:    e.JitEventName,
			PlanItem:     e.PlanItemSlug,
			Workflow:     e.WorkflowSlug,
			Job:          e.JobName,
			Control:      e.ControlName,
			Runner:       e.JobRunner,
			ResourceType: e.ResourceType,
			Asset:        e.Asset.Name,
			Vendor:       e.Vendor,
			Priority:     e.Priority,
		},
		Data: domain.MetricData{
			ExecutionID:  e.ExecutionID,
			CreatedAt:    e.CreatedAt,
			DispatchedAt: e.DispatchedAt,
			RegisteredAt: e.RegisteredAt,
			CompletedAt:  e.CompletedAt,
			RunID:        e.RunID,
			Status:       e.Status,
			HasFindings:  e.HasFindings,
			ErrorBody:    e.ErrorBody,
		},
	}
	if err := p.publisher.Publish(ctx, domain.TopicExecutionChanges, domain.DetailExecutionUpdate, envelope); err != nil {
		return fmt.Errorf("publish execution metric: %w", err)
	}
	return nil
}

// HandleResourceChange projects one resource change record. Counter rows
// carry a ceiling; allocation rows carry an execution id.
func (p *Projector) HandleResourceChange(ctx context.Context, record stream.Record) error {
	if _, isCounter := record.NewImage["max_resources_in_use"]; isCounter {
		var r domain.Resource
		if err := stream.DecodeImage(record.NewImage, &r); err != nil {
			return fmt.Errorf("decode resource image: %w", err)
		}
		inUse := r.ResourcesInUse
		ceiling := r.MaxResourcesInUse
		envelope := domain.MetricEnvelope{
			Metadata: domain.MetricMetadata{
				Env:          p.env,
				TenantID:     r.TenantID,
				EventID:      recordEventID(record),
				ResourceType: r.ResourceType,
			},
			Data: domain.MetricData{
				ResourcesInUse:    &inUse,
				MaxResourcesInUse: &ceiling,
			},
		}
		if err := p.publisher.Publish(ctx, domain.TopicResourceChanges, domain.DetailResourceCounter, envelope); err != nil {
			return fmt.Errorf("publish counter metric: %w", err)
		}
		return nil
	}

	var r domain.ResourceInUse
	if err := stream.DecodeImage(record.NewImage, &r); err != nil {
		return fmt.Errorf("decode allocation image: %w", err)
	}
	envelope := domain.MetricEnvelope{
		Metadata: domain.MetricMetadata{
			Env:          p.env,
			TenantID:     r.TenantID,
			EventID:      recordEventID(record),
			ResourceType: r.ResourceType,
		},
		Data: domain.MetricData{
			ExecutionID:   r.ExecutionID,
			CreatedAt:     r.CreatedAt,
			StatusDetails: string(record.EventName),
		},
	}
	if err := p.publisher.Publish(ctx, domain.TopicResourceChanges, domain.DetailResourceInUse, envelope); err != nil {
		return fmt.Errorf("publish allocation metric: %w", err)
	}
	return nil
}

func recordEventID(record stream.Record) string {
	return fmt.Sprintf("%s-%d", record.Source, record.Seq)
}
