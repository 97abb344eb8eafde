package execution

import (
	"context"
	"log/slog"
	"testing"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/platform/stream"
)

func TestProjectorExecutionEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	projector, err := NewProjector(slog.Default(), "test", pub)
	if err != nil {
		t.Fatalf("new projector: %v", err)
	}

	e := pendingExecution("exec-1", testTime())
	if err := projector.HandleExecutionChange(context.Background(), changeRecord(t, stream.EventModify, e)); err != nil {
		t.Fatalf("handle execution change: %v", err)
	}

	updates := pub.byTopic(domain.TopicExecutionChanges)
	if len(updates) != 1 || updates[0].DetailType != domain.DetailExecutionUpdate {
		t.Fatalf("expected one execution-update envelope, got %+v", updates)
	}
	envelope := updates[0].Detail.(domain.MetricEnvelope)
	if envelope.Metadata.Env != "test" || envelope.Metadata.TenantID != "tenant-1" {
		t.Fatalf("unexpected metadata %+v", envelope.Metadata)
	}
	if envelope.Metadata.EventID != "executions-1" {
		t.Fatalf("expected event id derived from source and seq, got %s", envelope.Metadata.EventID)
	}
	if envelope.Data.ExecutionID != "exec-1" || envelope.Data.Status != domain.StatusPending {
		t.Fatalf("unexpected data %+v", envelope.Data)
	}
}

func TestProjectorSplitsResourceRecords(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	projector, err := NewProjector(slog.Default(), "test", pub)
	if err != nil {
		t.Fatalf("new projector: %v", err)
	}

	counter := domain.NewResource("tenant-1", domain.ResourceGithubActions, testTime())
	counter.ResourcesInUse = 3
	counterImage, err := stream.EncodeImage(counter)
	if err != nil {
		t.Fatalf("encode counter image: %v", err)
	}
	record := stream.Record{Seq: 1, Source: stream.SourceResources, EventName: stream.EventModify, NewImage: counterImage}
	if err := projector.HandleResourceChange(ctx, record); err != nil {
		t.Fatalf("handle counter change: %v", err)
	}

	allocation := domain.ResourceInUse{
		TenantID:     "tenant-1",
		ResourceType: domain.ResourceGithubActions,
		JitEventID:   "jit-1",
		ExecutionID:  "exec-1",
		CreatedAt:    testTime(),
	}
	allocationImage, err := stream.EncodeImage(allocation)
	if err != nil {
		t.Fatalf("encode allocation image: %v", err)
	}
	record = stream.Record{Seq: 2, Source: stream.SourceResources, EventName: stream.EventInsert, NewImage: allocationImage}
	if err := projector.HandleResourceChange(ctx, record); err != nil {
		t.Fatalf("handle allocation change: %v", err)
	}

	changes := pub.byTopic(domain.TopicResourceChanges)
	if len(changes) != 2 {
		t.Fatalf("expected two envelopes, got %d", len(changes))
	}
	if changes[0].DetailType != domain.DetailResourceCounter {
		t.Fatalf("expected counter detail first, got %s", changes[0].DetailType)
	}
	counterEnvelope := changes[0].Detail.(domain.MetricEnvelope)
	if counterEnvelope.Data.ResourcesInUse == nil || *counterEnvelope.Data.ResourcesInUse != 3 {
		t.Fatalf("unexpected counter data %+v", counterEnvelope.Data)
	}
	if changes[1].DetailType != domain.DetailResourceInUse {
		t.Fatalf("expected allocation detail second, got %s", changes[1].DetailType)
	}
	allocationEnvelope := changes[1].Detail.(domain.MetricEnvelope)
	if allocationEnvelope.Data.StatusDetails != string(stream.EventInsert) {
		t.Fatalf("expected event name carried as status details, got %s", allocationEnvelope.Data.StatusDetails)
	}
}
