package stream

import (
	"testing"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
)

func TestEncodeImageTypes(t *testing.T) {
	entity := map[string]any{
		"tenant_id": "tenant-1",
		"priority":  1,
		"active":    true,
		"asset":     map[string]any{"name": "repo-a"},
		"items":     []any{"a", "b"},
	}
	image, err := EncodeImage(entity)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if image["tenant_id"].S == nil || *image["tenant_id"].S != "tenant-1" {
		t.Fatalf("expected string attribute, got %+v", image["tenant_id"])
	}
	if image["priority"].N == nil || *image["priority"].N != "1" {
		t.Fatalf("expected number-as-string attribute, got %+v", image["priority"])
	}
	if image["active"].BOOL == nil || !*image["active"].BOOL {
		t.Fatalf("expected bool attribute, got %+v", image["active"])
	}
	nested, ok := image["asset"].M["name"]
	if !ok || nested.S == nil || *nested.S != "repo-a" {
		t.Fatalf("expected nested map attribute, got %+v", image["asset"])
	}
	if len(image["items"].L) != 2 {
		t.Fatalf("expected list attribute, got %+v", image["items"])
	}
}

func TestExecutionImageRoundTrip(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	original := domain.Execution{
		TenantID:     "tenant-1",
		JitEventID:   "event-1",
		ExecutionID:  "exec-1",
		JobRunner:    domain.RunnerGithubActions,
		ResourceType: domain.ResourceCI,
		Priority:     domain.PriorityLow,
		Status:       domain.StatusPending,
		CreatedAt:    created,
		RetryCount:   2,
		Asset:        domain.Asset{Name: "repo-a", Owner: "org"},
		Errors:       []domain.ExecutionError{{Kind: domain.ErrorKindUserInput, Message: "bad input"}},
	}

	image, err := EncodeImage(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded domain.Execution
	if err := DecodeImage(image, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.TenantID != original.TenantID || decoded.ExecutionID != original.ExecutionID {
		t.Fatalf("identifier mismatch: %+v", decoded)
	}
	if decoded.Status != domain.StatusPending || decoded.JobRunner != domain.RunnerGithubActions {
		t.Fatalf("enum mismatch: %+v", decoded)
	}
	if decoded.RetryCount != 2 || decoded.Priority != domain.PriorityLow {
		t.Fatalf("numeric mismatch: %+v", decoded)
	}
	if !decoded.CreatedAt.Equal(created) {
		t.Fatalf("created_at mismatch: %v", decoded.CreatedAt)
	}
	if len(decoded.Errors) != 1 || decoded.Errors[0].Kind != domain.ErrorKindUserInput {
		t.Fatalf("errors mismatch: %+v", decoded.Errors)
	}
}

func TestDecodeValueNull(t *testing.T) {
	null := true
	if got := decodeValue(AttributeValue{NULL: &null}); got != nil {
		t.Fatalf("expected nil for NULL attribute, got %v", got)
	}
}
