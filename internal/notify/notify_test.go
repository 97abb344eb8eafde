package notify

import (
	"context"
	"log/slog"
	"testing"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/platform/ratelimit"
)

type fakePublisher struct {
	published []domain.OperatorNotification
}

func (f *fakePublisher) Publish(ctx context.Context, topic, detailType string, detail any) error {
	f.published = append(f.published, detail.(domain.OperatorNotification))
	return nil
}

func TestChannelForTimeout(t *testing.T) {
	env := "prod"

	t.Run("user input error routes to misconfig", func(t *testing.T) {
		e := domain.Execution{Errors: []domain.ExecutionError{{Kind: domain.ErrorKindUserInput, Message: "bad workflow"}}}
		if got := ChannelForTimeout(env, e, ""); got != "prod-user-misconfig" {
			t.Fatalf("expected prod-user-misconfig, got %s", got)
		}
	})

	t.Run("known vendor reason routes to misconfig", func(t *testing.T) {
		if got := ChannelForTimeout(env, domain.Execution{}, "Workflow not found on default branch"); got != "prod-user-misconfig" {
			t.Fatalf("expected prod-user-misconfig, got %s", got)
		}
	})

	t.Run("everything else routes to resource expired", func(t *testing.T) {
		if got := ChannelForTimeout(env, domain.Execution{}, ""); got != "prod-resource-expired-errors" {
			t.Fatalf("expected prod-resource-expired-errors, got %s", got)
		}
	})
}

func TestNotifyRateLimitDropsQuietly(t *testing.T) {
	pub := &fakePublisher{}
	notifier, err := NewNotifier(slog.Default(), pub, ratelimit.NewHourlyLimiter(1))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	ctx := context.Background()

	notifier.Notify(ctx, domain.OperatorNotification{Channel: "prod-control-errors", Title: "first"})
	notifier.Notify(ctx, domain.OperatorNotification{Channel: "prod-control-errors", Title: "second"})

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 published notification, got %d", len(pub.published))
	}
	if pub.published[0].Title != "first" {
		t.Fatalf("expected first notification kept, got %s", pub.published[0].Title)
	}
}
