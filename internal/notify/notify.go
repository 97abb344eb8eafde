// Package notify routes operator notifications to environment-scoped
// channels. Misconfiguration by the tenant and genuine control failures go
// to different audiences.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/platform/ratelimit"
)

func UserMisconfigChannel(env string) string {
	return fmt.Sprintf("%s-user-misconfig", env)
}

func ResourceExpiredChannel(env string) string {
	return fmt.Sprintf("%s-resource-expired-errors", env)
}

func ControlErrorsChannel(env string) string {
	return fmt.Sprintf("%s-control-errors", env)
}

// knownUserErrorReasons are vendor failure reasons caused by tenant
// configuration, not by the platform.
var knownUserErrorReasons = []string{
	"workflow not found",
	"workflow file not found",
	"repository is archived",
	"repository not found",
	"resource not accessible by integration",
	"branch not found",
}

// IsUserErrorReason reports whether a vendor failure reason points at tenant
// configuration.
func IsUserErrorReason(reason string) bool {
	reason = strings.ToLower(reason)
	for _, known := range knownUserErrorReasons {
		if strings.Contains(reason, known) {
			return true
		}
	}
	return false
}

// ChannelForTimeout picks the channel for a watchdog post-mortem.
func ChannelForTimeout(env string, e domain.Execution, vendorReason string) string {
	if e.HasUserInputError() || IsUserErrorReason(vendorReason) {
		return UserMisconfigChannel(env)
	}
	return ResourceExpiredChannel(env)
}

type publisher interface {
	Publish(ctx context.Context, topic, detailType string, detail any) error
}

// Notifier publishes operator notifications, rate limited per hour so a
// stuck tenant cannot flood the channel.
type Notifier struct {
	logger    *slog.Logger
	publisher publisher
	limiter   *ratelimit.HourlyLimiter
}

func NewNotifier(logger *slog.Logger, pub publisher, limiter *ratelimit.HourlyLimiter) (*Notifier, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger, publisher: pub, limiter: limiter}, nil
}

// Notify publishes one notification. A rate-limited notification is logged
// and dropped; notification loss must never fail the caller's pipeline.
func (n *Notifier) Notify(ctx context.Context, notification domain.OperatorNotification) {
	if n == nil || n.publisher == nil {
		return
	}
	if !n.limiter.Allow() {
		n.logger.Warn("operator notification rate limited",
			"channel", notification.Channel,
			"title", notification.Title,
		)
		return
	}
	if err := n.publisher.Publish(ctx, domain.TopicNotifications, domain.DetailOperatorNotification, notification); err != nil {
		n.logger.Error("operator notification failed",
			"channel", notification.Channel,
			"title", notification.Title,
			"error", err,
		)
	}
}
