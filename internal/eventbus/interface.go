package eventbus

import (
	"context"

	"go-agent-presence/internal/core"
)

// Bus defines publish/subscribe semantics for agent notifications.
// Subscriptions are by pattern and are released with Unsubscribe, passing
// the same pattern.
type Bus interface {
	Publish(ctx context.Context, topic string, n core.Notification) error
	SubscribePattern(ctx context.Context, pattern string) (<-chan core.Notification, error)
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// Topic returns the channel a notification is published on: the prefix
// joined with the notification type, e.g. "presence.agent_appeared".
func Topic(prefix string, t core.NotificationType) string {
	if prefix == "" {
		return string(t)
	}
	return prefix + "." + string(t)
}
