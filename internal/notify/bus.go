package notify

import (
	"context"
	"fmt"

	"go-agent-presence/internal/core"
	"go-agent-presence/internal/eventbus"
)

// BusSink publishes notifications on an eventbus under "<prefix>.<type>".
type BusSink struct {
	bus    eventbus.Bus
	prefix string
}

// NewBusSink wraps bus.
func NewBusSink(bus eventbus.Bus, prefix string) *BusSink {
	return &BusSink{bus: bus, prefix: prefix}
}

// Publish implements Sink.
func (s *BusSink) Publish(ctx context.Context, n core.Notification) error {
	topic := eventbus.Topic(s.prefix, n.Type)
	if err := s.bus.Publish(ctx, topic, n); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
