package notify

import (
	"context"
	"fmt"
	"log/slog"

	"go-agent-presence/internal/eventbus"
)

// Relay forwards every notification published on the bus under a prefix
// into a local sink. With a Relay feeding the hub, each presenced instance
// delivers what any instance publishes.
type Relay struct {
	bus     eventbus.Bus
	pattern string
	sink    Sink
	logger  *slog.Logger
	done    chan struct{}
}

// NewRelay creates a Relay for topics "<prefix>.*".
func NewRelay(bus eventbus.Bus, prefix string, sink Sink, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	pattern := "*"
	if prefix != "" {
		pattern = prefix + ".*"
	}
	return &Relay{bus: bus, pattern: pattern, sink: sink, logger: logger}
}

// Start subscribes and begins forwarding. It returns once the subscription
// is confirmed, so nothing published after Start is missed.
func (r *Relay) Start(ctx context.Context) error {
	ch, err := r.bus.SubscribePattern(ctx, r.pattern)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.pattern, err)
	}
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for n := range ch {
			if err := r.sink.Publish(ctx, n); err != nil {
				r.logger.Warn("relay delivery failed", "type", n.Type, "agent_id", n.AgentID(), "error", err)
			}
		}
	}()
	r.logger.Info("notification relay started", "pattern", r.pattern)
	return nil
}

// Stop unsubscribes and waits for the forwarding loop to drain.
func (r *Relay) Stop(ctx context.Context) error {
	err := r.bus.Unsubscribe(ctx, r.pattern)
	if r.done != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
