// Package notify publishes a brief event to an external Redis channel
// whenever the Collector completes a snapshot, letting a dashboard or
// alerting sidecar react without polling statsrepo.snapshot. It is
// entirely optional: an agent configured without notify.redis_addr
// never imports this package's behavior.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher publishes JSON-encoded events on a single Redis channel.
// It satisfies collector.Notifier.
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// New builds a Publisher against addr (host:port); client construction
// never dials, so a Redis outage at startup does not block the agent.
func New(addr, channel string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		logger:  logger,
	}
}

// event is the wire shape published on the channel.
type event struct {
	Event     string         `json:"event"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publish fires and forgets: a publish failure (Redis down, channel
// full of subscribers that never ack) is logged at Warn and otherwise
// ignored, since notify is best-effort by design.
func (p *Publisher) Publish(ctx context.Context, evt string, fields map[string]any) {
	payload, err := json.Marshal(event{Event: evt, Fields: fields, Timestamp: time.Now()})
	if err != nil {
		p.logger.Warn("notify: failed to encode event", "event", evt, "error", err)
		return
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Warn("notify: failed to publish event", "event", evt, "error", err)
	}
}

// Close releases the underlying Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
