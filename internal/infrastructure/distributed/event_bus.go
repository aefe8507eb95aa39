package distributed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
)

// Envelope is a stream event routed between signal server instances.
type Envelope struct {
	Origin    string             `json:"origin"`
	SessionID domain.SessionID   `json:"session_id"`
	Event     domain.StreamEvent `json:"event"`
	// End closes every local subscription of the session.
	End bool `json:"end,omitempty"`
}

// EventBus fans signaling out to every signal server instance over Redis
// pub/sub. Each session has its own channel; instances subscribe with a pattern.
type EventBus struct {
	client     *redis.Client
	instanceID string
	prefix     string
	logger     *zap.SugaredLogger
}

func NewEventBus(client *redis.Client, instanceID, prefix string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		prefix:     prefix + "signal:",
		logger:     logger.With("component", "event_bus"),
	}
}

func (eb *EventBus) InstanceID() string { return eb.instanceID }

// Publish sends env to the session channel.
func (eb *EventBus) Publish(ctx context.Context, env Envelope) error {
	env.Origin = eb.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.prefix+string(env.SessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	eb.logger.Debugw("published envelope", "session_id", env.SessionID, "type", env.Event.Type)
	return nil
}

// Run delivers envelopes from other instances to handler until ctx is done.
func (eb *EventBus) Run(ctx context.Context, handler func(Envelope)) error {
	pubsub := eb.client.PSubscribe(ctx, eb.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	eb.logger.Infow("event bus subscribed", "instance_id", eb.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				eb.logger.Warnw("failed to unmarshal envelope", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Origin == eb.instanceID {
				continue
			}
			handler(env)
		}
	}
}
