package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "voicechat:events"

// Event is a room event stamped with the publishing instance.
type Event struct {
	domain.RoomEvent
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventBus publishes room events on a Redis channel so other processes
// can follow presence. Nothing is stored.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	now        func() time.Time
}

func NewEventBus(client redis.UniversalClient, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger.With("component", "event_bus"),
		now:        time.Now,
	}
}

func (eb *EventBus) encode(event domain.RoomEvent) ([]byte, error) {
	data, err := json.Marshal(Event{
		RoomEvent:  event,
		InstanceID: eb.instanceID,
		Timestamp:  eb.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// Publish implements ports.EventPublisher.
func (eb *EventBus) Publish(ctx context.Context, event domain.RoomEvent) error {
	data, err := eb.encode(event)
	if err != nil {
		return err
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room", event.Room,
		"username", event.Username,
	)
	return nil
}

// decode parses a channel payload. Events from this instance are skipped.
func (eb *EventBus) decode(payload string) (*Event, bool) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err, "payload", payload)
		return nil, false
	}
	if event.InstanceID == eb.instanceID {
		return nil, false
	}
	return &event, true
}

// Subscribe delivers events published by other instances until ctx ends.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, ok := eb.decode(msg.Payload)
			if !ok {
				continue
			}
			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event", "type", event.Type, "error", err)
			}
		}
	}
}

// Ping reports whether Redis is reachable.
func (eb *EventBus) Ping(ctx context.Context) error {
	return eb.client.Ping(ctx).Err()
}

func (eb *EventBus) Close() error {
	return eb.client.Close()
}

// NopPublisher drops every event. It stands in when Redis is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.RoomEvent) error { return nil }

var (
	_ ports.EventPublisher = (*EventBus)(nil)
	_ ports.EventPublisher = NopPublisher{}
)
