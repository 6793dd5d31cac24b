package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veilpay/veilpay/internal/domain/model"
)

// ActivityStream is the stream activity lifecycle events are published to.
// Downstream consumers (notification senders, analytics) tail it so the API
// process never blocks on them.
const ActivityStream = "veilpay:activity-events"

// ActivityEvent is one lifecycle transition of an activity.
type ActivityEvent struct {
	ActivityID string
	Type       model.ActivityType
	Status     model.ActivityStatus
	TxHash     string
	At         time.Time
}

// EventPublisher publishes activity lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event ActivityEvent) error
	Close() error
}

// StreamPublisher publishes events to a Redis stream via XADD.
type StreamPublisher struct {
	client *redis.Client
}

func NewStreamPublisher(url string) (*StreamPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &StreamPublisher{client: client}, nil
}

func (p *StreamPublisher) Publish(ctx context.Context, event ActivityEvent) error {
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: ActivityStream,
		Values: eventValues(event),
	}).Err(); err != nil {
		return fmt.Errorf("publish activity event: %w", err)
	}
	return nil
}

func (p *StreamPublisher) Close() error {
	return p.client.Close()
}

func eventValues(event ActivityEvent) map[string]any {
	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	values := map[string]any{
		"activity_id": event.ActivityID,
		"type":        string(event.Type),
		"status":      string(event.Status),
		"at":          at.Format(time.RFC3339Nano),
	}
	if event.TxHash != "" {
		values["tx_hash"] = event.TxHash
	}
	return values
}

// NoopPublisher drops events. Used when no Redis URL is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, ActivityEvent) error { return nil }
func (NoopPublisher) Close() error                                 { return nil }
