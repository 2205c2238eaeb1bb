package eventbus

import "context"

// Stream topics used across the service.
const (
	TopicWebhookEvents  = "webhook_events"
	TopicSecurityAlerts = "security_alerts"
	TopicReconciliation = "reconciliation_runs"
)

// EventBus defines the interface for asynchronous event communication
type EventBus interface {
	Publish(ctx context.Context, topic string, event interface{}) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error)
	Close() error
}

// EventHandler processes incoming events
type EventHandler func(ctx context.Context, event map[string]interface{}) error

// Subscription represents an event subscription
type Subscription interface {
	ID() string
	Topic() string
	Unsubscribe() error
}
