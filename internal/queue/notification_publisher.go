package queue

import "context"

// NotificationPublisher emits side-channel notifications such as info packets.
type NotificationPublisher struct {
	publisher
}

// NewNotificationPublisher constructs a publisher for the notifications topic.
func NewNotificationPublisher(k *Kafka, topic string) *NotificationPublisher {
	return &NotificationPublisher{publisher{name: "notification publisher", writer: k.NewWriter(topic)}}
}

// PublishNotification emits a notification keyed by contact id.
func (p *NotificationPublisher) PublishNotification(ctx context.Context, msg NotificationMessage) error {
	return p.publish(ctx, msg.ContactID, msg)
}
