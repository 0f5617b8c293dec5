package queue

import "context"

// StatusPublisher publishes call status events.
type StatusPublisher struct {
	publisher
}

// NewStatusPublisher constructs a status publisher for the given topic.
func NewStatusPublisher(k *Kafka, topic string) *StatusPublisher {
	return &StatusPublisher{publisher{name: "status publisher", writer: k.NewWriter(topic)}}
}

// PublishStatus emits a status message keyed by call id.
func (p *StatusPublisher) PublishStatus(ctx context.Context, msg StatusMessage) error {
	return p.publish(ctx, msg.CallID, msg)
}
