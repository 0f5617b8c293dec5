package queue

import "context"

// CallDispatcher publishes call dispatch events to Kafka.
type CallDispatcher struct {
	publisher
}

// NewCallDispatcher constructs a dispatcher for the given topic.
func NewCallDispatcher(k *Kafka, topic string) *CallDispatcher {
	return &CallDispatcher{publisher{name: "call dispatcher", writer: k.NewWriter(topic)}}
}

// DispatchCall writes the dispatch message to Kafka.
func (d *CallDispatcher) DispatchCall(ctx context.Context, msg DispatchMessage) error {
	return d.publish(ctx, msg.IntentID, msg)
}
