package broker

import (
	"context"
	"time"
)

// Delivery is one consumed message. The broker guarantees at-least-once
// delivery and no ordering across jobs: consumers must tolerate redelivery.
type Delivery struct {
	ID            string
	Queue         string
	Body          []byte
	DeliveryCount int
}

// Broker is the message transport between dispatcher and workers. Queues are
// append/consume only; messages are opaque bytes.
type Broker interface {
	// Publish appends body to the named queue.
	Publish(ctx context.Context, queue string, body []byte) error

	// Consume claims the next available message from the named queue, or
	// returns (nil, nil) when the queue is empty. A claimed message that is
	// neither acked nor nacked before the claim TTL elapses becomes available
	// again.
	Consume(ctx context.Context, queue string) (*Delivery, error)

	// Ack removes a consumed message for good.
	Ack(ctx context.Context, d *Delivery) error

	// Nack returns a consumed message to the queue, available after delay.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error

	// Depth reports how many messages are waiting or claimed on the queue.
	Depth(ctx context.Context, queue string) (int, error)
}
