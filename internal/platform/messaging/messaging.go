// Package messaging publishes JSON events to a broker. Redis pub/sub and
// RabbitMQ are supported.
package messaging

import (
	"context"
	"errors"
)

// ErrNoSubscribers is returned when a broker accepted a message that no
// consumer could receive.
var ErrNoSubscribers = errors.New("no subscribers")

// Publisher sends one message body to a topic. For Redis the topic is the
// channel; for AMQP it is the routing key on the configured exchange.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Close() error
}
