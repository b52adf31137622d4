package notify

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"rostercore/pkg/domain"
)

// AMQPDispatcher publishes notifications to a durable queue. A delivery agent
// on the other side of the broker renders templates and performs the
// channel-specific send, so process restarts never lose accepted messages.
type AMQPDispatcher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// DialAMQP connects to the broker and declares the durable notification
// queue. Declaration is idempotent across publisher and consumer restarts.
func DialAMQP(url, queue string) (*AMQPDispatcher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, domain.ErrUpstreamUnavailable{Op: "dial notification broker", Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, domain.ErrUpstreamUnavailable{Op: "open notification channel", Err: err}
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, domain.ErrUpstreamUnavailable{Op: "declare notification queue", Err: err}
	}
	return &AMQPDispatcher{conn: conn, ch: ch, queue: queue}, nil
}

// Send publishes the notification as a persistent JSON message.
func (d *AMQPDispatcher) Send(ctx context.Context, n Notification) error {
	if err := n.validate(); err != nil {
		return err
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	err = d.ch.PublishWithContext(
		ctx,
		"",      // exchange
		d.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return domain.ErrUpstreamUnavailable{Op: "publish notification", Err: err}
	}
	return nil
}

// Close releases the channel and connection.
func (d *AMQPDispatcher) Close() error {
	if err := d.ch.Close(); err != nil {
		d.conn.Close()
		return err
	}
	return d.conn.Close()
}
