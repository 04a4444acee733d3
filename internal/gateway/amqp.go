package gateway

import (
	"context"
	"encoding/json"

	"github.com/streadway/amqp"
	"golang.org/x/time/rate"
)

// AMQPGateway publishes rendered messages to a durable broker queue that the
// provider-facing sender consumes. A token-bucket limiter caps the publish
// rate independently of the dispatcher's concurrency permits.
type AMQPGateway struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   amqp.Queue
	limiter *rate.Limiter
}

func NewAMQPGateway(url, queueName string, ratePerSec float64) (*AMQPGateway, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &AMQPGateway{
		conn:    conn,
		ch:      ch,
		queue:   q,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}, nil
}

func (g *AMQPGateway) Send(ctx context.Context, msg OutboundMessage) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return g.ch.Publish(
		"",
		g.queue.Name,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

func (g *AMQPGateway) Close() error {
	if err := g.ch.Close(); err != nil {
		g.conn.Close()
		return err
	}
	return g.conn.Close()
}
