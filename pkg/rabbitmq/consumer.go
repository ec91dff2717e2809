package rabbitmq

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one message body. Returning false re-queues the message.
type Handler func(body []byte) bool

// Consumer reads messages from a queue bound to a topic exchange.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

// NewConsumer dials RabbitMQ and opens a consuming channel.
func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger}, nil
}

// ConsumeWithBindings declares the exchange and queue, binds every routing
// key and dispatches deliveries to the matching handler in a goroutine.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			dispatch(c.logger, handlers, d)
		}
		c.logger.Warn("rabbitmq delivery channel closed", "queue", q.Name)
	}()
	return nil
}

// acknowledger is the subset of amqp.Delivery used for settling a message.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type delivery struct {
	acknowledger
	routingKey string
	body       []byte
}

func dispatch(logger *slog.Logger, handlers map[string]Handler, d amqp.Delivery) {
	settle(logger, handlers, delivery{acknowledger: &d, routingKey: d.RoutingKey, body: d.Body})
}

func settle(logger *slog.Logger, handlers map[string]Handler, d delivery) {
	handler, ok := handlers[d.routingKey]
	if !ok {
		logger.Warn("no handler for routing key; dropping message", "routing_key", d.routingKey)
		d.Ack(false)
		return
	}
	if handler(d.body) {
		d.Ack(false)
		return
	}
	logger.Warn("handler failed; re-queuing message", "routing_key", d.routingKey)
	d.Nack(false, true)
}

// Close closes the channel and the connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
