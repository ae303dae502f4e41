package pubsub

import (
	"context"
	"encoding/json"

	"github.com/go-conductor/conductor/log"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AmqpEndpoint mirrors every envelope published on a Bus to an AMQP topic
// exchange, using the envelope's topic as the routing key. Delivery is
// fire-and-forget: publish errors are logged, never returned to publishers.
type AmqpEndpoint struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   log.Logger
}

func NewAmqpEndpoint(url, exchange string, logger log.Logger) (*AmqpEndpoint, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing amqp at %s", url)
	}

	channel, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "opening a channel")
	}

	if err := channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declaring exchange %s", exchange)
	}

	return &AmqpEndpoint{conn: conn, channel: channel, exchange: exchange, logger: logger}, nil
}

// Attach subscribes the endpoint to all envelopes of the bus
func (e *AmqpEndpoint) Attach(bus Bus) {
	bus.SubscribeAll(e.mirror)
}

func (e *AmqpEndpoint) mirror(ev Envelope) {
	body, err := json.Marshal(ev)
	if err != nil {
		e.logger.Logf(log.ErrorLevel, "serializing envelope %s of topic %s: %s", ev.UID, ev.Topic, err)
		return
	}

	if err := e.channel.PublishWithContext(
		context.Background(),
		e.exchange,
		ev.Topic,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   ev.UID,
			Timestamp:   ev.OccurredAt,
			Body:        body,
		},
	); err != nil {
		e.logger.Logf(log.ErrorLevel, "publishing envelope %s to exchange %s with key %s: %s", ev.UID, e.exchange, ev.Topic, err)
	}
}

func (e *AmqpEndpoint) Close() error {
	if err := e.channel.Close(); err != nil {
		return errors.Wrap(err, "closing amqp channel")
	}

	return errors.Wrap(e.conn.Close(), "closing amqp connection")
}
