/*
Package notify delivers loyalty engine events to the outside world.

PURPOSE:
  The engine emits loyalty.Event values fire-and-forget. This package
  provides the sinks: a RabbitMQ topic-exchange publisher, a structured log
  sink, and Multi to fan out to several at once.

ROUTING:
  Events are published with the event type as routing key, so consumers
  can bind on patterns such as "loyalty.redemption_*" or "loyalty.#".
  The tenant travels in the "tenant" message header.
*/
package notify

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/warp/loyalty-engine/loyalty"
)

// DefaultExchange is used when no exchange name is configured.
const DefaultExchange = "loyalty.events"

// publisher is the subset of *amqp.Channel used for sending.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes events to a RabbitMQ topic exchange.
type AMQPNotifier struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	pub      publisher
	exchange string
	log      zerolog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", errors.Wrap(err, "parse AMQP URL")
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQP dials the broker and declares the exchange once up front.
func NewAMQP(amqpURL, exchange string, log zerolog.Logger) (*AMQPNotifier, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial AMQP broker")
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open AMQP channel")
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}

	return &AMQPNotifier{
		conn:     conn,
		channel:  channel,
		pub:      channel,
		exchange: exchange,
		log:      log.With().Str("component", "amqp-notifier").Logger(),
	}, nil
}

// Notify publishes e as JSON. The routing key is the event type.
func (n *AMQPNotifier) Notify(ctx context.Context, e loyalty.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = n.pub.PublishWithContext(ctx,
		n.exchange,     // exchange
		string(e.Type), // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.At,
			Type:         string(e.Type),
			Headers:      amqp.Table{"tenant": e.Tenant},
			Body:         body,
		})
	if err != nil {
		return errors.Wrapf(err, "publish %s", e.Type)
	}

	n.log.Debug().Str("exchange", n.exchange).Str("routing_key", string(e.Type)).Msg("event published")
	return nil
}

// Close gracefully closes the channel and connection.
func (n *AMQPNotifier) Close() {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		n.conn.Close()
	}
}
