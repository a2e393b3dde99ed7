package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mattjoyce/backpost/internal/config"
	"github.com/mattjoyce/backpost/internal/log"
)

const publishTimeout = 5 * time.Second

// Publisher is the subset of *amqp.Channel the notifier needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes events as JSON to a topic exchange. The routing key
// is "<prefix>.<status>", so consumers can bind to e.g. "job.failed".
type AMQPNotifier struct {
	pub      Publisher
	exchange string
	prefix   string
	conn     *amqp.Connection
	ch       *amqp.Channel
	log      *slog.Logger
}

// DialAMQP connects, opens a channel and declares the durable topic exchange.
func DialAMQP(cfg config.NotifyConfig) (*AMQPNotifier, error) {
	conn, err := amqp.DialConfig(cfg.AMQPURL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", cfg.Exchange, err)
	}

	n := NewAMQPNotifier(ch, cfg.Exchange, cfg.RoutingKey)
	n.conn, n.ch = conn, ch
	n.log.Info("AMQP notifier ready", "exchange", cfg.Exchange, "routing_prefix", n.prefix)
	return n, nil
}

// NewAMQPNotifier wraps an already-configured publisher.
func NewAMQPNotifier(pub Publisher, exchange, prefix string) *AMQPNotifier {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "job"
	}
	return &AMQPNotifier{
		pub:      pub,
		exchange: exchange,
		prefix:   prefix,
		log:      log.WithComponent("notify"),
	}
}

// RoutingKey returns the key an event with status is published under.
func (n *AMQPNotifier) RoutingKey(status string) string {
	return n.prefix + "." + strings.ToLower(status)
}

func (n *AMQPNotifier) JobFinished(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	key := n.RoutingKey(ev.Status)
	err = n.pub.PublishWithContext(ctx,
		n.exchange, // exchange
		key,        // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			Body:          body,
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now(),
			MessageId:     ev.JobUUID,
			CorrelationId: ev.JobUUID,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	n.log.Debug("outcome published", "routing_key", key, "job_uuid", ev.JobUUID)
	return nil
}

// Close releases the channel and connection opened by DialAMQP.
func (n *AMQPNotifier) Close() error {
	if n.ch != nil {
		if err := n.ch.Close(); err != nil {
			n.log.Warn("failed to close AMQP channel", "error", err)
		}
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
