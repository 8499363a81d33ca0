package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/events"
)

// Dial retry parameters for the initial AMQP connection.
const (
	amqpDialAttempts = 5
	amqpDialDelay    = time.Second
	amqpMaxDelay     = 30 * time.Second
)

// confirmPublisher is the part of an AMQP channel the publisher needs.
// Publishing blocks until the broker confirms the message.
type confirmPublisher interface {
	publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes conversation events to a durable RabbitMQ topic
// exchange. Routing keys are "fragment.created", "message.created",
// "format.failed" and "backend.failed".
type AMQP struct {
	exchange   string
	instanceID string
	logger     *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   confirmPublisher
}

// DialAMQP connects with retry, declares the exchange and puts the
// channel in confirm mode.
func DialAMQP(ctx context.Context, cfg config.AMQPConfig, instanceID string, logger *slog.Logger) (*AMQP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "amqp")

	conn, err := dialWithRetry(ctx, cfg.URL, logger)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	logger.Info("amqp connected", "exchange", cfg.Exchange)
	return &AMQP{
		exchange:   cfg.Exchange,
		instanceID: instanceID,
		logger:     logger,
		conn:       conn,
		ch:         confirmChannel{ch},
	}, nil
}

// Name implements [Publisher].
func (a *AMQP) Name() string { return "amqp" }

// Publish implements [Publisher]. It returns once the broker has
// confirmed the message.
func (a *AMQP) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal amqp body: %w", err)
	}

	correlationID := msg.ConversationID
	if correlationID == "" {
		correlationID = msg.ID
	}
	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: correlationID,
		Timestamp:     msg.Timestamp,
		Type:          msg.Kind,
		AppId:         a.instanceID,
		Body:          body,
	}
	if pub.Timestamp.IsZero() {
		pub.Timestamp = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil {
		return errors.New("amqp publisher closed")
	}
	return a.ch.publish(ctx, a.exchange, routingKey(msg.Kind), pub)
}

// Close closes the channel and connection.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	if a.ch != nil {
		errs = append(errs, a.ch.Close())
		a.ch = nil
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
		a.conn = nil
	}
	return errors.Join(errs...)
}

func routingKey(kind string) string {
	switch kind {
	case events.KindFragment:
		return "fragment.created"
	case events.KindUserMessage:
		return "message.created"
	case events.KindFormatFailed:
		return "format.failed"
	case events.KindBackendError:
		return "backend.failed"
	}
	return "event." + strings.ReplaceAll(kind, ".", "_")
}

type confirmChannel struct {
	ch *amqp.Channel
}

func (c confirmChannel) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("amqp broker rejected message %s", msg.MessageId)
	}
	return nil
}

func (c confirmChannel) Close() error {
	return c.ch.Close()
}

// dialWithRetry connects with capped exponential backoff and gives up
// early when ctx is cancelled.
func dialWithRetry(ctx context.Context, url string, logger *slog.Logger) (*amqp.Connection, error) {
	var lastErr error
	delay := amqpDialDelay

	for attempt := 1; attempt <= amqpDialAttempts; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			if attempt > 1 {
				logger.Info("amqp connected after retry", "attempt", attempt)
			}
			return conn, nil
		}
		lastErr = err
		if attempt == amqpDialAttempts {
			break
		}

		logger.Warn("amqp dial failed", "attempt", attempt, "sleep", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("amqp dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, amqpMaxDelay)
	}

	return nil, fmt.Errorf("connect to amqp after %d attempts: %w", amqpDialAttempts, lastErr)
}
