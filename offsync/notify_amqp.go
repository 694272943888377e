// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultLedgerExchange = "offsync.ledger"

// AMQPNotifier publishes LedgerNotifications to a fanout exchange
type AMQPNotifier struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	exchange  string
	logger    *slog.Logger
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewAMQPNotifier connects to the broker and declares the durable fanout exchange
func NewAMQPNotifier(url, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	if exchange == "" {
		exchange = DefaultLedgerExchange
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, ch, err := dialLedgerExchange(url, exchange)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected ledger notifier", "exchange", exchange)

	return &AMQPNotifier{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

func dialLedgerExchange(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return conn, ch, nil
}

// LedgerAdvanced publishes n as a transient JSON message
func (a *AMQPNotifier) LedgerAdvanced(ctx context.Context, n LedgerNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to serialize notification: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil || a.channel.IsClosed() {
		return errors.New("ledger notifier channel is closed")
	}
	err = a.channel.PublishWithContext(ctx, a.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish ledger notification: %w", err)
	}
	return nil
}

// Close shuts down the channel and connection
func (a *AMQPNotifier) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.channel != nil {
			a.channel.Close()
		}
		if a.conn != nil {
			a.conn.Close()
		}
	})
	return nil
}

// SubscribeLedger binds an exclusive queue to the ledger exchange and calls fn for every
// notification until ctx is done. Malformed messages are logged and skipped.
func SubscribeLedger(ctx context.Context, url, exchange string, logger *slog.Logger, fn func(LedgerNotification)) error {
	if exchange == "" {
		exchange = DefaultLedgerExchange
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, ch, err := dialLedgerExchange(url, exchange)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	logger.Info("Subscribed to ledger notifications", "exchange", exchange, "queue", q.Name)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("ledger notification channel closed")
			}
			var n LedgerNotification
			if err := json.Unmarshal(d.Body, &n); err != nil {
				logger.Warn("Dropping malformed ledger notification", "error", err)
				continue
			}
			fn(n)
		}
	}
}
