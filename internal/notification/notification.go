package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edutech-labs/coinledger/internal/ledger"
)

const (
	// EventCoinCredited is published after coins were awarded.
	EventCoinCredited = "coin.credited"
	// EventCoinDebited is published after coins were spent.
	EventCoinDebited = "coin.debited"

	// DefaultChannel is the Redis pub/sub channel events are published on.
	DefaultChannel = "coins:events"
)

// Event is the payload delivered to downstream consumers for every committed entry.
type Event struct {
	Type           string    `json:"type"`
	EntryID        string    `json:"entry_id"`
	AccountID      string    `json:"account_id"`
	Kind           string    `json:"kind"`
	Amount         int64     `json:"amount"`
	Balance        int64     `json:"balance"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reason         string    `json:"reason"`
	AppliedAt      time.Time `json:"applied_at"`
}

// EventFromEntry builds the event describing a committed entry.
func EventFromEntry(entry ledger.Entry) Event {
	eventType := EventCoinCredited
	if entry.Kind == ledger.EntryDebit {
		eventType = EventCoinDebited
	}
	return Event{
		Type:           eventType,
		EntryID:        entry.ID,
		AccountID:      entry.AccountID,
		Kind:           string(entry.Kind),
		Amount:         entry.Amount,
		Balance:        entry.ResultingBalance,
		IdempotencyKey: entry.IdempotencyKey,
		Reason:         entry.Reason,
		AppliedAt:      entry.AppliedAt,
	}
}

// LoggerNotifier writes events to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Notify writes the event to the structured logger.
func (n *LoggerNotifier) Notify(_ context.Context, entry ledger.Entry) error {
	if n == nil || n.logger == nil {
		return nil
	}
	ev := EventFromEntry(entry)
	n.logger.Info("coin event",
		slog.String("type", ev.Type),
		slog.String("account_id", ev.AccountID),
		slog.Int64("amount", ev.Amount),
		slog.Int64("balance", ev.Balance),
		slog.String("reason", ev.Reason),
	)
	return nil
}

// RedisNotifier publishes events as JSON on a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier constructs a publisher. An empty channel falls back to DefaultChannel.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Channel returns the channel events are published on.
func (n *RedisNotifier) Channel() string {
	return n.channel
}

// Notify publishes the event for entry.
func (n *RedisNotifier) Notify(ctx context.Context, entry ledger.Entry) error {
	payload, err := json.Marshal(EventFromEntry(entry))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", n.channel, err)
	}
	return nil
}

// Multi fans an entry out to several notifiers and joins their errors.
type Multi []ledger.Notifier

// Notify delivers entry to every notifier, even when an earlier one fails.
func (m Multi) Notify(ctx context.Context, entry ledger.Entry) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
