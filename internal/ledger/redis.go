package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "coins:v1:"

	fieldBalance = "balance"
	fieldVersion = "version"
	fieldKind    = "kind"
	fieldUpdated = "updated"
)

type redisEntry struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	IdempotencyKey   string    `json:"idempotency_key"`
	Kind             EntryKind `json:"kind"`
	Amount           int64     `json:"amount"`
	Reason           string    `json:"reason"`
	ResultingBalance int64     `json:"resulting_balance"`
	AppliedAt        time.Time `json:"applied_at"`
}

// RedisStore keeps balances in hashes and the log as JSON strings plus a per-account list.
// Commits use WATCH/MULTI, so the version check and both writes are applied atomically.
// All keys of an account share a hash tag and therefore a cluster slot.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func balanceKey(accountID string) string {
	return redisKeyPrefix + "{" + accountID + "}:balance"
}

func entryRedisKey(accountID, idempotencyKey string) string {
	return redisKeyPrefix + "{" + accountID + "}:entry:" + idempotencyKey
}

func historyKey(accountID string) string {
	return redisKeyPrefix + "{" + accountID + "}:history"
}

// Ping checks connectivity for health reporting.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// LoadOrCreate returns the balance record, creating the zero hash fields that are missing.
func (s *RedisStore) LoadOrCreate(ctx context.Context, accountID string, kind AccountKind) (BalanceRecord, error) {
	key := balanceKey(accountID)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, fieldBalance, 0)
		pipe.HSetNX(ctx, key, fieldVersion, 0)
		pipe.HSetNX(ctx, key, fieldKind, string(kind))
		pipe.HSetNX(ctx, key, fieldUpdated, now)
		return nil
	}); err != nil {
		return BalanceRecord{}, fmt.Errorf("ensure balance %s: %w", accountID, err)
	}

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return BalanceRecord{}, fmt.Errorf("load balance %s: %w", accountID, err)
	}
	return decodeBalance(accountID, fields)
}

func decodeBalance(accountID string, fields map[string]string) (BalanceRecord, error) {
	rec := BalanceRecord{AccountID: accountID, AccountKind: AccountKind(fields[fieldKind])}
	var err error
	if rec.Balance, err = strconv.ParseInt(fields[fieldBalance], 10, 64); err != nil {
		return BalanceRecord{}, fmt.Errorf("decode balance %s: %w", accountID, err)
	}
	if rec.Version, err = strconv.ParseInt(fields[fieldVersion], 10, 64); err != nil {
		return BalanceRecord{}, fmt.Errorf("decode version %s: %w", accountID, err)
	}
	if rec.LastUpdated, err = time.Parse(time.RFC3339Nano, fields[fieldUpdated]); err != nil {
		return BalanceRecord{}, fmt.Errorf("decode timestamp %s: %w", accountID, err)
	}
	return rec, nil
}

// FindEntry looks up the log entry for an idempotency key.
func (s *RedisStore) FindEntry(ctx context.Context, accountID, idempotencyKey string) (Entry, error) {
	raw, err := s.client.Get(ctx, entryRedisKey(accountID, idempotencyKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, fmt.Errorf("find entry %s/%s: %w", accountID, idempotencyKey, err)
	}
	return decodeEntry(raw)
}

// Commit applies the conditional balance update and appends the entry atomically.
func (s *RedisStore) Commit(ctx context.Context, m Mutation) error {
	bKey := balanceKey(m.Record.AccountID)
	eKey := entryRedisKey(m.Entry.AccountID, m.Entry.IdempotencyKey)

	payload, err := json.Marshal(redisEntry(m.Entry))
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, eKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrDuplicateEntry
		}

		version, err := tx.HGet(ctx, bKey, fieldVersion).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if version != m.ExpectedVersion {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, bKey, map[string]any{
				fieldBalance: m.Record.Balance,
				fieldVersion: m.Record.Version,
				fieldKind:    string(m.Record.AccountKind),
				fieldUpdated: m.Record.LastUpdated.UTC().Format(time.RFC3339Nano),
			})
			pipe.Set(ctx, eKey, payload, 0)
			pipe.LPush(ctx, historyKey(m.Entry.AccountID), payload)
			return nil
		})
		return err
	}, bKey, eKey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return ErrVersionConflict
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrDuplicateEntry):
		return err
	default:
		return fmt.Errorf("commit %s: %w", m.Entry.IdempotencyKey, err)
	}
}

// History returns the newest entries first.
func (s *RedisStore) History(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := s.client.LRange(ctx, historyKey(accountID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", accountID, err)
	}
	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		entry, err := decodeEntry([]byte(raw))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeEntry(raw []byte) (Entry, error) {
	var stored redisEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return Entry(stored), nil
}
