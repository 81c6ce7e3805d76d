package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidAccount occurs when the account identifier or kind is malformed.
	ErrInvalidAccount = errors.New("ledger: invalid account")

	// ErrInvalidAmount occurs when a requested amount is zero or negative.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrAmountExceedsCap occurs when a single credit is larger than the configured cap.
	ErrAmountExceedsCap = errors.New("ledger: amount exceeds per-operation cap")

	// ErrMissingIdempotencyKey occurs when a mutation carries no idempotency key.
	ErrMissingIdempotencyKey = errors.New("ledger: missing idempotency key")

	// ErrInvalidIdempotencyKey occurs when the idempotency key is too long.
	ErrInvalidIdempotencyKey = errors.New("ledger: invalid idempotency key")

	// ErrInvalidReason occurs when the reason tag is too long.
	ErrInvalidReason = errors.New("ledger: invalid reason")

	// ErrInsufficientBalance occurs when a debit would take the balance below zero.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrIdempotencyKeyReused indicates the key was already applied to a different operation.
	ErrIdempotencyKeyReused = errors.New("ledger: idempotency key reused with different parameters")

	// ErrContention is returned once the commit retries are exhausted.
	ErrContention = errors.New("ledger: contention")

	// ErrVersionConflict is returned by a Store when the expected version no longer matches.
	ErrVersionConflict = errors.New("ledger: version conflict")

	// ErrDuplicateEntry is returned by a Store when the idempotency key is already logged.
	ErrDuplicateEntry = errors.New("ledger: duplicate entry")

	// ErrEntryNotFound is returned by a Store when no entry exists for the key.
	ErrEntryNotFound = errors.New("ledger: entry not found")
)

// AccountKind discriminates the owner of a balance record.
type AccountKind string

const (
	AccountKindStudent AccountKind = "student"
	AccountKindTeacher AccountKind = "teacher"
)

// Valid reports whether k is a known account kind.
func (k AccountKind) Valid() bool {
	return k == AccountKindStudent || k == AccountKindTeacher
}

// EntryKind is the direction of a log entry.
type EntryKind string

const (
	EntryCredit EntryKind = "credit"
	EntryDebit  EntryKind = "debit"
)

// BalanceRecord is the current coin balance of a single account.
type BalanceRecord struct {
	AccountID   string
	AccountKind AccountKind
	Balance     int64
	Version     int64
	LastUpdated time.Time
}

// Entry is an immutable transaction log record.
type Entry struct {
	ID               string
	AccountID        string
	IdempotencyKey   string
	Kind             EntryKind
	Amount           int64
	Reason           string
	ResultingBalance int64
	AppliedAt        time.Time
}

// Mutation is a conditional balance update and the log entry that explains it.
// Stores must apply both or neither.
type Mutation struct {
	ExpectedVersion int64
	Record          BalanceRecord
	Entry           Entry
}

// Store persists balance records and the transaction log.
type Store interface {
	// LoadOrCreate returns the balance record, materializing a zero balance on first use.
	LoadOrCreate(ctx context.Context, accountID string, kind AccountKind) (BalanceRecord, error)
	// FindEntry returns ErrEntryNotFound when the key has not been applied.
	FindEntry(ctx context.Context, accountID, idempotencyKey string) (Entry, error)
	// Commit returns ErrVersionConflict or ErrDuplicateEntry without writing anything.
	Commit(ctx context.Context, m Mutation) error
	// History returns entries newest first. A non-positive limit returns all entries.
	History(ctx context.Context, accountID string, limit int) ([]Entry, error)
}

// InsufficientBalanceError carries the balance observed when a debit was rejected.
type InsufficientBalanceError struct {
	AccountID string
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance for %s: available %d, requested %d",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// IsClientError reports whether err is deterministic given the request and must not be retried.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAccount) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrAmountExceedsCap) ||
		errors.Is(err, ErrMissingIdempotencyKey) ||
		errors.Is(err, ErrInvalidIdempotencyKey) ||
		errors.Is(err, ErrInvalidReason) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrIdempotencyKeyReused)
}

// IsRetryable reports whether the caller may retry the operation as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention) || errors.Is(err, ErrVersionConflict)
}
