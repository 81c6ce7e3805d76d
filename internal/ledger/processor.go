package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

const (
	DefaultMaxAttempts    = 5
	DefaultRetryBaseDelay = 10 * time.Millisecond
	DefaultRetryMaxDelay  = 200 * time.Millisecond
)

// Operation outcomes reported to an Observer.
const (
	OutcomeApplied    = "applied"
	OutcomeReplayed   = "replayed"
	OutcomeRejected   = "rejected"
	OutcomeContention = "contention"
)

// Result is the outcome of a credit or debit.
type Result struct {
	Balance  int64
	Entry    Entry
	Replayed bool
}

// Notifier receives every newly committed entry. Replays are not re-notified.
type Notifier interface {
	Notify(ctx context.Context, entry Entry) error
}

// Observer records operation metrics.
type Observer interface {
	OperationCompleted(kind EntryKind, outcome string, attempts int)
	ConflictObserved(kind EntryKind)
}

// Processor is the only component that mutates balances.
type Processor struct {
	store    Store
	policy   *Policy
	logger   *slog.Logger
	notifier Notifier
	observer Observer
	now      func() time.Time

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	timeout     time.Duration
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithNotifier registers a receiver for committed entries.
func WithNotifier(n Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(p *Processor) { p.observer = o }
}

// WithRetry configures the commit retry budget and the exponential backoff bounds.
func WithRetry(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(p *Processor) {
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			p.baseDelay = baseDelay
		}
		if maxDelay >= p.baseDelay {
			p.maxDelay = maxDelay
		}
	}
}

// WithTimeout bounds each operation, including all of its retries.
func WithTimeout(d time.Duration) Option {
	return func(p *Processor) { p.timeout = d }
}

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor builds a transaction processor over the given store.
func NewProcessor(store Store, policy *Policy, opts ...Option) *Processor {
	if policy == nil {
		policy = NewPolicy(DefaultCreditCap)
	}
	p := &Processor{
		store:       store,
		policy:      policy,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultRetryBaseDelay,
		maxDelay:    DefaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Credit adds coins to an account. Repeating a call with the same idempotency key
// returns the originally recorded balance without applying the credit again.
func (p *Processor) Credit(ctx context.Context, req Request) (Result, error) {
	return p.apply(ctx, EntryCredit, req)
}

// Debit removes coins from an account, failing with ErrInsufficientBalance when the
// balance does not cover the amount. Rejected debits leave no log entry.
func (p *Processor) Debit(ctx context.Context, req Request) (Result, error) {
	return p.apply(ctx, EntryDebit, req)
}

func (p *Processor) apply(ctx context.Context, kind EntryKind, req Request) (Result, error) {
	if req.Reason == "" {
		req.Reason = string(kind)
	}
	if err := p.policy.Check(kind, req); err != nil {
		p.observe(kind, OutcomeRejected, 0)
		return Result{}, err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	attempts := 0
	operation := func() (Result, error) {
		attempts++
		res, err := p.attempt(ctx, kind, req)
		switch {
		case err == nil:
			return res, nil
		case IsClientError(err):
			return Result{}, backoff.Permanent(err)
		case errors.Is(err, ErrVersionConflict):
			if p.observer != nil {
				p.observer.ConflictObserved(kind)
			}
		}
		return Result{}, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.maxAttempts)),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		if IsClientError(err) {
			p.observe(kind, OutcomeRejected, attempts)
			return Result{}, err
		}
		p.observe(kind, OutcomeContention, attempts)
		p.logger.Warn("ledger operation gave up",
			slog.String("kind", string(kind)),
			slog.String("account_id", req.AccountID),
			slog.String("idempotency_key", req.IdempotencyKey),
			slog.Int("attempts", attempts),
			slog.Any("error", err),
		)
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = ctxErr
		}
		return Result{}, fmt.Errorf("%w after %d attempts: %w", ErrContention, attempts, err)
	}

	if res.Replayed {
		p.observe(kind, OutcomeReplayed, attempts)
		return res, nil
	}

	p.observe(kind, OutcomeApplied, attempts)
	p.logger.Debug("ledger entry committed",
		slog.String("kind", string(kind)),
		slog.String("account_id", res.Entry.AccountID),
		slog.String("idempotency_key", res.Entry.IdempotencyKey),
		slog.Int64("amount", res.Entry.Amount),
		slog.Int64("balance", res.Balance),
		slog.Int("attempts", attempts),
	)
	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, res.Entry); err != nil {
			p.logger.Warn("ledger notification failed",
				slog.String("entry_id", res.Entry.ID),
				slog.Any("error", err),
			)
		}
	}
	return res, nil
}

// attempt performs one read-compute-commit cycle.
func (p *Processor) attempt(ctx context.Context, kind EntryKind, req Request) (Result, error) {
	if res, found, err := p.replay(ctx, kind, req); err != nil || found {
		return res, err
	}

	rec, err := p.store.LoadOrCreate(ctx, req.AccountID, req.AccountKind)
	if err != nil {
		return Result{}, err
	}

	next := rec.Balance + req.Amount
	if kind == EntryDebit {
		if rec.Balance < req.Amount {
			return Result{}, &InsufficientBalanceError{AccountID: req.AccountID, Available: rec.Balance, Requested: req.Amount}
		}
		next = rec.Balance - req.Amount
	}

	now := p.now()
	entry := Entry{
		ID:               uuid.NewString(),
		AccountID:        req.AccountID,
		IdempotencyKey:   req.IdempotencyKey,
		Kind:             kind,
		Amount:           req.Amount,
		Reason:           req.Reason,
		ResultingBalance: next,
		AppliedAt:        now,
	}
	mutation := Mutation{
		ExpectedVersion: rec.Version,
		Record: BalanceRecord{
			AccountID:   rec.AccountID,
			AccountKind: rec.AccountKind,
			Balance:     next,
			Version:     rec.Version + 1,
			LastUpdated: now,
		},
		Entry: entry,
	}

	if err := p.store.Commit(ctx, mutation); err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			// A concurrent request with the same key committed first.
			if res, found, rerr := p.replay(ctx, kind, req); rerr != nil || found {
				return res, rerr
			}
		}
		return Result{}, err
	}
	return Result{Balance: next, Entry: entry}, nil
}

func (p *Processor) replay(ctx context.Context, kind EntryKind, req Request) (Result, bool, error) {
	existing, err := p.store.FindEntry(ctx, req.AccountID, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}
	if existing.Kind != kind || existing.Amount != req.Amount {
		return Result{}, true, fmt.Errorf("%w: key %q was a %s of %d", ErrIdempotencyKeyReused,
			req.IdempotencyKey, existing.Kind, existing.Amount)
	}
	return Result{Balance: existing.ResultingBalance, Entry: existing, Replayed: true}, true, nil
}

func (p *Processor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.baseDelay
	b.MaxInterval = p.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

func (p *Processor) observe(kind EntryKind, outcome string, attempts int) {
	if p.observer != nil {
		p.observer.OperationCompleted(kind, outcome, attempts)
	}
}
