package ledger

import (
	"context"
	"fmt"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100

	auditSnapshotAttempts = 3
)

// AuditReport re-derives an account balance from its transaction log.
type AuditReport struct {
	AccountID  string
	Balance    int64
	Version    int64
	Entries    int
	Credited   int64
	Debited    int64
	Consistent bool
}

// QueryService serves read-only balance and history lookups.
type QueryService struct {
	store        Store
	defaultLimit int
	maxLimit     int
}

// NewQueryService builds a query service. Non-positive limits fall back to the package defaults.
func NewQueryService(store Store, defaultLimit, maxLimit int) *QueryService {
	if defaultLimit <= 0 {
		defaultLimit = DefaultHistoryLimit
	}
	if maxLimit <= 0 {
		maxLimit = MaxHistoryLimit
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	return &QueryService{store: store, defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// GetBalance returns the current balance record, materializing a zero student balance for unknown accounts.
func (q *QueryService) GetBalance(ctx context.Context, accountID string) (BalanceRecord, error) {
	return q.GetBalanceAs(ctx, accountID, AccountKindStudent)
}

// GetBalanceAs is GetBalance for callers that know the account kind. The kind only
// matters when the read creates the record; an existing record keeps its kind.
func (q *QueryService) GetBalanceAs(ctx context.Context, accountID string, kind AccountKind) (BalanceRecord, error) {
	if err := checkAccount(accountID, kind); err != nil {
		return BalanceRecord{}, err
	}
	return q.store.LoadOrCreate(ctx, accountID, kind)
}

func checkAccount(accountID string, kind AccountKind) error {
	if accountID == "" {
		return fmt.Errorf("%w: empty account id", ErrInvalidAccount)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown account kind %q", ErrInvalidAccount, kind)
	}
	return nil
}

// GetHistory returns up to limit entries, newest first.
func (q *QueryService) GetHistory(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account id", ErrInvalidAccount)
	}
	switch {
	case limit <= 0:
		limit = q.defaultLimit
	case limit > q.maxLimit:
		limit = q.maxLimit
	}
	entries, err := q.store.History(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Audit replays the full log of an account and compares it against the balance record.
// The report is taken from a snapshot in which the record version did not move.
func (q *QueryService) Audit(ctx context.Context, accountID string) (AuditReport, error) {
	return q.AuditAs(ctx, accountID, AccountKindStudent)
}

// AuditAs is Audit for callers that know the account kind.
func (q *QueryService) AuditAs(ctx context.Context, accountID string, kind AccountKind) (AuditReport, error) {
	if err := checkAccount(accountID, kind); err != nil {
		return AuditReport{}, err
	}

	var (
		rec     BalanceRecord
		entries []Entry
	)
	for i := 0; i < auditSnapshotAttempts; i++ {
		before, err := q.store.LoadOrCreate(ctx, accountID, kind)
		if err != nil {
			return AuditReport{}, err
		}
		entries, err = q.store.History(ctx, accountID, 0)
		if err != nil {
			return AuditReport{}, err
		}
		after, err := q.store.LoadOrCreate(ctx, accountID, kind)
		if err != nil {
			return AuditReport{}, err
		}
		rec = after
		if before.Version == after.Version {
			break
		}
	}

	report := AuditReport{
		AccountID: accountID,
		Balance:   rec.Balance,
		Version:   rec.Version,
		Entries:   len(entries),
	}
	for _, e := range entries {
		switch e.Kind {
		case EntryCredit:
			report.Credited += e.Amount
		case EntryDebit:
			report.Debited += e.Amount
		}
	}

	derived := report.Credited - report.Debited
	report.Consistent = derived == rec.Balance &&
		int64(len(entries)) == rec.Version &&
		rec.Balance >= 0 &&
		(len(entries) == 0 || entries[0].ResultingBalance == rec.Balance)
	return report, nil
}
