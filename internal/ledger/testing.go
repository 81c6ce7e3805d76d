package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SeedBalance is a test helper that credits amount to an account by committing a single
// entry straight to the store, bypassing the credit cap. The log stays consistent with the balance.
func SeedBalance(ctx context.Context, s Store, accountID string, kind AccountKind, amount int64) (BalanceRecord, error) {
	rec, err := s.LoadOrCreate(ctx, accountID, kind)
	if err != nil {
		return BalanceRecord{}, err
	}
	now := time.Now().UTC()
	next := BalanceRecord{
		AccountID:   accountID,
		AccountKind: rec.AccountKind,
		Balance:     rec.Balance + amount,
		Version:     rec.Version + 1,
		LastUpdated: now,
	}
	err = s.Commit(ctx, Mutation{
		ExpectedVersion: rec.Version,
		Record:          next,
		Entry: Entry{
			ID:               uuid.NewString(),
			AccountID:        accountID,
			IdempotencyKey:   fmt.Sprintf("seed-%d", next.Version),
			Kind:             EntryCredit,
			Amount:           amount,
			Reason:           "seed",
			ResultingBalance: next.Balance,
			AppliedAt:        now,
		},
	})
	if err != nil {
		return BalanceRecord{}, err
	}
	return next, nil
}
