package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryService_GetBalanceCreatesZeroRecord(t *testing.T) {
	store := NewInMemory()
	q := NewQueryService(store, 0, 0)

	rec, err := q.GetBalance(context.Background(), "student-new")
	require.NoError(t, err)
	assert.Zero(t, rec.Balance)
	assert.Zero(t, rec.Version)
	assert.Equal(t, AccountKindStudent, rec.AccountKind)

	_, err = q.GetBalance(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestQueryService_GetHistoryClampsLimit(t *testing.T) {
	store := NewInMemory()
	p := newTestProcessor(store)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := p.Credit(ctx, credit("student-1", fmt.Sprintf("quiz-%d", i), 1))
		require.NoError(t, err)
	}

	q := NewQueryService(store, 5, 10)

	entries, err := q.GetHistory(ctx, "student-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	assert.Equal(t, "quiz-11", entries[0].IdempotencyKey)

	entries, err = q.GetHistory(ctx, "student-1", 500)
	require.NoError(t, err)
	assert.Len(t, entries, 10)

	entries, err = q.GetHistory(ctx, "student-1", 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	entries, err = q.GetHistory(ctx, "student-empty", 3)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestQueryService_AuditDetectsDrift(t *testing.T) {
	store := NewInMemory()
	p := newTestProcessor(store)
	q := NewQueryService(store, 0, 0)
	ctx := context.Background()

	_, err := p.Credit(ctx, credit("student-1", "quiz-1", 9))
	require.NoError(t, err)
	_, err = p.Debit(ctx, credit("student-1", "shop-1", 4))
	require.NoError(t, err)

	report, err := q.Audit(ctx, "student-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(9), report.Credited)
	assert.Equal(t, int64(4), report.Debited)
	assert.Equal(t, int64(5), report.Balance)
	assert.Equal(t, 2, report.Entries)

	// Tamper with the record behind the log's back.
	mem := store.(*inMemoryStore)
	mem.mu.Lock()
	rec := mem.records["student-1"]
	rec.Balance = 50
	mem.records["student-1"] = rec
	mem.mu.Unlock()

	report, err = q.Audit(ctx, "student-1")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
}

func TestQueryService_ReadsCreateWithCallerKind(t *testing.T) {
	store := NewInMemory()
	q := NewQueryService(store, 0, 0)
	ctx := context.Background()

	rec, err := q.GetBalanceAs(ctx, "teacher-1", AccountKindTeacher)
	require.NoError(t, err)
	assert.Equal(t, AccountKindTeacher, rec.AccountKind)

	rec, err = q.GetBalance(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Equal(t, AccountKindTeacher, rec.AccountKind, "an existing record keeps its kind")

	_, err = q.AuditAs(ctx, "teacher-2", AccountKindTeacher)
	require.NoError(t, err)
	rec, err = store.LoadOrCreate(ctx, "teacher-2", AccountKindStudent)
	require.NoError(t, err)
	assert.Equal(t, AccountKindTeacher, rec.AccountKind)

	_, err = q.GetBalanceAs(ctx, "x-1", "parent")
	assert.ErrorIs(t, err, ErrInvalidAccount)
}
