package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu        sync.Mutex
	outcomes  map[string]int
	attempts  []int
	conflicts int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{outcomes: make(map[string]int)}
}

func (o *recordingObserver) OperationCompleted(kind EntryKind, outcome string, attempts int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[string(kind)+":"+outcome]++
	o.attempts = append(o.attempts, attempts)
}

func (o *recordingObserver) ConflictObserved(EntryKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conflicts++
}

type recordingNotifier struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, entry Entry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, entry)
	return n.err
}

// conflictingStore fails the first n commits with a version conflict.
type conflictingStore struct {
	Store
	remaining atomic.Int64
	commits   atomic.Int64
}

func (s *conflictingStore) Commit(ctx context.Context, m Mutation) error {
	s.commits.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return ErrVersionConflict
	}
	return s.Store.Commit(ctx, m)
}

func newTestProcessor(store Store, opts ...Option) *Processor {
	opts = append([]Option{WithRetry(100, 50*time.Microsecond, time.Millisecond)}, opts...)
	return NewProcessor(store, NewPolicy(DefaultCreditCap), opts...)
}

func credit(id, key string, amount int64) Request {
	return Request{AccountID: id, AccountKind: AccountKindStudent, Amount: amount, IdempotencyKey: key}
}

func TestProcessor_CreditAndDebit(t *testing.T) {
	store := NewInMemory()
	p := newTestProcessor(store)
	ctx := context.Background()

	res, err := p.Credit(ctx, credit("student-1", "quiz-1", 10))
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Balance)
	assert.False(t, res.Replayed)
	assert.Equal(t, EntryCredit, res.Entry.Kind)
	assert.Equal(t, "credit", res.Entry.Reason, "empty reason defaults to the kind")
	assert.NotEmpty(t, res.Entry.ID)

	res, err = p.Debit(ctx, Request{AccountID: "student-1", AccountKind: AccountKindStudent, Amount: 4, IdempotencyKey: "shop-1", Reason: "sticker"})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Balance)
	assert.Equal(t, int64(6), res.Entry.ResultingBalance)
	assert.Equal(t, "sticker", res.Entry.Reason)

	rec, err := store.LoadOrCreate(ctx, "student-1", AccountKindStudent)
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.Balance)
	assert.Equal(t, int64(2), rec.Version)
}

func TestProcessor_IdempotentReplay(t *testing.T) {
	store := NewInMemory()
	notifier := &recordingNotifier{}
	p := newTestProcessor(store, WithNotifier(notifier))
	ctx := context.Background()

	first, err := p.Credit(ctx, credit("student-1", "quiz-1", 5))
	require.NoError(t, err)
	_, err = p.Credit(ctx, credit("student-1", "quiz-2", 3))
	require.NoError(t, err)

	again, err := p.Credit(ctx, credit("student-1", "quiz-1", 5))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, int64(5), again.Balance, "replay returns the originally recorded balance")
	assert.Equal(t, first.Entry.ID, again.Entry.ID)

	rec, err := store.LoadOrCreate(ctx, "student-1", AccountKindStudent)
	require.NoError(t, err)
	assert.Equal(t, int64(8), rec.Balance)
	assert.Len(t, notifier.entries, 2, "replays are not re-notified")
}

func TestProcessor_KeyReuseWithDifferentParameters(t *testing.T) {
	p := newTestProcessor(NewInMemory())
	ctx := context.Background()

	_, err := p.Credit(ctx, credit("student-1", "k", 5))
	require.NoError(t, err)

	_, err = p.Credit(ctx, credit("student-1", "k", 6))
	assert.ErrorIs(t, err, ErrIdempotencyKeyReused)

	_, err = p.Debit(ctx, credit("student-1", "k", 5))
	assert.ErrorIs(t, err, ErrIdempotencyKeyReused)

	_, err = p.Credit(ctx, credit("student-2", "k", 6))
	assert.NoError(t, err, "keys are scoped per account")
}

func TestProcessor_DebitRejectedLeavesNoTrace(t *testing.T) {
	store := NewInMemory()
	obs := newRecordingObserver()
	p := newTestProcessor(store, WithObserver(obs))
	ctx := context.Background()

	_, err := p.Credit(ctx, credit("student-1", "quiz-1", 3))
	require.NoError(t, err)

	_, err = p.Debit(ctx, credit("student-1", "shop-1", 5))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	var insufficient *InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(3), insufficient.Available)
	assert.Equal(t, int64(5), insufficient.Requested)

	history, err := store.History(ctx, "student-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = store.FindEntry(ctx, "student-1", "shop-1")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	// The same key may be used again once the balance covers the debit.
	_, err = p.Credit(ctx, credit("student-1", "quiz-2", 2))
	require.NoError(t, err)
	res, err := p.Debit(ctx, credit("student-1", "shop-1", 5))
	require.NoError(t, err)
	assert.Zero(t, res.Balance)

	assert.Equal(t, 1, obs.outcomes["debit:rejected"])
	assert.Equal(t, 1, obs.outcomes["debit:applied"])
}

func TestProcessor_PolicyViolationsNeverReachStore(t *testing.T) {
	store := &conflictingStore{Store: NewInMemory()}
	p := newTestProcessor(store)
	ctx := context.Background()

	_, err := p.Credit(ctx, credit("student-1", "quiz-1", 11))
	assert.ErrorIs(t, err, ErrAmountExceedsCap)
	_, err = p.Debit(ctx, credit("student-1", "", 1))
	assert.ErrorIs(t, err, ErrMissingIdempotencyKey)
	_, err = p.Credit(ctx, credit("", "quiz-1", 1))
	assert.ErrorIs(t, err, ErrInvalidAccount)

	assert.Zero(t, store.commits.Load())
}

func TestProcessor_RetriesVersionConflicts(t *testing.T) {
	store := &conflictingStore{Store: NewInMemory()}
	store.remaining.Store(2)
	obs := newRecordingObserver()
	p := newTestProcessor(store, WithObserver(obs))

	res, err := p.Credit(context.Background(), credit("student-1", "quiz-1", 4))
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Balance)
	assert.Equal(t, int64(3), store.commits.Load())
	assert.Equal(t, 2, obs.conflicts)
	assert.Equal(t, []int{3}, obs.attempts)
}

func TestProcessor_ContentionAfterRetryBudget(t *testing.T) {
	store := &conflictingStore{Store: NewInMemory()}
	store.remaining.Store(1_000)
	obs := newRecordingObserver()
	p := NewProcessor(store, nil, WithRetry(3, time.Microsecond, 10*time.Microsecond), WithObserver(obs))

	_, err := p.Credit(context.Background(), credit("student-1", "quiz-1", 4))
	require.ErrorIs(t, err, ErrContention)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int64(3), store.commits.Load())
	assert.Equal(t, 1, obs.outcomes["credit:contention"])

	_, err = store.FindEntry(context.Background(), "student-1", "quiz-1")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestProcessor_TimeoutSurfacesAsContention(t *testing.T) {
	store := &conflictingStore{Store: NewInMemory()}
	store.remaining.Store(1_000_000)
	p := NewProcessor(store, nil,
		WithRetry(1_000_000, time.Millisecond, 2*time.Millisecond),
		WithTimeout(20*time.Millisecond),
	)

	_, err := p.Debit(context.Background(), credit("student-1", "shop-1", 1))
	require.ErrorIs(t, err, ErrContention)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessor_NotifierFailureDoesNotFailOperation(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("broker down")}
	p := newTestProcessor(NewInMemory(), WithNotifier(notifier))

	res, err := p.Credit(context.Background(), credit("student-1", "quiz-1", 2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Balance)
	assert.Len(t, notifier.entries, 1)
}

func TestProcessor_ClockStampsEntries(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := newTestProcessor(NewInMemory(), WithClock(func() time.Time { return fixed }))

	res, err := p.Credit(context.Background(), credit("student-1", "quiz-1", 2))
	require.NoError(t, err)
	assert.Equal(t, fixed, res.Entry.AppliedAt)
}

func TestProcessor_ConcurrentCreditsAreConserved(t *testing.T) {
	store := NewInMemory()
	p := newTestProcessor(store)
	ctx := context.Background()

	const workers = 50
	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := p.Credit(ctx, credit("student-1", fmt.Sprintf("quiz-%d", i), 2)); err != nil {
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	rec, err := store.LoadOrCreate(ctx, "student-1", AccountKindStudent)
	require.NoError(t, err)
	applied := int64(workers) - failed.Load()
	assert.Equal(t, 2*applied, rec.Balance)
	assert.Equal(t, applied, rec.Version)

	report, err := NewQueryService(store, 0, 0).Audit(ctx, "student-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestProcessor_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	store := NewInMemory()
	p := newTestProcessor(store)
	ctx := context.Background()

	_, err := SeedBalance(ctx, store, "student-1", AccountKindStudent, 10)
	require.NoError(t, err)

	const workers = 25
	var (
		wg           sync.WaitGroup
		succeeded    atomic.Int64
		insufficient atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Debit(ctx, credit("student-1", fmt.Sprintf("shop-%d", i), 1))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientBalance):
				insufficient.Add(1)
			}
		}(i)
	}
	wg.Wait()

	rec, err := store.LoadOrCreate(ctx, "student-1", AccountKindStudent)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.Balance, int64(0))
	assert.LessOrEqual(t, succeeded.Load(), int64(10))
	assert.Equal(t, 10-succeeded.Load(), rec.Balance)
}

func TestProcessor_ConcurrentSameKeyAppliesOnce(t *testing.T) {
	store := NewInMemory()
	p := newTestProcessor(store)
	ctx := context.Background()

	const workers = 20
	var (
		wg       sync.WaitGroup
		replayed atomic.Int64
	)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Credit(ctx, credit("student-1", "quiz-1", 5))
			if err != nil {
				errs <- err
				return
			}
			if res.Replayed {
				replayed.Add(1)
			}
			assert.Equal(t, int64(5), res.Balance)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("credit failed: %v", err)
	}

	assert.Equal(t, int64(workers-1), replayed.Load())
	rec, err := store.LoadOrCreate(ctx, "student-1", AccountKindStudent)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Balance)
	assert.Equal(t, int64(1), rec.Version)
}

// Random operation sequences never drive the balance negative and always match a simple model.
func TestProcessor_RandomSequencesKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			store := NewInMemory()
			p := newTestProcessor(store)
			ctx := context.Background()

			var model int64
			for i := 0; i < 200; i++ {
				amount := rng.Int63n(12) + 1
				key := fmt.Sprintf("op-%d", rng.Intn(150))
				if rng.Intn(2) == 0 {
					_, err := p.Credit(ctx, credit("student-1", key, amount))
					switch {
					case err == nil:
					case errors.Is(err, ErrAmountExceedsCap), errors.Is(err, ErrIdempotencyKeyReused):
						continue
					default:
						require.NoError(t, err)
					}
				} else {
					_, err := p.Debit(ctx, credit("student-1", key, amount))
					switch {
					case err == nil:
					case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrIdempotencyKeyReused):
						continue
					default:
						require.NoError(t, err)
					}
				}

				rec, err := store.LoadOrCreate(ctx, "student-1", AccountKindStudent)
				require.NoError(t, err)
				require.GreaterOrEqual(t, rec.Balance, int64(0))
				model = rec.Balance
			}

			report, err := NewQueryService(store, 0, 0).Audit(ctx, "student-1")
			require.NoError(t, err)
			assert.True(t, report.Consistent)
			assert.Equal(t, model, report.Credited-report.Debited)
		})
	}
}

// A student earns, spends, retries a lost response and is refused an overdraft.
func TestProcessor_ClassroomScenario(t *testing.T) {
	store := NewInMemory()
	p := newTestProcessor(store)
	q := NewQueryService(store, 0, 0)
	ctx := context.Background()

	for i, amount := range []int64{10, 8, 10} {
		_, err := p.Credit(ctx, credit("student-7", fmt.Sprintf("quiz-%d", i), amount))
		require.NoError(t, err)
	}

	res, err := p.Debit(ctx, Request{AccountID: "student-7", AccountKind: AccountKindStudent, Amount: 20, IdempotencyKey: "shop-hat", Reason: "hat"})
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Balance)

	retry, err := p.Debit(ctx, Request{AccountID: "student-7", AccountKind: AccountKindStudent, Amount: 20, IdempotencyKey: "shop-hat", Reason: "hat"})
	require.NoError(t, err)
	assert.True(t, retry.Replayed)

	_, err = p.Debit(ctx, credit("student-7", "shop-cape", 9))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	bal, err := q.GetBalance(ctx, "student-7")
	require.NoError(t, err)
	assert.Equal(t, int64(8), bal.Balance)

	history, err := q.GetHistory(ctx, "student-7", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "shop-hat", history[0].IdempotencyKey)
	assert.Equal(t, "quiz-2", history[1].IdempotencyKey)
}
