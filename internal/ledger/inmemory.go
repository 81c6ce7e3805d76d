package ledger

import (
	"context"
	"sync"
	"time"
)

type entryKey struct {
	accountID string
	key       string
}

type inMemoryStore struct {
	mu      sync.RWMutex
	records map[string]BalanceRecord
	entries map[entryKey]Entry
	logs    map[string][]Entry
	now     func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit tests and local runs.
func NewInMemory() Store {
	return &inMemoryStore{
		records: make(map[string]BalanceRecord),
		entries: make(map[entryKey]Entry),
		logs:    make(map[string][]Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *inMemoryStore) LoadOrCreate(_ context.Context, accountID string, kind AccountKind) (BalanceRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[accountID]
	s.mu.RUnlock()
	if ok {
		return rec, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[accountID]; ok {
		return rec, nil
	}
	rec = BalanceRecord{AccountID: accountID, AccountKind: kind, LastUpdated: s.now()}
	s.records[accountID] = rec
	return rec, nil
}

func (s *inMemoryStore) FindEntry(_ context.Context, accountID, idempotencyKey string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entryKey{accountID, idempotencyKey}]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return entry, nil
}

func (s *inMemoryStore) Commit(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{m.Entry.AccountID, m.Entry.IdempotencyKey}
	if _, exists := s.entries[key]; exists {
		return ErrDuplicateEntry
	}

	current := s.records[m.Record.AccountID]
	if current.Version != m.ExpectedVersion {
		return ErrVersionConflict
	}

	s.records[m.Record.AccountID] = m.Record
	s.entries[key] = m.Entry
	s.logs[m.Entry.AccountID] = append(s.logs[m.Entry.AccountID], m.Entry)
	return nil
}

func (s *inMemoryStore) History(_ context.Context, accountID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[accountID]
	n := len(log)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := len(log) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, log[i])
	}
	return out, nil
}
