package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemorySnapshotStore is an in-memory SnapshotStore for tests and embedded
// use. Rows are copied on the way in and out so callers cannot mutate stored
// state.
type MemorySnapshotStore struct {
	mu   sync.RWMutex
	rows map[string]Row

	// FailWith, when set, makes every operation fail with the given error.
	// Tests use it to simulate outages.
	failWith error
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{rows: make(map[string]Row)}
}

// FailWith makes subsequent operations fail with err; nil restores normal
// operation.
func (s *MemorySnapshotStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *MemorySnapshotStore) Upsert(ctx context.Context, row Row) error {
	if err := ValidateID(row.MachineID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	row.ContextData = cloneBytes(row.ContextData)
	s.rows[row.MachineID] = row
	return nil
}

func (s *MemorySnapshotStore) FindLatest(ctx context.Context, machineID string) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return Row{}, s.failWith
	}
	row, ok := s.rows[machineID]
	if !ok {
		return Row{}, ErrNotFound
	}
	row.ContextData = cloneBytes(row.ContextData)
	return row, nil
}

func (s *MemorySnapshotStore) MarkOffline(ctx context.Context, machineID string, offline bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	row, ok := s.rows[machineID]
	if !ok {
		return ErrNotFound
	}
	row.Offline = offline
	s.rows[machineID] = row
	return nil
}

func (s *MemorySnapshotStore) Delete(ctx context.Context, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	delete(s.rows, machineID)
	return nil
}

func (s *MemorySnapshotStore) ScanWhereStateIn(ctx context.Context, states []string, cursor string, limit int) ([]Row, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, "", s.failWith
	}
	if limit <= 0 {
		limit = 100
	}

	wanted := make(map[string]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}

	// Deterministic paging: ids in lexical order, cursor = last id seen.
	ids := make([]string, 0, len(s.rows))
	for id, row := range s.rows {
		if wanted[row.State] && (cursor == "" || strings.Compare(id, cursor) > 0) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]Row, 0, limit)
	next := ""
	for _, id := range ids {
		if len(out) == limit {
			next = out[len(out)-1].MachineID
			break
		}
		row := s.rows[id]
		row.ContextData = cloneBytes(row.ContextData)
		out = append(out, row)
	}
	return out, next, nil
}

// Len returns the number of stored rows.
func (s *MemorySnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// MemoryHistoryStore is an in-memory HistoryStore for tests and embedded use.
type MemoryHistoryStore struct {
	mu   sync.RWMutex
	rows map[string]Row

	failWith error
	// failures counts down transient Insert failures for retry tests.
	insertFailures int
}

// NewMemoryHistoryStore creates an empty in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{rows: make(map[string]Row)}
}

// FailWith makes subsequent operations fail with err; nil restores normal
// operation.
func (s *MemoryHistoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// FailInserts makes the next n Insert calls fail with ErrUnavailable.
func (s *MemoryHistoryStore) FailInserts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertFailures = n
}

func (s *MemoryHistoryStore) Insert(ctx context.Context, row Row) error {
	if err := ValidateID(row.MachineID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if s.insertFailures > 0 {
		s.insertFailures--
		return ErrUnavailable
	}
	if _, ok := s.rows[row.MachineID]; ok {
		return nil // idempotent
	}
	row.ContextData = cloneBytes(row.ContextData)
	s.rows[row.MachineID] = row
	return nil
}

func (s *MemoryHistoryStore) FindLatest(ctx context.Context, machineID string) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return Row{}, s.failWith
	}
	row, ok := s.rows[machineID]
	if !ok {
		return Row{}, ErrNotFound
	}
	row.ContextData = cloneBytes(row.ContextData)
	return row, nil
}

func (s *MemoryHistoryStore) Delete(ctx context.Context, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	delete(s.rows, machineID)
	return nil
}

func (s *MemoryHistoryStore) DeleteOlderThan(ctx context.Context, t time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	deleted := 0
	for id, row := range s.rows {
		if limit > 0 && deleted >= limit {
			break
		}
		if row.Timestamp.Before(t) {
			delete(s.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored rows.
func (s *MemoryHistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
