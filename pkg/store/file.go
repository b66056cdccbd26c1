package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileSnapshotStore keeps one JSON file per machine under a directory.
// Suited to single-node deployments and local development; the SQL stores
// are the production backends.
type FileSnapshotStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileSnapshotStore creates the directory if needed.
func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrUnavailable, dir, err)
	}
	return &FileSnapshotStore{dir: dir}, nil
}

func (s *FileSnapshotStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileSnapshotStore) Upsert(ctx context.Context, row Row) error {
	if err := ValidateID(row.MachineID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeRow(s.path(row.MachineID), row)
}

func (s *FileSnapshotStore) FindLatest(ctx context.Context, machineID string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readRow(s.path(machineID))
}

func (s *FileSnapshotStore) MarkOffline(ctx context.Context, machineID string, offline bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := readRow(s.path(machineID))
	if err != nil {
		return err
	}
	row.Offline = offline
	return writeRow(s.path(machineID), row)
}

func (s *FileSnapshotStore) Delete(ctx context.Context, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(machineID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *FileSnapshotStore) ScanWhereStateIn(ctx context.Context, states []string, cursor string, limit int) ([]Row, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	wanted := make(map[string]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		if cursor == "" || strings.Compare(id, cursor) > 0 {
			names = append(names, id)
		}
	}
	sort.Strings(names)

	out := make([]Row, 0, limit)
	next := ""
	for _, id := range names {
		row, err := readRow(s.path(id))
		if err != nil {
			continue // raced with a delete
		}
		if !wanted[row.State] {
			continue
		}
		if len(out) == limit {
			next = out[len(out)-1].MachineID
			break
		}
		out = append(out, row)
	}
	return out, next, nil
}

// FileHistoryStore keeps one JSON file per terminated machine.
type FileHistoryStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileHistoryStore creates the directory if needed.
func NewFileHistoryStore(dir string) (*FileHistoryStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrUnavailable, dir, err)
	}
	return &FileHistoryStore{dir: dir}, nil
}

func (s *FileHistoryStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileHistoryStore) Insert(ctx context.Context, row Row) error {
	if err := ValidateID(row.MachineID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(row.MachineID)); err == nil {
		return nil // idempotent
	}
	return writeRow(s.path(row.MachineID), row)
}

func (s *FileHistoryStore) FindLatest(ctx context.Context, machineID string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readRow(s.path(machineID))
}

func (s *FileHistoryStore) Delete(ctx context.Context, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(machineID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *FileHistoryStore) DeleteOlderThan(ctx context.Context, t time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	deleted := 0
	for _, e := range entries {
		if limit > 0 && deleted >= limit {
			break
		}
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		row, err := readRow(path)
		if err != nil {
			continue
		}
		if row.Timestamp.Before(t) {
			if err := os.Remove(path); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

func writeRow(path string, row Row) error {
	data, err := json.MarshalIndent(row, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func readRow(path string) (Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Row{}, ErrNotFound
		}
		return Row{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return Row{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	return row, nil
}
