// Package store defines the durable storage contracts of the runtime: the
// active snapshot store (latest state per live or evicted machine) and the
// append-only history store for terminated machines.
//
// Contract summary:
//   - SnapshotStore holds at most one row per machine id (Upsert replaces).
//   - HistoryStore.Insert is idempotent on machine id; archival retries are
//     therefore safe.
//   - Implementations map backend failures to ErrUnavailable so callers can
//     distinguish retryable outages from data corruption (ErrCorrupt).
package store

import (
	"context"
	"errors"
	"time"
)

// MaxIDLength is the longest machine id a store accepts.
const MaxIDLength = 255

// Row is the persisted unit: one machine's latest state and context.
type Row struct {
	MachineID   string    `json:"machineId"`
	State       string    `json:"state"`
	ContextData []byte    `json:"contextData,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Offline     bool      `json:"offline"`
}

// Errors.
var (
	// ErrNotFound reports that no row exists for the machine id.
	ErrNotFound = errors.New("store: row not found")

	// ErrUnavailable reports a retryable backend failure. Write-path callers
	// surface it to the event caller with the transition rolled back.
	ErrUnavailable = errors.New("store: backend unavailable")

	// ErrCorrupt reports a row that cannot be decoded. Fatal for that
	// machine id; the registry quarantines it.
	ErrCorrupt = errors.New("store: corrupt snapshot")

	// ErrIDTooLong reports a machine id above MaxIDLength.
	ErrIDTooLong = errors.New("store: machine id too long")
)

// SnapshotStore is the durable key -> latest-snapshot map for active
// machines.
type SnapshotStore interface {
	// Upsert atomically replaces the row for row.MachineID.
	Upsert(ctx context.Context, row Row) error

	// FindLatest returns the row for the machine id, or ErrNotFound.
	FindLatest(ctx context.Context, machineID string) (Row, error)

	// MarkOffline flips the row's offline flag.
	MarkOffline(ctx context.Context, machineID string, offline bool) error

	// Delete removes the row. Deleting an absent row is not an error.
	Delete(ctx context.Context, machineID string) error

	// ScanWhereStateIn pages through rows whose state is in states. An empty
	// cursor starts the scan; the returned cursor is empty when the scan is
	// done.
	ScanWhereStateIn(ctx context.Context, states []string, cursor string, limit int) ([]Row, string, error)
}

// HistoryStore is the append-only durable store for terminated machines,
// subject to retention.
type HistoryStore interface {
	// Insert stores the machine's final row. Idempotent on machine id.
	Insert(ctx context.Context, row Row) error

	// FindLatest returns the row for the machine id, or ErrNotFound.
	FindLatest(ctx context.Context, machineID string) (Row, error)

	// Delete removes the row. Deleting an absent row is not an error.
	Delete(ctx context.Context, machineID string) error

	// DeleteOlderThan removes up to limit rows with Timestamp before t and
	// returns how many were removed. limit <= 0 means no batch bound.
	DeleteOlderThan(ctx context.Context, t time.Time, limit int) (int, error)
}

// ValidateID checks a machine id against the row layout constraints.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("store: machine id is empty")
	}
	if len(id) > MaxIDLength {
		return ErrIDTooLong
	}
	return nil
}
