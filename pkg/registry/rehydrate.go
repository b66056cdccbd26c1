package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/fluxorio/machina/pkg/fsm"
	"github.com/fluxorio/machina/pkg/logging"
	"github.com/fluxorio/machina/pkg/store"
)

// Rehydrator reconstructs a live machine from its latest snapshot.
type Rehydrator struct {
	snapshots store.SnapshotStore
	history   store.HistoryStore
	logger    logging.Logger
}

// NewRehydrator creates a rehydrator over the given stores. history may be
// nil; terminated-machine detection is then skipped.
func NewRehydrator(snapshots store.SnapshotStore, history store.HistoryStore, logger logging.Logger) *Rehydrator {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &Rehydrator{snapshots: snapshots, history: history, logger: logger}
}

// Rehydrate loads the latest snapshot for id and reconstructs an instance:
// a fresh machine from factory, forced into the persisted state (entry hook
// re-runs, timer resets), context restored verbatim, offline flag cleared.
//
// Absent from the active store but present in history means the machine
// finished its lifecycle: ErrAlreadyTerminated. Absent everywhere returns
// store.ErrNotFound.
func (r *Rehydrator) Rehydrate(ctx context.Context, id string, factory Factory) (*fsm.Machine, error) {
	row, err := r.snapshots.FindLatest(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		if r.history != nil {
			if _, herr := r.history.FindLatest(ctx, id); herr == nil {
				return nil, fmt.Errorf("%w: %s", ErrAlreadyTerminated, id)
			} else if !errors.Is(herr, store.ErrNotFound) {
				return nil, herr
			}
		}
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m, err := factory(id)
	if err != nil {
		return nil, fmt.Errorf("factory for %s: %w", id, err)
	}

	if !m.Definition().HasState(row.State) {
		return nil, fmt.Errorf("%w: machine %s persisted state %q, definition %q",
			ErrDefinitionMismatch, id, row.State, m.Definition().ID)
	}

	m.SetContext(row.ContextData)
	if err := m.SetState(ctx, row.State); err != nil {
		return nil, fmt.Errorf("restore state %q for %s: %w", row.State, id, err)
	}

	if err := r.snapshots.MarkOffline(ctx, id, false); err != nil {
		return nil, err
	}

	r.logger.Debugf("rehydrated machine %s into state %s", id, row.State)
	return m, nil
}
