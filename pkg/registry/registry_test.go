package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/machina/pkg/fsm"
	"github.com/fluxorio/machina/pkg/logging"
	"github.com/fluxorio/machina/pkg/store"
	"github.com/fluxorio/machina/pkg/timer"
)

// callDef is the call lifecycle used across these tests: RINGING times out
// to MISSED after 3 ticks, CONNECTED and beyond are event-driven.
func callDef(t *testing.T) *fsm.Definition {
	t.Helper()
	def, err := fsm.NewBuilder("call").
		Initial("IDLE").
		State("IDLE").
		On("incoming_call", "RINGING").Done().
		Done().
		State("RINGING").
		On("answer", "CONNECTED").Done().
		TimeoutAfter(3, "MISSED").
		Done().
		State("CONNECTED").
		On("hangup", "DONE").Done().
		Done().
		State("MISSED").Final(true).Done().
		State("DONE").Final(true).Done().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return def
}

func factoryFor(def *fsm.Definition) Factory {
	return func(id string) (*fsm.Machine, error) {
		return fsm.NewMachine(def, id), nil
	}
}

type recordingArchiver struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (a *recordingArchiver) ArchiveMachine(id string, contextData []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.ids = append(a.ids, id)
	return nil
}

func (a *recordingArchiver) archived() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.ids))
	copy(out, a.ids)
	return out
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *store.MemorySnapshotStore, *store.MemoryHistoryStore) {
	t.Helper()
	snaps := store.NewMemorySnapshotStore()
	hist := store.NewMemoryHistoryStore()
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return New(snaps, hist, opts), snaps, hist
}

func TestCreateOrGetFreshCreation(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)
	reg, snaps, _ := newTestRegistry(t, Options{})

	m, err := reg.CreateOrGet(ctx, "call-1", factoryFor(def))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if m.Current() != "IDLE" {
		t.Fatalf("fresh machine state = %q, want IDLE", m.Current())
	}
	if !reg.IsInMemory("call-1") {
		t.Fatal("machine should be live")
	}

	// The initial snapshot is durable before CreateOrGet returns.
	row, err := snaps.FindLatest(ctx, "call-1")
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if row.State != "IDLE" || row.Offline {
		t.Fatalf("initial snapshot = %+v", row)
	}
}

func TestCreateOrGetGeneratesID(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t, Options{})

	m, err := reg.CreateOrGet(ctx, "", factoryFor(callDef(t)))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if m.ID() == "" {
		t.Fatal("empty id should have been generated")
	}
}

func TestCreateOrGetMemoryHit(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)
	reg, _, _ := newTestRegistry(t, Options{})

	m1, err := reg.CreateOrGet(ctx, "call-1", factoryFor(def))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	// A live hit must not touch the factory.
	m2, err := reg.CreateOrGet(ctx, "call-1", func(id string) (*fsm.Machine, error) {
		t.Fatal("factory called on memory hit")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("CreateOrGet hit: %v", err)
	}
	if m1 != m2 {
		t.Fatal("memory hit returned a different instance")
	}
}

func TestCreateOrGetSingleFlight(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)
	reg, _, _ := newTestRegistry(t, Options{})

	var calls atomic.Int32
	factory := func(id string) (*fsm.Machine, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond) // widen the race window
		return fsm.NewMachine(def, id), nil
	}

	const goroutines = 16
	machines := make([]*fsm.Machine, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			m, err := reg.CreateOrGet(ctx, "call-1", factory)
			if err != nil {
				t.Errorf("CreateOrGet: %v", err)
				return
			}
			machines[i] = m
		}(i)
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("factory called %d times, want 1", n)
	}
	for i := 1; i < goroutines; i++ {
		if machines[i] != machines[0] {
			t.Fatal("concurrent callers got different instances")
		}
	}
}

func TestSendEventWriteThrough(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)
	reg, snaps, _ := newTestRegistry(t, Options{DefaultFactory: factoryFor(def)})

	res, err := reg.SendEvent(ctx, "call-1", fsm.Event{Name: "incoming_call"})
	if err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if res.From != "IDLE" || res.To != "RINGING" || res.Complete {
		t.Fatalf("Result = %+v", res)
	}

	row, err := snaps.FindLatest(ctx, "call-1")
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if row.State != "RINGING" {
		t.Fatalf("persisted state = %q, want RINGING", row.State)
	}
}

func TestSendEventPersistFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)
	reg, snaps, _ := newTestRegistry(t, Options{DefaultFactory: factoryFor(def)})

	m, err := reg.CreateOrGet(ctx, "call-1", factoryFor(def))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	snaps.FailWith(store.ErrUnavailable)
	_, err = reg.SendEvent(ctx, "call-1", fsm.Event{Name: "incoming_call"})
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("SendEvent during outage = %v, want ErrUnavailable", err)
	}
	if m.Current() != "IDLE" {
		t.Fatalf("in-memory state = %q after failed persist, want IDLE", m.Current())
	}

	// The same event is deliverable once storage recovers.
	snaps.FailWith(nil)
	res, err := reg.SendEvent(ctx, "call-1", fsm.Event{Name: "incoming_call"})
	if err != nil {
		t.Fatalf("SendEvent after recovery: %v", err)
	}
	if res.To != "RINGING" {
		t.Fatalf("Result.To = %q, want RINGING", res.To)
	}
}

func TestSendEventNoTransitionKeepsState(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)
	reg, snaps, _ := newTestRegistry(t, Options{DefaultFactory: factoryFor(def)})

	if _, err := reg.CreateOrGet(ctx, "call-1", factoryFor(def)); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	before, _ := snaps.FindLatest(ctx, "call-1")

	_, err := reg.SendEvent(ctx, "call-1", fsm.Event{Name: "hangup"})
	if !errors.Is(err, fsm.ErrNoTransition) {
		t.Fatalf("SendEvent = %v, want ErrNoTransition", err)
	}

	after, _ := snaps.FindLatest(ctx, "call-1")
	if after.State != before.State {
		t.Fatalf("snapshot changed on rejected event: %q -> %q", before.State, after.State)
	}
}

func TestTerminalArchivesAndEvicts(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)
	arch := &recordingArchiver{}
	reg, snaps, _ := newTestRegistry(t, Options{
		DefaultFactory: factoryFor(def),
		Archiver:       arch,
	})

	for _, ev := range []string{"incoming_call", "answer", "hangup"} {
		if _, err := reg.SendEvent(ctx, "call-1", fsm.Event{Name: ev}); err != nil {
			t.Fatalf("SendEvent(%s): %v", ev, err)
		}
	}

	if reg.IsInMemory("call-1") {
		t.Fatal("terminal machine should be evicted")
	}
	if got := arch.archived(); len(got) != 1 || got[0] != "call-1" {
		t.Fatalf("archived = %v, want [call-1]", got)
	}
	row, err := snaps.FindLatest(ctx, "call-1")
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if row.State != "DONE" || !row.Offline {
		t.Fatalf("terminal snapshot = %+v, want DONE offline", row)
	}
}

func TestRehydrationMidLifecycle(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)
	snaps := store.NewMemorySnapshotStore()
	hist := store.NewMemoryHistoryStore()

	reg1 := New(snaps, hist, Options{DefaultFactory: factoryFor(def), Logger: logging.Nop()})
	for _, ev := range []string{"incoming_call", "answer"} {
		if _, err := reg1.SendEvent(ctx, "call-1", fsm.Event{Name: ev}); err != nil {
			t.Fatalf("SendEvent(%s): %v", ev, err)
		}
	}
	if err := reg1.RemoveMachine(ctx, "call-1"); err != nil {
		t.Fatalf("RemoveMachine: %v", err)
	}
	row, _ := snaps.FindLatest(ctx, "call-1")
	if !row.Offline {
		t.Fatal("evicted machine's snapshot should be offline")
	}

	// A new registry over the same stores resumes where the old one stopped.
	reg2 := New(snaps, hist, Options{DefaultFactory: factoryFor(def), Logger: logging.Nop()})
	res, err := reg2.SendEvent(ctx, "call-1", fsm.Event{Name: "hangup"})
	if err != nil {
		t.Fatalf("SendEvent after rehydration: %v", err)
	}
	if res.From != "CONNECTED" || res.To != "DONE" {
		t.Fatalf("Result = %+v, want CONNECTED -> DONE", res)
	}
}

func TestRehydrateClearsOfflineFlag(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)
	snaps := store.NewMemorySnapshotStore()
	hist := store.NewMemoryHistoryStore()

	if err := snaps.Upsert(ctx, store.Row{MachineID: "call-1", State: "RINGING", Offline: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reg := New(snaps, hist, Options{Logger: logging.Nop()})
	m, err := reg.CreateOrGet(ctx, "call-1", factoryFor(def))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if m.Current() != "RINGING" {
		t.Fatalf("rehydrated state = %q, want RINGING", m.Current())
	}
	row, _ := snaps.FindLatest(ctx, "call-1")
	if row.Offline {
		t.Fatal("offline flag should be cleared on rehydration")
	}
}

func TestSendEventToTerminatedMachine(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)
	snaps := store.NewMemorySnapshotStore()
	hist := store.NewMemoryHistoryStore()

	// Archived: history row exists, active row gone.
	if err := hist.Insert(ctx, store.Row{MachineID: "call-1", State: "DONE", Timestamp: time.Now()}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	reg := New(snaps, hist, Options{DefaultFactory: factoryFor(def), Logger: logging.Nop()})
	_, err := reg.SendEvent(ctx, "call-1", fsm.Event{Name: "incoming_call"})
	if !errors.Is(err, ErrAlreadyTerminated) {
		t.Fatalf("SendEvent to terminated machine = %v, want ErrAlreadyTerminated", err)
	}
}

func TestDefinitionMismatchQuarantines(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)
	snaps := store.NewMemorySnapshotStore()
	hist := store.NewMemoryHistoryStore()

	// Persisted under a state the current definition does not know.
	if err := snaps.Upsert(ctx, store.Row{MachineID: "call-1", State: "LEGACY_STATE"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reg := New(snaps, hist, Options{Logger: logging.Nop()})
	_, err := reg.CreateOrGet(ctx, "call-1", factoryFor(def))
	if !errors.Is(err, ErrDefinitionMismatch) {
		t.Fatalf("CreateOrGet = %v, want ErrDefinitionMismatch", err)
	}

	// Subsequent attempts short-circuit on the quarantine.
	_, err = reg.CreateOrGet(ctx, "call-1", factoryFor(def))
	if !errors.Is(err, ErrQuarantined) {
		t.Fatalf("second CreateOrGet = %v, want ErrQuarantined", err)
	}

	reg.ClearQuarantine("call-1")
	_, err = reg.CreateOrGet(ctx, "call-1", factoryFor(def))
	if !errors.Is(err, ErrDefinitionMismatch) {
		t.Fatalf("CreateOrGet after clear = %v, want ErrDefinitionMismatch again", err)
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)
	reg, _, _ := newTestRegistry(t, Options{})

	if err := reg.Register(ctx, "call-1", fsm.NewMachine(def, "call-1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := reg.Register(ctx, "call-1", fsm.NewMachine(def, "call-1"))
	if !errors.Is(err, ErrAlreadyPresent) {
		t.Fatalf("duplicate Register = %v, want ErrAlreadyPresent", err)
	}
}

func TestTimeoutViaWheel(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)
	wheel := timer.NewWheel(logging.Nop())
	arch := &recordingArchiver{}
	reg, snaps, _ := newTestRegistry(t, Options{
		DefaultFactory: factoryFor(def),
		Archiver:       arch,
		Wheel:          wheel,
	})

	if _, err := reg.SendEvent(ctx, "call-1", fsm.Event{Name: "incoming_call"}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if wheel.Registered() != 1 {
		t.Fatalf("Registered = %d, want 1", wheel.Registered())
	}

	var results []Result
	reg.AddListener(func(res Result) { results = append(results, res) })

	wheel.Advance(ctx, 3)

	if reg.IsInMemory("call-1") {
		t.Fatal("timed-out machine should be evicted (MISSED is final)")
	}
	row, err := snaps.FindLatest(ctx, "call-1")
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if row.State != "MISSED" {
		t.Fatalf("persisted state = %q, want MISSED", row.State)
	}
	if got := arch.archived(); len(got) != 1 || got[0] != "call-1" {
		t.Fatalf("archived = %v, want [call-1]", got)
	}
	if len(results) != 1 || results[0].Trigger != fsm.TimeoutEvent || !results[0].Complete {
		t.Fatalf("listener results = %+v", results)
	}
	if wheel.Registered() != 0 {
		t.Fatalf("Registered after eviction = %d, want 0", wheel.Registered())
	}
}

func TestIdleSweeperEvicts(t *testing.T) {
	ctx := context.Background()
	def := callDef(t)

	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	reg, snaps, _ := newTestRegistry(t, Options{
		DefaultFactory: factoryFor(def),
		IdleTTL:        time.Minute,
		SweepInterval:  5 * time.Millisecond,
		Clock:          clock,
	})

	if _, err := reg.SendEvent(ctx, "call-1", fsm.Event{Name: "incoming_call"}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}

	reg.StartSweeper(ctx)
	defer reg.StopSweeper()

	advance(2 * time.Minute)
	deadline := time.After(2 * time.Second)
	for reg.IsInMemory("call-1") {
		select {
		case <-deadline:
			t.Fatal("idle machine was not evicted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	row, err := snaps.FindLatest(ctx, "call-1")
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if !row.Offline || row.State != "RINGING" {
		t.Fatalf("snapshot after idle eviction = %+v, want offline RINGING", row)
	}
}

func TestSendEventWithoutFactoryOrInstance(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t, Options{})

	_, err := reg.SendEvent(ctx, "ghost", fsm.Event{Name: "x"})
	if !errors.Is(err, ErrNoFactory) {
		t.Fatalf("SendEvent without factory = %v, want ErrNoFactory", err)
	}
}
