package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemorySnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySnapshotStore()

	row := Row{
		MachineID:   "m1",
		State:       "RINGING",
		ContextData: []byte(`{"caller":"alice"}`),
		Timestamp:   time.Now().UTC(),
	}
	if err := s.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.FindLatest(ctx, "m1")
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if got.State != "RINGING" || string(got.ContextData) != `{"caller":"alice"}` {
		t.Fatalf("FindLatest = %+v", got)
	}

	// Upsert replaces.
	row.State = "CONNECTED"
	if err := s.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, _ = s.FindLatest(ctx, "m1")
	if got.State != "CONNECTED" {
		t.Fatalf("state after second Upsert = %q", got.State)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}

	if _, err := s.FindLatest(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindLatest(absent) = %v, want ErrNotFound", err)
	}
}

func TestMemorySnapshotReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySnapshotStore()
	if err := s.Upsert(ctx, Row{MachineID: "m1", State: "a", ContextData: []byte("orig")}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, _ := s.FindLatest(ctx, "m1")
	copy(got.ContextData, "XXXX")

	again, _ := s.FindLatest(ctx, "m1")
	if string(again.ContextData) != "orig" {
		t.Fatalf("stored context mutated through returned slice: %q", again.ContextData)
	}
}

func TestMemorySnapshotMarkOffline(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySnapshotStore()
	if err := s.Upsert(ctx, Row{MachineID: "m1", State: "a"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := s.MarkOffline(ctx, "m1", true); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	got, _ := s.FindLatest(ctx, "m1")
	if !got.Offline {
		t.Fatal("row should be offline")
	}

	if err := s.MarkOffline(ctx, "absent", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkOffline(absent) = %v, want ErrNotFound", err)
	}
}

func TestMemorySnapshotScanPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySnapshotStore()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		state := "DONE"
		if id == "c" {
			state = "ACTIVE"
		}
		if err := s.Upsert(ctx, Row{MachineID: id, State: state}); err != nil {
			t.Fatalf("Upsert(%s): %v", id, err)
		}
	}

	var all []string
	cursor := ""
	for {
		rows, next, err := s.ScanWhereStateIn(ctx, []string{"DONE"}, cursor, 2)
		if err != nil {
			t.Fatalf("ScanWhereStateIn: %v", err)
		}
		for _, r := range rows {
			all = append(all, r.MachineID)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	want := []string{"a", "b", "d", "e"}
	if len(all) != len(want) {
		t.Fatalf("scan returned %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("scan returned %v, want %v", all, want)
		}
	}
}

func TestMemorySnapshotOutage(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySnapshotStore()
	s.FailWith(ErrUnavailable)

	if err := s.Upsert(ctx, Row{MachineID: "m1", State: "a"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Upsert during outage = %v, want ErrUnavailable", err)
	}
	s.FailWith(nil)
	if err := s.Upsert(ctx, Row{MachineID: "m1", State: "a"}); err != nil {
		t.Fatalf("Upsert after recovery: %v", err)
	}
}

func TestValidateID(t *testing.T) {
	if err := ValidateID("ok"); err != nil {
		t.Fatalf("ValidateID(ok): %v", err)
	}
	if err := ValidateID(strings.Repeat("x", MaxIDLength+1)); !errors.Is(err, ErrIDTooLong) {
		t.Fatalf("over-long id = %v, want ErrIDTooLong", err)
	}
}

func TestMemoryHistoryInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryHistoryStore()

	first := Row{MachineID: "m1", State: "DONE", ContextData: []byte("v1"), Timestamp: time.Now()}
	if err := s.Insert(ctx, first); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// A repeated insert (archival retry) must not overwrite.
	second := first
	second.ContextData = []byte("v2")
	if err := s.Insert(ctx, second); err != nil {
		t.Fatalf("second Insert: %v", err)
	}

	got, err := s.FindLatest(ctx, "m1")
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if string(got.ContextData) != "v1" {
		t.Fatalf("context = %q, want first write preserved", got.ContextData)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestMemoryHistoryFailInserts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryHistoryStore()
	s.FailInserts(2)

	row := Row{MachineID: "m1", State: "DONE"}
	for i := 0; i < 2; i++ {
		if err := s.Insert(ctx, row); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("Insert %d = %v, want ErrUnavailable", i, err)
		}
	}
	if err := s.Insert(ctx, row); err != nil {
		t.Fatalf("Insert after transient failures: %v", err)
	}
}

func TestMemoryHistoryDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryHistoryStore()
	now := time.Now()

	old := now.Add(-48 * time.Hour)
	for i, id := range []string{"old1", "old2", "old3"} {
		if err := s.Insert(ctx, Row{MachineID: id, State: "DONE", Timestamp: old.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := s.Insert(ctx, Row{MachineID: "fresh", State: "DONE", Timestamp: now}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	cutoff := now.Add(-24 * time.Hour)

	// Batched deletion: limit 2 deletes at most 2 per call.
	n, err := s.DeleteOlderThan(ctx, cutoff, 2)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 2 {
		t.Fatalf("first batch deleted %d, want 2", n)
	}
	n, err = s.DeleteOlderThan(ctx, cutoff, 2)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("second batch deleted %d, want 1", n)
	}

	if _, err := s.FindLatest(ctx, "fresh"); err != nil {
		t.Fatalf("fresh row was deleted: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}
