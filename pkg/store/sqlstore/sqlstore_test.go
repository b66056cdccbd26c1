package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxorio/machina/pkg/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "machina.db")
	db, err := Open(context.Background(), DefaultPoolConfig(dsn, "sqlite3"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := EnsureSchema(context.Background(), db, DialectSQLite); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return db
}

func TestOpenValidatesConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, PoolConfig{DriverName: "sqlite3", MaxOpenConns: 1}); err == nil {
		t.Fatal("Open without DSN succeeded, want error")
	}
	if _, err := Open(ctx, PoolConfig{DSN: "x", MaxOpenConns: 1}); err == nil {
		t.Fatal("Open without driver succeeded, want error")
	}
	if _, err := Open(ctx, PoolConfig{DSN: "x", DriverName: "sqlite3"}); err == nil {
		t.Fatal("Open with zero MaxOpenConns succeeded, want error")
	}
	if _, err := Open(ctx, PoolConfig{DSN: "x", DriverName: "sqlite3", MaxOpenConns: 2, MaxIdleConns: 5}); err == nil {
		t.Fatal("Open with MaxIdleConns > MaxOpenConns succeeded, want error")
	}
}

func TestSnapshotStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewSnapshotStore(openTestDB(t), DialectSQLite)

	row := store.Row{
		MachineID:   "m1",
		State:       "RINGING",
		ContextData: []byte(`{"caller":"alice"}`),
		Timestamp:   time.Now().UTC().Truncate(time.Second),
	}
	if err := s.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.FindLatest(ctx, "m1")
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if got.State != "RINGING" || string(got.ContextData) != `{"caller":"alice"}` || got.Offline {
		t.Fatalf("FindLatest = %+v", got)
	}

	// Upsert replaces the row.
	row.State = "CONNECTED"
	row.Offline = true
	if err := s.Upsert(ctx, row); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	got, _ = s.FindLatest(ctx, "m1")
	if got.State != "CONNECTED" || !got.Offline {
		t.Fatalf("after second Upsert = %+v", got)
	}

	if err := s.MarkOffline(ctx, "m1", false); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	got, _ = s.FindLatest(ctx, "m1")
	if got.Offline {
		t.Fatal("row should be online")
	}
	if err := s.MarkOffline(ctx, "ghost", true); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("MarkOffline(ghost) = %v, want ErrNotFound", err)
	}

	if err := s.Delete(ctx, "m1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.FindLatest(ctx, "m1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("FindLatest after Delete = %v, want ErrNotFound", err)
	}
}

func TestSnapshotStoreScanPaging(t *testing.T) {
	ctx := context.Background()
	s := NewSnapshotStore(openTestDB(t), DialectSQLite)

	for _, r := range []store.Row{
		{MachineID: "a", State: "DONE"},
		{MachineID: "b", State: "ACTIVE"},
		{MachineID: "c", State: "MISSED"},
		{MachineID: "d", State: "DONE"},
		{MachineID: "e", State: "DONE"},
	} {
		r.Timestamp = time.Now()
		if err := s.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	var all []string
	cursor := ""
	for {
		rows, next, err := s.ScanWhereStateIn(ctx, []string{"DONE", "MISSED"}, cursor, 2)
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

	want := []string{"a", "c", "d", "e"}
	if len(all) != len(want) {
		t.Fatalf("scan = %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("scan = %v, want %v", all, want)
		}
	}
}

func TestHistoryStoreIdempotentInsert(t *testing.T) {
	ctx := context.Background()
	s := NewHistoryStore(openTestDB(t), DialectSQLite)

	first := store.Row{MachineID: "m1", State: "DONE", ContextData: []byte("v1"), Timestamp: time.Now()}
	if err := s.Insert(ctx, first); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	dup := first
	dup.ContextData = []byte("v2")
	if err := s.Insert(ctx, dup); err != nil {
		t.Fatalf("duplicate Insert: %v", err)
	}

	got, err := s.FindLatest(ctx, "m1")
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if string(got.ContextData) != "v1" {
		t.Fatalf("context = %q, want first write preserved", got.ContextData)
	}
}

func TestHistoryStoreDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	s := NewHistoryStore(openTestDB(t), DialectSQLite)
	now := time.Now().UTC()

	for i, id := range []string{"old1", "old2", "old3"} {
		r := store.Row{MachineID: id, State: "DONE", Timestamp: now.Add(-48*time.Hour + time.Duration(i)*time.Minute)}
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := s.Insert(ctx, store.Row{MachineID: "fresh", State: "DONE", Timestamp: now}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	cutoff := now.Add(-24 * time.Hour)
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
		t.Fatalf("fresh row deleted: %v", err)
	}
}
