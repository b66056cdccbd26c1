// Package sqlstore implements the snapshot and history stores on
// database/sql. It speaks two dialects: "postgres" ($n placeholders, upsert
// via ON CONFLICT) and "sqlite" (?-placeholders, same upsert clause). The
// host registers the driver (lib/pq or mattn/go-sqlite3) and passes the
// pool in.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fluxorio/machina/pkg/store"
)

// Dialect names.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// PoolConfig configures the connection pool shared by the write path, the
// archival workers and the retention sweeper.
type PoolConfig struct {
	DSN             string
	DriverName      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns conservative pool defaults.
func DefaultPoolConfig(dsn, driverName string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Open opens and pings a pooled connection.
func Open(ctx context.Context, cfg PoolConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlstore: DSN cannot be empty")
	}
	if cfg.DriverName == "" {
		return nil, fmt.Errorf("sqlstore: driver name cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("sqlstore: MaxOpenConns must be positive")
	}
	if cfg.MaxIdleConns > cfg.MaxOpenConns {
		return nil, fmt.Errorf("sqlstore: MaxIdleConns cannot exceed MaxOpenConns")
	}

	db, err := sql.Open(cfg.DriverName, cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return db, nil
}

// Schema returns the DDL for both stores in the given dialect.
func Schema(dialect string) string {
	blob := "BYTEA"
	if dialect == DialectSQLite {
		blob = "BLOB"
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS machine_snapshots (
    machine_id   VARCHAR(255) PRIMARY KEY,
    state        VARCHAR(255) NOT NULL,
    context_data %s,
    ts           TIMESTAMP NOT NULL,
    is_offline   BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_machine_snapshots_state ON machine_snapshots (state);

CREATE TABLE IF NOT EXISTS machine_history (
    machine_id   VARCHAR(255) PRIMARY KEY,
    state        VARCHAR(255) NOT NULL,
    context_data %s,
    ts           TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_machine_history_ts ON machine_history (ts);
`, blob, blob)
}

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB, dialect string) error {
	for _, stmt := range strings.Split(Schema(dialect), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: ensure schema: %v", store.ErrUnavailable, err)
		}
	}
	return nil
}

// rebind converts $n placeholders to ? for sqlite.
func rebind(dialect, query string) string {
	if dialect != DialectSQLite {
		return query
	}
	out := query
	for i := 9; i >= 1; i-- {
		out = strings.ReplaceAll(out, fmt.Sprintf("$%d", i), "?")
	}
	return out
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", store.ErrUnavailable, op, err)
}

// SnapshotStore is the active store on database/sql.
type SnapshotStore struct {
	db      *sql.DB
	dialect string
}

// NewSnapshotStore wraps db. dialect is DialectPostgres or DialectSQLite.
func NewSnapshotStore(db *sql.DB, dialect string) *SnapshotStore {
	return &SnapshotStore{db: db, dialect: dialect}
}

func (s *SnapshotStore) Upsert(ctx context.Context, row store.Row) error {
	if err := store.ValidateID(row.MachineID); err != nil {
		return err
	}
	q := rebind(s.dialect, `
INSERT INTO machine_snapshots (machine_id, state, context_data, ts, is_offline)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (machine_id) DO UPDATE SET
    state = EXCLUDED.state,
    context_data = EXCLUDED.context_data,
    ts = EXCLUDED.ts,
    is_offline = EXCLUDED.is_offline`)
	_, err := s.db.ExecContext(ctx, q, row.MachineID, row.State, row.ContextData, row.Timestamp.UTC(), row.Offline)
	return wrapErr("upsert snapshot", err)
}

func (s *SnapshotStore) FindLatest(ctx context.Context, machineID string) (store.Row, error) {
	q := rebind(s.dialect, `
SELECT machine_id, state, context_data, ts, is_offline
FROM machine_snapshots WHERE machine_id = $1`)
	var row store.Row
	err := s.db.QueryRowContext(ctx, q, machineID).Scan(
		&row.MachineID, &row.State, &row.ContextData, &row.Timestamp, &row.Offline)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Row{}, store.ErrNotFound
	}
	if err != nil {
		return store.Row{}, wrapErr("find snapshot", err)
	}
	return row, nil
}

func (s *SnapshotStore) MarkOffline(ctx context.Context, machineID string, offline bool) error {
	q := rebind(s.dialect, `UPDATE machine_snapshots SET is_offline = $1 WHERE machine_id = $2`)
	res, err := s.db.ExecContext(ctx, q, offline, machineID)
	if err != nil {
		return wrapErr("mark offline", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SnapshotStore) Delete(ctx context.Context, machineID string) error {
	q := rebind(s.dialect, `DELETE FROM machine_snapshots WHERE machine_id = $1`)
	_, err := s.db.ExecContext(ctx, q, machineID)
	return wrapErr("delete snapshot", err)
}

func (s *SnapshotStore) ScanWhereStateIn(ctx context.Context, states []string, cursor string, limit int) ([]store.Row, string, error) {
	if limit <= 0 {
		limit = 100
	}
	if len(states) == 0 {
		return nil, "", nil
	}

	placeholders := make([]string, len(states))
	args := make([]interface{}, 0, len(states)+2)
	for i, st := range states {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, st)
	}
	q := fmt.Sprintf(`
SELECT machine_id, state, context_data, ts, is_offline
FROM machine_snapshots
WHERE state IN (%s) AND machine_id > $%d
ORDER BY machine_id
LIMIT $%d`, strings.Join(placeholders, ", "), len(states)+1, len(states)+2)
	args = append(args, cursor, limit)

	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, q), args...)
	if err != nil {
		return nil, "", wrapErr("scan snapshots", err)
	}
	defer rows.Close()

	out := make([]store.Row, 0, limit)
	for rows.Next() {
		var row store.Row
		if err := rows.Scan(&row.MachineID, &row.State, &row.ContextData, &row.Timestamp, &row.Offline); err != nil {
			return nil, "", fmt.Errorf("%w: scan row: %v", store.ErrCorrupt, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, "", wrapErr("scan snapshots", err)
	}

	next := ""
	if len(out) == limit {
		next = out[len(out)-1].MachineID
	}
	return out, next, nil
}

// HistoryStore is the terminal-machine store on database/sql.
type HistoryStore struct {
	db      *sql.DB
	dialect string
}

// NewHistoryStore wraps db.
func NewHistoryStore(db *sql.DB, dialect string) *HistoryStore {
	return &HistoryStore{db: db, dialect: dialect}
}

func (s *HistoryStore) Insert(ctx context.Context, row store.Row) error {
	if err := store.ValidateID(row.MachineID); err != nil {
		return err
	}
	// Idempotent on machine id so archival retries are safe.
	q := rebind(s.dialect, `
INSERT INTO machine_history (machine_id, state, context_data, ts)
VALUES ($1, $2, $3, $4)
ON CONFLICT (machine_id) DO NOTHING`)
	_, err := s.db.ExecContext(ctx, q, row.MachineID, row.State, row.ContextData, row.Timestamp.UTC())
	return wrapErr("insert history", err)
}

func (s *HistoryStore) FindLatest(ctx context.Context, machineID string) (store.Row, error) {
	q := rebind(s.dialect, `
SELECT machine_id, state, context_data, ts FROM machine_history WHERE machine_id = $1`)
	var row store.Row
	err := s.db.QueryRowContext(ctx, q, machineID).Scan(
		&row.MachineID, &row.State, &row.ContextData, &row.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Row{}, store.ErrNotFound
	}
	if err != nil {
		return store.Row{}, wrapErr("find history", err)
	}
	return row, nil
}

func (s *HistoryStore) Delete(ctx context.Context, machineID string) error {
	q := rebind(s.dialect, `DELETE FROM machine_history WHERE machine_id = $1`)
	_, err := s.db.ExecContext(ctx, q, machineID)
	return wrapErr("delete history", err)
}

func (s *HistoryStore) DeleteOlderThan(ctx context.Context, t time.Time, limit int) (int, error) {
	// Batched so one sweep never holds a transaction across the whole
	// store.
	var q string
	if limit > 0 {
		q = `DELETE FROM machine_history WHERE machine_id IN (
    SELECT machine_id FROM machine_history WHERE ts < $1 LIMIT $2)`
	} else {
		q = `DELETE FROM machine_history WHERE ts < $1`
	}
	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = s.db.ExecContext(ctx, rebind(s.dialect, q), t.UTC(), limit)
	} else {
		res, err = s.db.ExecContext(ctx, rebind(s.dialect, q), t.UTC())
	}
	if err != nil {
		return 0, wrapErr("delete older than", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}
