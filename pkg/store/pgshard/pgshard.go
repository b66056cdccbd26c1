// Package pgshard implements a hash-sharded SnapshotStore on pgx
// connection pools. Machine ids route to shards by FNV-1a hash, so a
// machine's row always lives on the same shard and single-row operations
// touch exactly one pool. Cross-shard scans fan out shard by shard with a
// composite cursor.
package pgshard

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxorio/machina/pkg/logging"
	"github.com/fluxorio/machina/pkg/store"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS machine_snapshots (
    machine_id   VARCHAR(255) PRIMARY KEY,
    state        VARCHAR(255) NOT NULL,
    context_data BYTEA,
    ts           TIMESTAMP NOT NULL,
    is_offline   BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_machine_snapshots_state ON machine_snapshots (state)`

// ShardConfig describes one shard endpoint.
type ShardConfig struct {
	DSN      string
	PoolSize int
}

// SnapshotStore routes snapshot rows across postgres shards.
type SnapshotStore struct {
	pools  []*pgxpool.Pool
	logger logging.Logger
}

// New connects every shard and verifies the schema. All pools must come up
// or New fails and closes the ones already opened.
func New(ctx context.Context, shards []ShardConfig, logger logging.Logger) (*SnapshotStore, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("pgshard: at least one shard is required")
	}
	if logger == nil {
		logger = logging.NewDefault()
	}

	pools := make([]*pgxpool.Pool, 0, len(shards))
	closeAll := func() {
		for _, p := range pools {
			p.Close()
		}
	}

	for i, sc := range shards {
		pcfg, err := pgxpool.ParseConfig(sc.DSN)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("pgshard: parse shard %d config: %w", i, err)
		}
		if sc.PoolSize > 0 {
			pcfg.MaxConns = int32(sc.PoolSize)
		}
		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("pgshard: connect shard %d: %w", i, err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			closeAll()
			return nil, fmt.Errorf("%w: shard %d: %v", store.ErrUnavailable, i, err)
		}
		pools = append(pools, pool)
	}

	s := &SnapshotStore{pools: pools, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		closeAll()
		return nil, err
	}
	logger.Infof("pgshard store ready: %d shards", len(pools))
	return s, nil
}

// Close releases all shard pools.
func (s *SnapshotStore) Close() {
	for _, p := range s.pools {
		p.Close()
	}
}

// Shards returns the shard count.
func (s *SnapshotStore) Shards() int { return len(s.pools) }

// shardIndex routes a machine id to a shard slot. The mapping must stay
// stable across restarts; changing it strands existing rows.
func shardIndex(machineID string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(machineID))
	return int(h.Sum32()) % shards
}

func (s *SnapshotStore) shardFor(machineID string) *pgxpool.Pool {
	return s.pools[shardIndex(machineID, len(s.pools))]
}

func (s *SnapshotStore) ensureSchema(ctx context.Context) error {
	for i, p := range s.pools {
		for _, stmt := range strings.Split(snapshotSchema, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := p.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("%w: shard %d schema: %v", store.ErrUnavailable, i, err)
			}
		}
	}
	return nil
}

func (s *SnapshotStore) Upsert(ctx context.Context, row store.Row) error {
	if err := store.ValidateID(row.MachineID); err != nil {
		return err
	}
	_, err := s.shardFor(row.MachineID).Exec(ctx, `
INSERT INTO machine_snapshots (machine_id, state, context_data, ts, is_offline)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (machine_id) DO UPDATE SET
    state = EXCLUDED.state,
    context_data = EXCLUDED.context_data,
    ts = EXCLUDED.ts,
    is_offline = EXCLUDED.is_offline`,
		row.MachineID, row.State, row.ContextData, row.Timestamp.UTC(), row.Offline)
	if err != nil {
		return fmt.Errorf("%w: upsert snapshot: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *SnapshotStore) FindLatest(ctx context.Context, machineID string) (store.Row, error) {
	var row store.Row
	err := s.shardFor(machineID).QueryRow(ctx, `
SELECT machine_id, state, context_data, ts, is_offline
FROM machine_snapshots WHERE machine_id = $1`, machineID).Scan(
		&row.MachineID, &row.State, &row.ContextData, &row.Timestamp, &row.Offline)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Row{}, store.ErrNotFound
	}
	if err != nil {
		return store.Row{}, fmt.Errorf("%w: find snapshot: %v", store.ErrUnavailable, err)
	}
	return row, nil
}

func (s *SnapshotStore) MarkOffline(ctx context.Context, machineID string, offline bool) error {
	tag, err := s.shardFor(machineID).Exec(ctx, `
UPDATE machine_snapshots SET is_offline = $1 WHERE machine_id = $2`, offline, machineID)
	if err != nil {
		return fmt.Errorf("%w: mark offline: %v", store.ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SnapshotStore) Delete(ctx context.Context, machineID string) error {
	_, err := s.shardFor(machineID).Exec(ctx, `
DELETE FROM machine_snapshots WHERE machine_id = $1`, machineID)
	if err != nil {
		return fmt.Errorf("%w: delete snapshot: %v", store.ErrUnavailable, err)
	}
	return nil
}

// ScanWhereStateIn pages through all shards in order. The cursor encodes
// "<shard>:<machine_id>" so a page boundary resumes on the right shard.
func (s *SnapshotStore) ScanWhereStateIn(ctx context.Context, states []string, cursor string, limit int) ([]store.Row, string, error) {
	if limit <= 0 {
		limit = 100
	}
	if len(states) == 0 {
		return nil, "", nil
	}

	shard, after, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	out := make([]store.Row, 0, limit)
	for ; shard < len(s.pools); shard++ {
		rows, err := s.scanShard(ctx, shard, states, after, limit-len(out))
		if err != nil {
			return nil, "", err
		}
		out = append(out, rows...)
		if len(out) == limit {
			return out, encodeCursor(shard, out[len(out)-1].MachineID), nil
		}
		after = ""
	}
	return out, "", nil
}

func (s *SnapshotStore) scanShard(ctx context.Context, shard int, states []string, after string, limit int) ([]store.Row, error) {
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
	args = append(args, after, limit)

	rows, err := s.pools[shard].Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: scan shard %d: %v", store.ErrUnavailable, shard, err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		var row store.Row
		if err := rows.Scan(&row.MachineID, &row.State, &row.ContextData, &row.Timestamp, &row.Offline); err != nil {
			return nil, fmt.Errorf("%w: scan shard %d row: %v", store.ErrCorrupt, shard, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan shard %d: %v", store.ErrUnavailable, shard, err)
	}
	return out, nil
}

func encodeCursor(shard int, machineID string) string {
	return strconv.Itoa(shard) + ":" + machineID
}

func decodeCursor(cursor string) (shard int, after string, err error) {
	if cursor == "" {
		return 0, "", nil
	}
	idx := strings.IndexByte(cursor, ':')
	if idx < 0 {
		return 0, "", fmt.Errorf("%w: malformed scan cursor %q", store.ErrCorrupt, cursor)
	}
	shard, err = strconv.Atoi(cursor[:idx])
	if err != nil || shard < 0 {
		return 0, "", fmt.Errorf("%w: malformed scan cursor %q", store.ErrCorrupt, cursor)
	}
	return shard, cursor[idx+1:], nil
}
