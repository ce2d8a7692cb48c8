package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS counters (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	data     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	taken_at TEXT NOT NULL,
	data     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_taken_at ON snapshots (taken_at);
`

// SQLiteRepository is a file-backed repository. The database file is created
// on first open; the schema bootstraps in place.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the metrics database at path.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap metrics schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close releases the underlying database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) LoadCounters(ctx context.Context) (Counters, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT data FROM counters WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return Counters{}, nil
	}
	if err != nil {
		return Counters{}, fmt.Errorf("load counters: %w", err)
	}
	var c Counters
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Counters{}, fmt.Errorf("decode counters: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) SaveCounters(ctx context.Context, c Counters) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO counters (id, data) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data`, string(data))
	if err != nil {
		return fmt.Errorf("save counters: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) LoadSnapshots(ctx context.Context) ([]Snapshot, error) {
	// Most recent ring's worth, returned oldest first.
	rows, err := r.db.QueryContext(ctx,
		`SELECT data FROM (
			SELECT taken_at, data FROM snapshots ORDER BY taken_at DESC LIMIT ?
		) ORDER BY taken_at ASC`, snapshotRingCap)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var s Snapshot
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) AppendSnapshot(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO snapshots (taken_at, data) VALUES (?, ?)`,
		s.Time.UTC().Format(time.RFC3339Nano), string(data))
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	// Keep the table bounded to the ring capacity.
	_, err = r.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE taken_at NOT IN (
			SELECT taken_at FROM snapshots ORDER BY taken_at DESC LIMIT ?)`, snapshotRingCap)
	return err
}
