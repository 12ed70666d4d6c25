package optimizer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// patternAlpha is the EMA rate for the time-of-week traffic table; slow on
// purpose, one sample per (dow, hour) cell per pass.
const patternAlpha = 0.2

// sampleRetention bounds how many recent samples are kept per backend for
// trend regression.
const sampleRetention = 120

// TrafficSample is one observation of a backend's load.
type TrafficSample struct {
	Backend     string    `json:"backend"`
	Timestamp   time.Time `json:"timestamp"`
	Connections int       `json:"connections"`
	QueueDepth  int       `json:"queue_depth"`
}

// OptimizationRecord is one applied (or aborted) optimization pass.
type OptimizationRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Algorithm string         `json:"algorithm"`
	Emergency bool           `json:"emergency"`
	Applied   bool           `json:"applied"`
	Changes   []WeightChange `json:"changes"`
}

// State persists the optimizer's traffic patterns, recent samples, and
// optimization history across restarts.
type State struct {
	db *sql.DB
}

// OpenState opens (creating if necessary) the optimizer state database.
func OpenState(dbPath string) (*State, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", dbPath, 5000)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open optimizer state: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &State{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize optimizer schema: %w", err)
	}
	return s, nil
}

func (s *State) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS traffic_patterns (
		backend    TEXT NOT NULL,
		dow        INTEGER NOT NULL,
		hour       INTEGER NOT NULL,
		ema_conns  REAL NOT NULL DEFAULT 0,
		ema_queue  REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (backend, dow, hour)
	);
	CREATE TABLE IF NOT EXISTS samples (
		backend     TEXT NOT NULL,
		ts          INTEGER NOT NULL,
		connections INTEGER NOT NULL,
		queue_depth INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_samples_backend_ts ON samples (backend, ts);
	CREATE TABLE IF NOT EXISTS history (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		ts        INTEGER NOT NULL,
		algorithm TEXT NOT NULL,
		emergency INTEGER NOT NULL,
		applied   INTEGER NOT NULL,
		changes   TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordSample stores an observation and folds it into the (dow, hour)
// traffic pattern EMA. Old samples beyond the retention window are pruned.
func (s *State) RecordSample(ctx context.Context, sample TrafficSample) error {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin sample transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO samples (backend, ts, connections, queue_depth)
		VALUES (?, ?, ?, ?)
	`, sample.Backend, ts.Unix(), sample.Connections, sample.QueueDepth); err != nil {
		return fmt.Errorf("failed to insert sample: %w", err)
	}

	// Keep only the newest sampleRetention rows per backend.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM samples WHERE backend = ? AND ts NOT IN (
			SELECT ts FROM samples WHERE backend = ? ORDER BY ts DESC LIMIT ?
		)
	`, sample.Backend, sample.Backend, sampleRetention); err != nil {
		return fmt.Errorf("failed to prune samples: %w", err)
	}

	dow := int(ts.Weekday())
	hour := ts.Hour()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO traffic_patterns (backend, dow, hour, ema_conns, ema_queue, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(backend, dow, hour) DO UPDATE SET
			ema_conns  = ema_conns + ? * (excluded.ema_conns - ema_conns),
			ema_queue  = ema_queue + ? * (excluded.ema_queue - ema_queue),
			updated_at = excluded.updated_at
	`, sample.Backend, dow, hour, float64(sample.Connections), float64(sample.QueueDepth), ts.Unix(),
		patternAlpha, patternAlpha); err != nil {
		return fmt.Errorf("failed to update traffic pattern: %w", err)
	}

	return tx.Commit()
}

// RecentSamples returns up to limit samples for a backend, oldest first.
func (s *State) RecentSamples(ctx context.Context, backend string, limit int) ([]TrafficSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT backend, ts, connections, queue_depth FROM (
			SELECT backend, ts, connections, queue_depth
			FROM samples WHERE backend = ? ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC
	`, backend, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	defer rows.Close()

	var out []TrafficSample
	for rows.Next() {
		var sm TrafficSample
		var ts int64
		if err := rows.Scan(&sm.Backend, &ts, &sm.Connections, &sm.QueueDepth); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		sm.Timestamp = time.Unix(ts, 0)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// PatternConns returns the traffic-pattern EMA of connections for the given
// backend and time-of-week cell. Returns (0, false) when no pattern exists.
func (s *State) PatternConns(ctx context.Context, backend string, dow, hour int) (float64, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ema_conns FROM traffic_patterns
		WHERE backend = ? AND dow = ? AND hour = ?
	`, backend, dow, hour)

	var conns float64
	err := row.Scan(&conns)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read traffic pattern: %w", err)
	}
	return conns, true, nil
}

// AppendHistory records one optimization pass.
func (s *State) AppendHistory(ctx context.Context, rec OptimizationRecord) error {
	changes, err := json.Marshal(rec.Changes)
	if err != nil {
		return fmt.Errorf("failed to encode changes: %w", err)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO history (ts, algorithm, emergency, applied, changes)
		VALUES (?, ?, ?, ?, ?)
	`, ts.Unix(), rec.Algorithm, boolInt(rec.Emergency), boolInt(rec.Applied), string(changes)); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// History returns the newest limit records, newest first.
func (s *State) History(ctx context.Context, limit int) ([]OptimizationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, algorithm, emergency, applied, changes
		FROM history ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer rows.Close()

	var out []OptimizationRecord
	for rows.Next() {
		var rec OptimizationRecord
		var ts int64
		var emergency, applied int
		var changes string
		if err := rows.Scan(&ts, &rec.Algorithm, &emergency, &applied, &changes); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.Timestamp = time.Unix(ts, 0)
		rec.Emergency = emergency != 0
		rec.Applied = applied != 0
		if err := json.Unmarshal([]byte(changes), &rec.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode changes: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *State) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
