package agents

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TLSPreference is the last-known TLS posture of an agent's backend.
type TLSPreference string

const (
	TLSRequired  TLSPreference = "required"
	TLSForbidden TLSPreference = "forbidden"
	TLSUnknown   TLSPreference = "unknown"
)

// Agent is one registered agent row.
type Agent struct {
	// ID is the opaque agent identifier, used unchanged as a subdomain label.
	ID string

	// TargetIP and TargetPort are the last-known backend address.
	TargetIP   string
	TargetPort int

	// TLS is the last probe classification for the backend.
	TLS TLSPreference

	// CreatedAt and UpdatedAt are registration and last-mutation times.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registry is the SQLite-backed agent store.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if necessary) the registry database at dbPath.
func Open(dbPath string) (*Registry, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent registry: %w", err)
	}

	// SQLite supports a single writer; cap the pool accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize agent registry schema: %w", err)
	}
	return r, nil
}

// initSchema creates the agents table if it does not exist.
func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id          TEXT PRIMARY KEY,
		target_ip   TEXT NOT NULL,
		target_port INTEGER NOT NULL,
		tls         TEXT NOT NULL DEFAULT 'unknown',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Upsert inserts or updates an agent row, preserving created_at on update.
func (r *Registry) Upsert(ctx context.Context, a Agent) error {
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agents (id, target_ip, target_port, tls, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			target_ip   = excluded.target_ip,
			target_port = excluded.target_port,
			tls         = excluded.tls,
			updated_at  = excluded.updated_at
	`, a.ID, a.TargetIP, a.TargetPort, string(a.TLS), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert agent %q: %w", a.ID, err)
	}
	return nil
}

// Get returns the agent with the given ID, or (nil, nil) when absent.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, target_ip, target_port, tls, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)

	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent %q: %w", id, err)
	}
	return a, nil
}

// List returns all agents ordered by identifier.
func (r *Registry) List(ctx context.Context) ([]Agent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, target_ip, target_port, tls, created_at, updated_at
		FROM agents ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Delete removes an agent row. Deleting an absent agent is a no-op.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete agent %q: %w", id, err)
	}
	return nil
}

// Close releases the database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanAgent.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(s scanner) (*Agent, error) {
	var a Agent
	var tls string
	var created, updated int64
	if err := s.Scan(&a.ID, &a.TargetIP, &a.TargetPort, &tls, &created, &updated); err != nil {
		return nil, err
	}
	a.TLS = TLSPreference(tls)
	a.CreatedAt = time.Unix(created, 0)
	a.UpdatedAt = time.Unix(updated, 0)
	return &a, nil
}
