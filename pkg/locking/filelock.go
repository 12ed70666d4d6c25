package locking

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cloudlunacy/frontdoor/pkg/errdefs"
)

const (
	// pollInterval is the cadence at which acquisition retries the
	// exclusive create.
	pollInterval = 100 * time.Millisecond

	// DefaultStaleThreshold is the age beyond which an existing lock file
	// is considered abandoned and reclaimed.
	DefaultStaleThreshold = 5 * time.Minute

	// DefaultAcquireTimeout is used when the caller passes a zero timeout.
	DefaultAcquireTimeout = 30 * time.Second
)

// Manager hands out advisory locks keyed by caller-chosen identifiers.
// Lock files live in a single directory; the identifier is sanitized into
// the file name.
type Manager struct {
	dir            string
	staleThreshold time.Duration

	// held tracks identifiers locked by this process so Release can be
	// idempotent and so a holder never reclaims its own lock as stale.
	mu   sync.Mutex
	held map[string]string // id -> lock file path
}

// NewManager creates a lock manager rooted at dir. The directory is created
// if it does not exist.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindLockIO, fmt.Sprintf("cannot create lock directory %s", dir), err)
	}
	return &Manager{
		dir:            dir,
		staleThreshold: DefaultStaleThreshold,
		held:           make(map[string]string),
	}, nil
}

// SetStaleThreshold overrides the stale-lock reclamation age. Intended for
// tests.
func (m *Manager) SetStaleThreshold(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleThreshold = d
}

// lockPath returns the lock file path for an identifier.
func (m *Manager) lockPath(id string) string {
	return filepath.Join(m.dir, sanitize(id)+".lock")
}

// Acquire obtains the advisory lock for id, polling until the exclusive
// create succeeds or timeout elapses. A zero timeout uses
// DefaultAcquireTimeout. Context cancellation aborts the wait early.
//
// Failure kinds: LOCK_TIMEOUT when the deadline passes while another holder
// exists, LOCK_IO when the underlying storage rejects the create with
// anything other than "already exists".
func (m *Manager) Acquire(ctx context.Context, id string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	deadline := time.Now().Add(timeout)
	path := m.lockPath(id)

	for {
		m.reclaimStale(path)

		ok, err := m.tryCreate(id, path)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if time.Now().After(deadline) {
			return errdefs.Newf(errdefs.KindLockTimeout,
				"lock %q not acquired within %s", id, timeout)
		}

		select {
		case <-ctx.Done():
			return errdefs.Wrap(errdefs.KindLockTimeout,
				fmt.Sprintf("lock %q wait aborted", id), ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// tryCreate attempts the exclusive create. Returns (true, nil) on success,
// (false, nil) when another holder exists, and (false, err) on I/O failure.
func (m *Manager) tryCreate(id, path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errdefs.Wrap(errdefs.KindLockIO,
			fmt.Sprintf("cannot create lock file %s", path), err)
	}

	fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		os.Remove(path)
		return false, errdefs.Wrap(errdefs.KindLockIO,
			fmt.Sprintf("cannot write lock file %s", path), err)
	}

	m.mu.Lock()
	m.held[id] = path
	m.mu.Unlock()
	return true, nil
}

// reclaimStale deletes the lock file if it is older than the stale
// threshold. The caller that subsequently wins the exclusive create is the
// new holder. A lock held by this process is never reclaimed.
func (m *Manager) reclaimStale(path string) {
	m.mu.Lock()
	threshold := m.staleThreshold
	for _, p := range m.held {
		if p == path {
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) > threshold {
		os.Remove(path)
	}
}

// Release removes the lock file for id. Releasing a lock that is not held
// is a no-op.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	path, ok := m.held[id]
	if ok {
		delete(m.held, id)
	}
	m.mu.Unlock()

	if ok {
		os.Remove(path)
	}
}

// WithLock runs fn while holding the lock for id, releasing it afterwards.
func (m *Manager) WithLock(ctx context.Context, id string, timeout time.Duration, fn func() error) error {
	if err := m.Acquire(ctx, id, timeout); err != nil {
		return err
	}
	defer m.Release(id)
	return fn()
}

// sanitize mirrors the fragment-store file naming: anything outside
// [a-zA-Z0-9_-] becomes '-', and ':' (used in lock namespaces like
// "agent:alpha") becomes '_'.
func sanitize(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		case r == ':':
			out = append(out, '_')
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
