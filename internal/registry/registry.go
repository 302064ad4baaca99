// Package registry is the local, cross-project index backing a
// no-argument status listing and lock-conflict diagnostics: which PID
// and host currently hold state.lock for a project directory, reported
// without needing to pass that directory on the command line.
//
// internal/ledger owns one project's deployment state; this package
// owns the index across every project a caller has ever deployed from
// this machine, in ~/.deploysub/registry.db, stored in SQLite since it
// is queried by arbitrary predicate (by name, by lock state) rather
// than loaded whole.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	name          TEXT PRIMARY KEY,
	dir           TEXT NOT NULL,
	provider      TEXT NOT NULL,
	last_phase    TEXT NOT NULL,
	lock_pid      INTEGER,
	lock_host     TEXT,
	last_seen_at  TIMESTAMP NOT NULL
);
`

// Entry is one project's row in the registry.
type Entry struct {
	Name       string
	Dir        string
	Provider   string
	LastPhase  string
	LockPID    int
	LockHost   string
	LastSeenAt time.Time
}

// Registry wraps the database/sql handle onto registry.db.
type Registry struct {
	db *sql.DB
}

// DefaultPath returns ~/.deploysub/registry.db, creating the parent
// directory if needed.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".deploysub")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating registry directory: %w", err)
	}
	return filepath.Join(dir, "registry.db"), nil
}

// Open opens (creating if absent) the registry database at path and
// applies its schema.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening registry db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

// Upsert records (or refreshes) one project's entry, called after every
// phase boundary the same way internal/ledger.Store.Save is.
func (r *Registry) Upsert(e Entry) error {
	_, err := r.db.Exec(`
		INSERT INTO projects (name, dir, provider, last_phase, lock_pid, lock_host, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			dir=excluded.dir, provider=excluded.provider, last_phase=excluded.last_phase,
			lock_pid=excluded.lock_pid, lock_host=excluded.lock_host, last_seen_at=excluded.last_seen_at
	`, e.Name, e.Dir, e.Provider, e.LastPhase, nullableInt(e.LockPID), nullableString(e.LockHost), e.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upserting project %s: %w", e.Name, err)
	}
	return nil
}

// ClearLock drops the lock_pid/lock_host columns once a project's lock
// file is released, so a later status listing doesn't report a stale
// holder.
func (r *Registry) ClearLock(name string) error {
	_, err := r.db.Exec(`UPDATE projects SET lock_pid = NULL, lock_host = NULL WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("clearing lock for %s: %w", name, err)
	}
	return nil
}

// List returns every known project, most recently seen first.
func (r *Registry) List() ([]Entry, error) {
	rows, err := r.db.Query(`SELECT name, dir, provider, last_phase, COALESCE(lock_pid, 0), COALESCE(lock_host, ''), last_seen_at FROM projects ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Name, &e.Dir, &e.Provider, &e.LastPhase, &e.LockPID, &e.LockHost, &e.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns a single project's entry, or ok=false if unknown.
func (r *Registry) Get(name string) (Entry, bool, error) {
	var e Entry
	err := r.db.QueryRow(`SELECT name, dir, provider, last_phase, COALESCE(lock_pid, 0), COALESCE(lock_host, ''), last_seen_at FROM projects WHERE name = ?`, name).
		Scan(&e.Name, &e.Dir, &e.Provider, &e.LastPhase, &e.LockPID, &e.LockHost, &e.LastSeenAt)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("querying project %s: %w", name, err)
	}
	return e, true, nil
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
