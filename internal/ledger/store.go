// Package ledger is the durable deployment state store: a single JSON
// document at a well-known path under the project's dotfile directory,
// plus the exclusive lock file that makes the project directory
// single-writer. The write path always goes write-to-temp-then-rename
// so the document is fsync-consistent even if the process is killed
// mid-write, and mutates that one document in place rather than
// versioning a new file per run.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/iamdavid-vaughan/deploysub/internal/model"
)

const (
	stateFileName = "state.json"
	lockFileName  = "state.lock"
)

// Store owns the on-disk Deployment State document for one project directory.
type Store struct {
	dir      string
	lockFile *os.File
}

// Open returns a Store rooted at dir, creating the directory and its logs/
// subdirectory if necessary. It does not acquire the lock; call Lock for that.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("creating project directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) StatePath() string { return filepath.Join(s.dir, stateFileName) }
func (s *Store) LockPath() string  { return filepath.Join(s.dir, lockFileName) }
func (s *Store) LogsDir() string   { return filepath.Join(s.dir, "logs") }

// Lock acquires the exclusive, non-blocking project lock. A second
// invocation of the orchestrator against the same project directory gets
// ErrLocked instead of blocking.
func (s *Store) Lock() error {
	f, err := os.OpenFile(s.LockPath(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return ErrLocked
	}
	s.lockFile = f
	return nil
}

// Unlock releases the project lock. Safe to call on an unlocked Store.
func (s *Store) Unlock() error {
	if s.lockFile == nil {
		return nil
	}
	err := syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
	s.lockFile.Close()
	s.lockFile = nil
	return err
}

// ErrLocked is returned by Lock when another process already holds the
// project's exclusive lock.
var ErrLocked = fmt.Errorf("deployment in progress: project directory is locked by another process")

// Exists reports whether a Deployment State document is already present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.StatePath())
	return err == nil
}

// Load reads and decodes the Deployment State document.
func (s *Store) Load() (*model.DeploymentState, error) {
	data, err := os.ReadFile(s.StatePath())
	if err != nil {
		return nil, fmt.Errorf("reading deployment state: %w", err)
	}
	var st model.DeploymentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding deployment state: %w", err)
	}
	return &st, nil
}

// Save writes the Deployment State document atomically: marshal, write to
// a temp file in the same directory, fsync, then rename over the target.
// A failed Save must be treated by the caller as a failed phase step even
// if the underlying cloud operation already succeeded.
func (s *Store) Save(st *model.DeploymentState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding deployment state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsyncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.StatePath()); err != nil {
		return fmt.Errorf("renaming state file into place: %w", err)
	}
	return nil
}

// Remove deletes the Deployment State document. Used as the final step of
// destroy: "the state file is removed last".
func (s *Store) Remove() error {
	if err := os.Remove(s.StatePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing deployment state: %w", err)
	}
	return nil
}
