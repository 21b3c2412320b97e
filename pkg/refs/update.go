package refs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
)

// refLock holds an acquired <ref>.lock file.
type refLock struct {
	store    *Store
	name     string
	lockPath string
	file     *os.File
	done     bool
}

// acquireLock creates <ref>.lock exclusively, retrying with backoff.
func (s *Store) acquireLock(name string) (*refLock, error) {
	path := s.refPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock ref %s: %w", name, err)
	}
	lockPath := path + ".lock"

	var lastErr error
	for attempt := 0; attempt < s.lockRetries(); attempt++ {
		if attempt > 0 {
			time.Sleep(s.lockBackoff() * time.Duration(attempt))
		}
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return &refLock{store: s, name: name, lockPath: lockPath, file: f}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock ref %s: %w", name, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("lock ref %s: %w: %v", name, ErrLockConflict, lastErr)
}

// commit writes content into the lock file, fsyncs, and renames it over
// the target. The lock is consumed either way.
func (l *refLock) commit(content []byte) error {
	defer l.abort()
	if _, err := l.file.Write(content); err != nil {
		return fmt.Errorf("update ref %s: %w", l.name, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("update ref %s: %w", l.name, err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("update ref %s: %w", l.name, err)
	}
	if err := os.Rename(l.lockPath, l.store.refPath(l.name)); err != nil {
		return fmt.Errorf("update ref %s: %w", l.name, err)
	}
	l.done = true
	return nil
}

// abort unlinks the lock file if commit has not succeeded.
func (l *refLock) abort() {
	if l.done {
		return
	}
	l.done = true
	l.file.Close()
	os.Remove(l.lockPath)
}

// Update changes a ref from expectedOld to newID under the lock
// protocol. A zero expectedOld asserts the ref does not exist yet. The
// reflog records the transition on success.
func (s *Store) Update(name string, expectedOld, newID gitid.ID, who object.Ident, message string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	lock, err := s.acquireLock(name)
	if err != nil {
		return err
	}

	// Re-read under the lock and verify the caller's expectation.
	current := gitid.Zero
	if r, err := s.Read(name); err == nil {
		if r.IsSymbolic() {
			lock.abort()
			return fmt.Errorf("update ref %s: is symbolic", name)
		}
		current = r.ID
	} else if !errors.Is(err, ErrNotFound) {
		lock.abort()
		return err
	}
	if current != expectedOld {
		lock.abort()
		return fmt.Errorf("update ref %s: %w: have %s, expected %s", name, ErrStale, current, expectedOld)
	}

	if err := lock.commit([]byte(newID.String() + "\n")); err != nil {
		return err
	}
	return s.appendReflog(name, expectedOld, newID, who, message)
}

// Delete removes a ref, verifying expectedOld first. A ref that exists
// only in packed-refs is removed by rewriting packed-refs.
func (s *Store) Delete(name string, expectedOld gitid.ID) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	lock, err := s.acquireLock(name)
	if err != nil {
		return err
	}
	defer lock.abort()

	r, err := s.Read(name)
	if err != nil {
		return err
	}
	if !expectedOld.IsZero() && r.ID != expectedOld {
		return fmt.Errorf("delete ref %s: %w: have %s, expected %s", name, ErrStale, r.ID, expectedOld)
	}

	if r.Storage == StorageLoose || r.Storage == StorageLoosePacked {
		if err := os.Remove(s.refPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete ref %s: %w", name, err)
		}
	}
	if r.Storage == StoragePacked || r.Storage == StorageLoosePacked {
		if err := s.removePacked(name); err != nil {
			return err
		}
	}
	return nil
}

// UpdateStatus is the per-ref outcome of a batch update.
type UpdateStatus string

const (
	StatusOK          UpdateStatus = "OK"
	StatusLockFailure UpdateStatus = "LOCK_FAILURE"
	StatusRejected    UpdateStatus = "REJECTED_OTHER_REASON"
	StatusIOFailure   UpdateStatus = "IO_FAILURE"
)

// Command is one requested ref change inside a batch. A zero New deletes
// the ref.
type Command struct {
	Name string
	Old  gitid.ID
	New  gitid.ID

	Status UpdateStatus
	Err    error
}

// ApplyBatch runs each command through the lock protocol and records a
// per-command status. Commands already applied stay applied when a later
// one fails; the caller inspects statuses.
func (s *Store) ApplyBatch(cmds []*Command, who object.Ident, message string) {
	for _, cmd := range cmds {
		var err error
		if cmd.New.IsZero() {
			err = s.Delete(cmd.Name, cmd.Old)
		} else {
			err = s.Update(cmd.Name, cmd.Old, cmd.New, who, message)
		}
		switch {
		case err == nil:
			cmd.Status = StatusOK
		case errors.Is(err, ErrLockConflict):
			cmd.Status = StatusLockFailure
			cmd.Err = err
		case errors.Is(err, ErrStale), errors.Is(err, ErrInvalidName), errors.Is(err, ErrNotFound):
			cmd.Status = StatusRejected
			cmd.Err = err
		default:
			cmd.Status = StatusIOFailure
			cmd.Err = err
		}
	}
}
