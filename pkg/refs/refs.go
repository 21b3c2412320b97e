// Package refs implements reference storage: loose ref files, the
// packed-refs consolidation, symbolic refs, the lock-file update
// protocol, and the reflog.
package refs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/odvcencio/grit/pkg/gitid"
)

// Storage describes where a ref's current value lives.
type Storage int

const (
	// StorageNew marks a ref that does not exist yet, such as the
	// dangling symref HEAD of a fresh repository.
	StorageNew Storage = iota
	StorageLoose
	StoragePacked
	// StorageLoosePacked marks a ref present in both places; the loose
	// file wins.
	StorageLoosePacked
)

// ErrNotFound reports a ref name with no stored value.
var ErrNotFound = errors.New("ref not found")

// ErrLockConflict reports that a ref lock could not be acquired within
// the retry bound.
var ErrLockConflict = errors.New("ref lock conflict")

// ErrStale reports that a ref's value changed after the caller read it.
var ErrStale = errors.New("ref value changed concurrently")

// ErrInvalidName reports a name violating the ref format rules.
var ErrInvalidName = errors.New("invalid ref name")

// Ref is one reference: a name bound to an object id, or to another ref
// name for symbolic refs.
type Ref struct {
	Name    string
	ID      gitid.ID // zero for a dangling symref
	Target  string   // non-empty for symbolic refs
	Peeled  gitid.ID // peeled tag value from packed-refs, if recorded
	Storage Storage
}

// IsSymbolic reports whether the ref points at another ref.
func (r *Ref) IsSymbolic() bool {
	return r.Target != ""
}

// Store reads and writes the refs of one repository.
type Store struct {
	gitDir string

	// LockRetries and LockBackoff bound lock acquisition; retry n waits
	// n*LockBackoff first. Zero values mean 4 attempts and a 25ms backoff
	// (waits of 25ms, 50ms, 75ms).
	LockRetries int
	LockBackoff time.Duration

	// Now supplies reflog timestamps; nil means time.Now.
	Now func() time.Time
}

// NewStore returns a ref store for the given .git directory.
func NewStore(gitDir string) *Store {
	return &Store{gitDir: gitDir}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) lockRetries() int {
	if s.LockRetries <= 0 {
		return 4
	}
	return s.LockRetries
}

func (s *Store) lockBackoff() time.Duration {
	if s.LockBackoff <= 0 {
		return 25 * time.Millisecond
	}
	return s.LockBackoff
}

// ValidName reports whether name is a well-formed ref name. HEAD and the
// other all-caps top-level pseudo-refs are accepted.
func ValidName(name string) bool {
	if name == "" || name == "@" {
		return false
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return false
	}
	if strings.Contains(name, "//") || strings.Contains(name, "..") || strings.Contains(name, "@{") {
		return false
	}
	for _, comp := range strings.Split(name, "/") {
		if comp == "" || strings.HasPrefix(comp, ".") || strings.HasSuffix(comp, ".") {
			return false
		}
		if strings.HasSuffix(comp, ".lock") {
			return false
		}
	}
	for _, c := range []byte(name) {
		if c < 0x20 || c == 0x7f {
			return false
		}
		switch c {
		case ' ', '~', '^', ':', '?', '*', '[', '\\':
			return false
		}
	}
	return true
}

func (s *Store) refPath(name string) string {
	return filepath.Join(s.gitDir, filepath.FromSlash(name))
}

// Read returns the stored value of name without following symrefs.
func (s *Store) Read(name string) (*Ref, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	loose, err := s.readLoose(name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	packed, perr := s.readPacked(name)
	if perr != nil && !errors.Is(perr, ErrNotFound) {
		return nil, perr
	}

	switch {
	case loose != nil && packed != nil:
		loose.Storage = StorageLoosePacked
		return loose, nil
	case loose != nil:
		return loose, nil
	case packed != nil:
		return packed, nil
	default:
		return nil, fmt.Errorf("read ref %s: %w", name, ErrNotFound)
	}
}

func (s *Store) readLoose(name string) (*Ref, error) {
	data, err := os.ReadFile(s.refPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read ref %s: %w", name, err)
	}
	line := strings.TrimSpace(string(data))

	if target, ok := strings.CutPrefix(line, "ref: "); ok {
		target = strings.TrimSpace(target)
		if !ValidName(target) {
			return nil, fmt.Errorf("read ref %s: %w: symref target %q", name, ErrInvalidName, target)
		}
		return &Ref{Name: name, Target: target, Storage: StorageLoose}, nil
	}

	id, err := gitid.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("read ref %s: %w", name, err)
	}
	return &Ref{Name: name, ID: id, Storage: StorageLoose}, nil
}

// Resolve follows symbolic refs until an object-id ref is found. A
// dangling terminal symref is returned with storage StorageNew and a
// zero id.
func (s *Store) Resolve(name string) (*Ref, error) {
	const maxDepth = 5
	current := name
	for depth := 0; depth < maxDepth; depth++ {
		r, err := s.Read(current)
		if errors.Is(err, ErrNotFound) {
			if depth == 0 {
				return nil, err
			}
			// Symref chain ends at a name with no value yet.
			return &Ref{Name: current, Storage: StorageNew}, nil
		}
		if err != nil {
			return nil, err
		}
		if !r.IsSymbolic() {
			return r, nil
		}
		current = r.Target
	}
	return nil, fmt.Errorf("resolve ref %s: symref chain too deep", name)
}

// List returns all refs under prefix ("" for everything), merging loose
// and packed storage with loose taking precedence. Results are sorted by
// name.
func (s *Store) List(prefix string) ([]*Ref, error) {
	out := make(map[string]*Ref)

	packed, err := s.listPacked(prefix)
	if err != nil {
		return nil, err
	}
	for _, r := range packed {
		out[r.Name] = r
	}

	looseRoot := filepath.Join(s.gitDir, "refs")
	err = filepath.WalkDir(looseRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".lock") {
			return nil
		}
		rel, err := filepath.Rel(s.gitDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			return nil
		}
		r, err := s.readLoose(name)
		if err != nil {
			return err
		}
		if _, wasPacked := out[name]; wasPacked {
			r.Storage = StorageLoosePacked
		}
		out[name] = r
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("list refs: %w", err)
	}

	names := make([]string, 0, len(out))
	for name := range out {
		names = append(names, name)
	}
	sort.Strings(names)
	refs := make([]*Ref, 0, len(names))
	for _, name := range names {
		refs = append(refs, out[name])
	}
	return refs, nil
}

// SetSymbolic points name at target without touching target's value,
// creating name if necessary.
func (s *Store) SetSymbolic(name, target string) error {
	if !ValidName(name) || !ValidName(target) {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidName, name, target)
	}
	lock, err := s.acquireLock(name)
	if err != nil {
		return err
	}
	return lock.commit([]byte("ref: " + target + "\n"))
}
