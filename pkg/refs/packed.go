package refs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/odvcencio/grit/pkg/gitid"
)

const packedRefsHeader = "# pack-refs with: peeled fully-peeled sorted"

func (s *Store) packedRefsPath() string {
	return filepath.Join(s.gitDir, "packed-refs")
}

// parsePackedRefs reads the packed-refs format: one "<id> <name>" line
// per ref, optionally followed by a "^<id>" peel line.
func parsePackedRefs(data []byte) ([]*Ref, error) {
	var out []*Ref
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if peeled, ok := strings.CutPrefix(line, "^"); ok {
			if len(out) == 0 {
				return nil, fmt.Errorf("packed-refs: peel line with no preceding ref")
			}
			id, err := gitid.Parse(peeled)
			if err != nil {
				return nil, fmt.Errorf("packed-refs: %w", err)
			}
			out[len(out)-1].Peeled = id
			continue
		}
		idHex, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("packed-refs: malformed line %q", line)
		}
		id, err := gitid.Parse(idHex)
		if err != nil {
			return nil, fmt.Errorf("packed-refs: %w", err)
		}
		if !ValidName(name) {
			return nil, fmt.Errorf("packed-refs: %w: %q", ErrInvalidName, name)
		}
		out = append(out, &Ref{Name: name, ID: id, Storage: StoragePacked})
	}
	return out, sc.Err()
}

func (s *Store) loadPacked() ([]*Ref, error) {
	data, err := os.ReadFile(s.packedRefsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read packed-refs: %w", err)
	}
	return parsePackedRefs(data)
}

func (s *Store) readPacked(name string) (*Ref, error) {
	all, err := s.loadPacked()
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Store) listPacked(prefix string) ([]*Ref, error) {
	all, err := s.loadPacked()
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return all, nil
	}
	var out []*Ref
	for _, r := range all {
		if strings.HasPrefix(r.Name, prefix) {
			out = append(out, r)
		}
	}
	return out, nil
}

func formatPackedRefs(all []*Ref) []byte {
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	var buf bytes.Buffer
	buf.WriteString(packedRefsHeader + "\n")
	for _, r := range all {
		fmt.Fprintf(&buf, "%s %s\n", r.ID, r.Name)
		if !r.Peeled.IsZero() {
			fmt.Fprintf(&buf, "^%s\n", r.Peeled)
		}
	}
	return buf.Bytes()
}

// rewritePacked replaces packed-refs under packed-refs.lock.
func (s *Store) rewritePacked(mutate func([]*Ref) []*Ref) error {
	lock, err := s.acquireLock("packed-refs")
	if err != nil {
		return err
	}

	all, err := s.loadPacked()
	if err != nil {
		lock.abort()
		return err
	}
	return lock.commit(formatPackedRefs(mutate(all)))
}

// removePacked drops one name from packed-refs.
func (s *Store) removePacked(name string) error {
	return s.rewritePacked(func(all []*Ref) []*Ref {
		out := all[:0]
		for _, r := range all {
			if r.Name != name {
				out = append(out, r)
			}
		}
		return out
	})
}

// Pack merges the current loose refs into packed-refs and deletes the
// now-redundant loose files. Symbolic refs stay loose.
func (s *Store) Pack() error {
	loose, err := s.List("refs/")
	if err != nil {
		return err
	}

	var packable []*Ref
	for _, r := range loose {
		if r.IsSymbolic() || r.Storage == StoragePacked {
			continue
		}
		packable = append(packable, r)
	}

	err = s.rewritePacked(func(all []*Ref) []*Ref {
		byName := make(map[string]*Ref, len(all))
		for _, r := range all {
			byName[r.Name] = r
		}
		for _, r := range packable {
			byName[r.Name] = &Ref{Name: r.Name, ID: r.ID, Peeled: r.Peeled, Storage: StoragePacked}
		}
		out := make([]*Ref, 0, len(byName))
		for _, r := range byName {
			out = append(out, r)
		}
		return out
	})
	if err != nil {
		return err
	}

	for _, r := range packable {
		if err := os.Remove(s.refPath(r.Name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("pack refs: remove loose %s: %w", r.Name, err)
		}
	}
	return nil
}
