// Package odb implements the content-addressed object database: loose
// objects under objects/xx/, packed objects under objects/pack/, and
// chained alternate stores.
package odb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zlib"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/pack"
)

// ErrNotFound reports an id absent from the database and its alternates.
var ErrNotFound = errors.New("object not found")

// ErrCorrupt reports loose object data violating the on-disk format.
var ErrCorrupt = errors.New("corrupt object")

// Reader is the read-only view of an object store.
type Reader interface {
	HasObject(id gitid.ID) bool
	Object(id gitid.ID) (object.Type, []byte, error)
	ResolvePrefix(prefix gitid.Abbrev, limit int) ([]gitid.ID, error)
}

// Database is the object store of one repository. Independent readers
// and one writer may use it concurrently; the open-pack list is a
// copy-on-write snapshot swapped atomically.
type Database struct {
	root string // the objects/ directory

	mu         sync.RWMutex
	packs      []*pack.File
	packsValid bool
	alternates []*Database
}

// Open returns a Database rooted at an objects/ directory. Alternates
// listed in info/alternates are opened recursively; cycles are broken by
// absolute path.
func Open(objectsDir string) (*Database, error) {
	return open(objectsDir, map[string]bool{})
}

func open(objectsDir string, seen map[string]bool) (*Database, error) {
	abs, err := filepath.Abs(objectsDir)
	if err != nil {
		return nil, fmt.Errorf("open object database: %w", err)
	}
	if seen[abs] {
		return nil, fmt.Errorf("open object database: alternate cycle at %s", abs)
	}
	seen[abs] = true
	defer delete(seen, abs)

	db := &Database{root: abs}

	altFile := filepath.Join(abs, "info", "alternates")
	data, err := os.ReadFile(altFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return db, nil
		}
		return nil, fmt.Errorf("read alternates: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		path := line
		if !filepath.IsAbs(path) {
			path = filepath.Join(abs, path)
		}
		alt, err := open(path, seen)
		if err != nil {
			return nil, err
		}
		db.alternates = append(db.alternates, alt)
	}
	return db, nil
}

// Root returns the objects/ directory the database is rooted at.
func (db *Database) Root() string {
	return db.root
}

func (db *Database) loosePath(id gitid.ID) string {
	hexID := id.String()
	return filepath.Join(db.root, hexID[:2], hexID[2:])
}

// HasObject reports whether the database or an alternate contains id.
func (db *Database) HasObject(id gitid.ID) bool {
	if _, err := os.Stat(db.loosePath(id)); err == nil {
		return true
	}
	for _, p := range db.packSnapshot() {
		if p.Has(id) {
			return true
		}
	}
	for _, alt := range db.alternates {
		if alt.HasObject(id) {
			return true
		}
	}
	return false
}

// Object retrieves an object by id, probing loose storage, then packs,
// then alternates.
func (db *Database) Object(id gitid.ID) (object.Type, []byte, error) {
	if t, payload, err := db.looseObject(id); err == nil {
		return t, payload, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", nil, err
	}
	for _, p := range db.packSnapshot() {
		if p.Has(id) {
			return p.Object(id)
		}
	}
	for _, alt := range db.alternates {
		t, payload, err := alt.Object(id)
		if err == nil {
			return t, payload, nil
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, pack.ErrNotFound) {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("object read %s: %w", id, ErrNotFound)
}

// TypedObject reads an object and validates it against a type hint.
func (db *Database) TypedObject(id gitid.ID, want object.Type) ([]byte, error) {
	t, payload, err := db.Object(id)
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", id, t, want)
	}
	return payload, nil
}

func (db *Database) looseObject(id gitid.ID) (object.Type, []byte, error) {
	raw, err := os.ReadFile(db.loosePath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("object read %s: %w", id, err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w: %v", id, ErrCorrupt, err)
	}
	defer zr.Close()
	envelope, err := io.ReadAll(zr)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w: %v", id, ErrCorrupt, err)
	}

	t, payload, err := object.ParseEnvelope(envelope)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w: %v", id, ErrCorrupt, err)
	}
	if object.Hash(t, payload) != id {
		return "", nil, fmt.Errorf("object read %s: %w: content hash mismatch", id, ErrCorrupt)
	}
	return t, payload, nil
}

// ResolvePrefix returns up to limit ids starting with the abbreviated
// prefix, across loose objects, packs, and alternates.
func (db *Database) ResolvePrefix(prefix gitid.Abbrev, limit int) ([]gitid.ID, error) {
	seen := make(map[gitid.ID]bool)
	var out []gitid.ID
	add := func(id gitid.ID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	fanDir := filepath.Join(db.root, string(prefix[:2]))
	entries, err := os.ReadDir(fanDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("resolve prefix: %w", err)
	}
	rest := string(prefix[2:])
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasPrefix(ent.Name(), rest) {
			continue
		}
		id, err := gitid.Parse(string(prefix[:2]) + ent.Name())
		if err != nil {
			continue
		}
		add(id)
	}

	for _, p := range db.packSnapshot() {
		for _, id := range p.ResolvePrefix(nil, prefix, limit) {
			add(id)
		}
	}
	for _, alt := range db.alternates {
		ids, err := alt.ResolvePrefix(prefix, limit)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			add(id)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// packSnapshot returns the current pack list, scanning the pack directory
// on first use. Readers keep whatever snapshot they observed.
func (db *Database) packSnapshot() []*pack.File {
	db.mu.RLock()
	if db.packsValid {
		packs := db.packs
		db.mu.RUnlock()
		return packs
	}
	db.mu.RUnlock()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.packsValid {
		return db.packs
	}
	db.packs = db.scanPacks()
	db.packsValid = true
	return db.packs
}

// Reload invalidates the pack snapshot so the next read rescans the pack
// directory.
func (db *Database) Reload() {
	db.mu.Lock()
	db.packsValid = false
	db.packs = nil
	db.mu.Unlock()
}

func (db *Database) scanPacks() []*pack.File {
	packDir := filepath.Join(db.root, "pack")
	entries, err := os.ReadDir(packDir)
	if err != nil {
		return nil
	}

	var packs []*pack.File
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".idx") {
			continue
		}
		packPath := filepath.Join(packDir, strings.TrimSuffix(ent.Name(), ".idx")+".pack")
		if _, err := os.Stat(packPath); err != nil {
			// Index published ahead of its pack; skip until complete.
			continue
		}
		p, err := pack.OpenFile(packPath)
		if err != nil {
			continue
		}
		packs = append(packs, p)
	}
	sort.Slice(packs, func(i, j int) bool { return packs[i].Path() < packs[j].Path() })
	return packs
}

// ListLoose returns the ids of all loose objects, sorted.
func (db *Database) ListLoose() ([]gitid.ID, error) {
	fanouts, err := os.ReadDir(db.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read objects dir: %w", err)
	}

	var ids []gitid.ID
	for _, fan := range fanouts {
		if !fan.IsDir() || len(fan.Name()) != 2 {
			continue
		}
		files, err := os.ReadDir(filepath.Join(db.root, fan.Name()))
		if err != nil {
			return nil, fmt.Errorf("read objects fanout %s: %w", fan.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			id, err := gitid.Parse(fan.Name() + f.Name())
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids, nil
}

// Packs returns the current pack snapshot.
func (db *Database) Packs() []*pack.File {
	return db.packSnapshot()
}
