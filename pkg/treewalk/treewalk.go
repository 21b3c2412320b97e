// Package treewalk provides an ordered k-way iterator over tree objects,
// producing aligned per-tree entries for each path. The name-conflict
// mode pairs a file with a directory of the same name so callers see
// both sides of a D/F conflict in one step.
package treewalk

import (
	"fmt"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
)

// ObjectReader is the object access a tree walk needs.
type ObjectReader interface {
	Object(id gitid.ID) (object.Type, []byte, error)
}

// Entry is one tree's slot at the current path. Present is false when
// that tree has nothing at the path.
type Entry struct {
	Mode    object.Mode
	ID      gitid.ID
	Present bool
}

// Step is one emitted position of the walk.
type Step struct {
	// Path is the full slash-separated path of the entry.
	Path string
	// Entries is aligned with the walker's input trees.
	Entries []Entry
}

// Walker iterates k trees in canonical order.
type Walker struct {
	reader ObjectReader
	// NameConflicts pairs file and directory entries sharing a name
	// instead of emitting them under their distinct sort keys.
	NameConflicts bool
	// Recurse descends into subtrees automatically; each subtree is
	// still emitted as its own step before its children.
	Recurse bool

	steps []Step // pending, in order
}

// New prepares a walk over the given root trees. A zero id stands for an
// empty tree.
func New(reader ObjectReader, roots []gitid.ID) *Walker {
	return &Walker{reader: reader, Recurse: true, steps: []Step{{
		Path: "",
		Entries: func() []Entry {
			out := make([]Entry, len(roots))
			for i, id := range roots {
				if !id.IsZero() {
					out[i] = Entry{Mode: object.ModeDir, ID: id, Present: true}
				}
			}
			return out
		}(),
	}}}
}

// Next returns the next step, or nil at the end of the walk. The first
// call expands the roots; the root step itself is not emitted.
func (w *Walker) Next() (*Step, error) {
	for {
		if len(w.steps) == 0 {
			return nil, nil
		}
		step := w.steps[0]
		w.steps = w.steps[1:]

		if step.Path == "" {
			// Root frame: expand without emitting.
			if err := w.expand(step); err != nil {
				return nil, err
			}
			continue
		}

		if w.Recurse && anyTree(step.Entries) {
			if err := w.expand(step); err != nil {
				return nil, err
			}
		}
		return &step, nil
	}
}

func anyTree(entries []Entry) bool {
	for _, e := range entries {
		if e.Present && e.Mode.IsDir() {
			return true
		}
	}
	return false
}

// expand merges the children of the subtrees at a step and queues them
// ahead of any already-pending steps of shallower frames. Children are
// queued immediately after their parent so the walk stays depth-first.
func (w *Walker) expand(step Step) error {
	k := len(step.Entries)
	lists := make([][]object.TreeEntry, k)
	for i, e := range step.Entries {
		if !e.Present || !e.Mode.IsDir() {
			continue
		}
		payload, err := readTree(w.reader, e.ID)
		if err != nil {
			return err
		}
		lists[i] = payload
	}

	merged, err := w.merge(step.Path, lists)
	if err != nil {
		return err
	}
	w.steps = append(merged, w.steps...)
	return nil
}

// sortKey orders entries the way trees do: directories compare with a
// trailing slash.
func sortKey(e object.TreeEntry) string {
	if e.Mode.IsDir() {
		return e.Name + "/"
	}
	return e.Name
}

// mergeKey is the key entries group under. In name-conflict mode a
// directory groups under its bare name, pairing with same-named files.
func (w *Walker) mergeKey(e object.TreeEntry) string {
	if w.NameConflicts {
		return e.Name
	}
	return sortKey(e)
}

func (w *Walker) merge(base string, lists [][]object.TreeEntry) ([]Step, error) {
	k := len(lists)
	pos := make([]int, k)

	var steps []Step
	for {
		// Find the smallest pending merge key.
		minKey := ""
		found := false
		for i := 0; i < k; i++ {
			if pos[i] >= len(lists[i]) {
				continue
			}
			key := w.mergeKey(lists[i][pos[i]])
			if !found || key < minKey {
				minKey = key
				found = true
			}
		}
		if !found {
			return steps, nil
		}

		entries := make([]Entry, k)
		name := ""
		for i := 0; i < k; i++ {
			if pos[i] >= len(lists[i]) {
				continue
			}
			e := lists[i][pos[i]]
			if w.mergeKey(e) != minKey {
				continue
			}
			entries[i] = Entry{Mode: e.Mode, ID: e.ID, Present: true}
			name = e.Name
			pos[i]++
		}

		path := name
		if base != "" {
			path = base + "/" + name
		}
		steps = append(steps, Step{Path: path, Entries: entries})
	}
}

func readTree(reader ObjectReader, id gitid.ID) ([]object.TreeEntry, error) {
	t, payload, err := reader.Object(id)
	if err != nil {
		return nil, err
	}
	if t != object.TypeTree {
		return nil, fmt.Errorf("tree walk %s: not a tree (%s)", id, t)
	}
	tree, err := object.UnmarshalTree(payload)
	if err != nil {
		return nil, fmt.Errorf("tree walk %s: %w", id, err)
	}
	return tree.Entries, nil
}
