package treewalk

import (
	"fmt"
	"testing"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/odb"
)

type memReader map[gitid.ID]memObj

type memObj struct {
	t       object.Type
	payload []byte
}

func (m memReader) Object(id gitid.ID) (object.Type, []byte, error) {
	o, ok := m[id]
	if !ok {
		return "", nil, fmt.Errorf("object read %s: %w", id, odb.ErrNotFound)
	}
	return o.t, o.payload, nil
}

func (m memReader) put(t object.Type, payload []byte) gitid.ID {
	id := object.Hash(t, payload)
	m[id] = memObj{t: t, payload: payload}
	return id
}

func (m memReader) blob(text string) gitid.ID {
	return m.put(object.TypeBlob, []byte(text))
}

func (m memReader) tree(t *testing.T, entries ...object.TreeEntry) gitid.ID {
	tr := &object.Tree{Entries: entries}
	tr.SortEntries()
	raw, err := object.MarshalTree(tr)
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}
	return m.put(object.TypeTree, raw)
}

func collect(t *testing.T, w *Walker) []Step {
	t.Helper()
	var out []Step
	for {
		step, err := w.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if step == nil {
			return out
		}
		out = append(out, *step)
	}
}

func TestWalkSingleTreeDepthFirst(t *testing.T) {
	m := memReader{}
	fileA := m.blob("a\n")
	fileB := m.blob("b\n")
	sub := m.tree(t, object.TreeEntry{Mode: object.ModeFile, Name: "inner.txt", ID: fileB})
	root := m.tree(t,
		object.TreeEntry{Mode: object.ModeFile, Name: "a.txt", ID: fileA},
		object.TreeEntry{Mode: object.ModeDir, Name: "dir", ID: sub},
	)

	steps := collect(t, New(m, []gitid.ID{root}))
	var paths []string
	for _, s := range steps {
		paths = append(paths, s.Path)
	}
	want := []string{"a.txt", "dir", "dir/inner.txt"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths = %v, want %v", paths, want)
		}
	}
}

func TestWalkTwoTreesAligned(t *testing.T) {
	m := memReader{}
	oldBlob := m.blob("old\n")
	newBlob := m.blob("new\n")
	shared := m.blob("same\n")

	treeA := m.tree(t,
		object.TreeEntry{Mode: object.ModeFile, Name: "changed.txt", ID: oldBlob},
		object.TreeEntry{Mode: object.ModeFile, Name: "same.txt", ID: shared},
		object.TreeEntry{Mode: object.ModeFile, Name: "only-a.txt", ID: oldBlob},
	)
	treeB := m.tree(t,
		object.TreeEntry{Mode: object.ModeFile, Name: "changed.txt", ID: newBlob},
		object.TreeEntry{Mode: object.ModeFile, Name: "same.txt", ID: shared},
		object.TreeEntry{Mode: object.ModeFile, Name: "only-b.txt", ID: newBlob},
	)

	steps := collect(t, New(m, []gitid.ID{treeA, treeB}))

	byPath := map[string]Step{}
	for _, s := range steps {
		byPath[s.Path] = s
	}

	changed := byPath["changed.txt"]
	if !changed.Entries[0].Present || !changed.Entries[1].Present {
		t.Fatalf("changed.txt not present in both trees: %+v", changed)
	}
	if changed.Entries[0].ID == changed.Entries[1].ID {
		t.Fatalf("changed.txt ids should differ")
	}

	onlyA := byPath["only-a.txt"]
	if !onlyA.Entries[0].Present || onlyA.Entries[1].Present {
		t.Fatalf("only-a.txt alignment wrong: %+v", onlyA)
	}
	onlyB := byPath["only-b.txt"]
	if onlyB.Entries[0].Present || !onlyB.Entries[1].Present {
		t.Fatalf("only-b.txt alignment wrong: %+v", onlyB)
	}
}

func TestNameConflictPairsFileAndDir(t *testing.T) {
	m := memReader{}
	fileBlob := m.blob("i am a file\n")
	innerBlob := m.blob("inside\n")

	// Tree A has "x" as a file; tree B has "x" as a directory.
	treeA := m.tree(t, object.TreeEntry{Mode: object.ModeFile, Name: "x", ID: fileBlob})
	sub := m.tree(t, object.TreeEntry{Mode: object.ModeFile, Name: "y", ID: innerBlob})
	treeB := m.tree(t, object.TreeEntry{Mode: object.ModeDir, Name: "x", ID: sub})

	// Without conflict mode, file "x" and dir "x" emit separately.
	plain := New(m, []gitid.ID{treeA, treeB})
	plain.Recurse = false
	plainSteps := collect(t, plain)
	xSteps := 0
	for _, s := range plainSteps {
		if s.Path == "x" {
			xSteps++
		}
	}
	if xSteps != 2 {
		t.Fatalf("plain walk emitted %d steps for x, want 2", xSteps)
	}

	// With conflict mode they pair into one step.
	conflict := New(m, []gitid.ID{treeA, treeB})
	conflict.NameConflicts = true
	conflict.Recurse = false
	conflictSteps := collect(t, conflict)
	var paired *Step
	for i := range conflictSteps {
		if conflictSteps[i].Path == "x" {
			if paired != nil {
				t.Fatalf("conflict walk emitted x twice")
			}
			paired = &conflictSteps[i]
		}
	}
	if paired == nil {
		t.Fatalf("conflict walk never emitted x")
	}
	if !paired.Entries[0].Present || !paired.Entries[1].Present {
		t.Fatalf("conflict step not aligned: %+v", paired)
	}
	if paired.Entries[0].Mode.IsDir() || !paired.Entries[1].Mode.IsDir() {
		t.Fatalf("conflict step modes wrong: %+v", paired)
	}
}

func TestWalkEmptyRoot(t *testing.T) {
	m := memReader{}
	blob := m.blob("only\n")
	tree := m.tree(t, object.TreeEntry{Mode: object.ModeFile, Name: "f", ID: blob})

	steps := collect(t, New(m, []gitid.ID{tree, {}}))
	if len(steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(steps))
	}
	if steps[0].Entries[1].Present {
		t.Fatalf("empty root produced a present entry")
	}
}
