package revwalk

import (
	"fmt"
	"testing"
	"time"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/odb"
)

// memReader is an in-memory object source for walker tests.
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

func testIdentAt(epoch int64) object.Ident {
	return object.Ident{
		Name:  "A U Thor",
		Email: "author@example.com",
		When:  time.Unix(epoch, 0).UTC(),
	}
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

func (m memReader) commit(tree gitid.ID, epoch int64, parents ...gitid.ID) gitid.ID {
	c := &object.Commit{
		Tree:      tree,
		Parents:   parents,
		Author:    testIdentAt(epoch),
		Committer: testIdentAt(epoch),
		Message:   fmt.Sprintf("commit at %d\n", epoch),
	}
	return m.put(object.TypeCommit, object.MarshalCommit(c))
}

// chain builds n commits, each with its own blob, returning ids oldest
// first.
func chain(t *testing.T, m memReader, n int) []gitid.ID {
	t.Helper()
	ids := make([]gitid.ID, 0, n)
	var parent []gitid.ID
	for i := 0; i < n; i++ {
		blob := m.blob(fmt.Sprintf("content %d\n", i))
		tree := m.tree(t, object.TreeEntry{Mode: object.ModeFile, Name: "file.txt", ID: blob})
		id := m.commit(tree, int64(1000+i*10), parent...)
		ids = append(ids, id)
		parent = []gitid.ID{id}
	}
	return ids
}

func walkAll(t *testing.T, w *Walker) []gitid.ID {
	t.Helper()
	var out []gitid.ID
	for {
		c, err := w.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if c == nil {
			return out
		}
		out = append(out, c.ID)
	}
}

func TestWalkLinearChain(t *testing.T) {
	m := memReader{}
	ids := chain(t, m, 5)

	w := New(m)
	if err := w.MarkStart(ids[4]); err != nil {
		t.Fatalf("MarkStart: %v", err)
	}
	got := walkAll(t, w)
	if len(got) != 5 {
		t.Fatalf("walked %d commits, want 5", len(got))
	}
	// Newest first by committer time.
	for i := range got {
		if got[i] != ids[4-i] {
			t.Fatalf("walk[%d] = %s, want %s", i, got[i], ids[4-i])
		}
	}
}

func TestWalkWantHavePruning(t *testing.T) {
	m := memReader{}
	ids := chain(t, m, 10)

	w := New(m)
	if err := w.MarkStart(ids[9]); err != nil {
		t.Fatalf("MarkStart: %v", err)
	}
	if err := w.MarkUninteresting(ids[4]); err != nil {
		t.Fatalf("MarkUninteresting: %v", err)
	}
	got := walkAll(t, w)
	if len(got) != 5 {
		t.Fatalf("walked %d commits, want 5 (C5..C9)", len(got))
	}
	for _, id := range got {
		if id == ids[4] || id == ids[3] {
			t.Fatalf("walk emitted uninteresting commit %s", id)
		}
	}
}

func TestWalkMergeUninterestingSideBranch(t *testing.T) {
	m := memReader{}
	base := chain(t, m, 3)

	// A side branch off base[1], merged into a tip above base[2].
	blob := m.blob("side\n")
	tree := m.tree(t, object.TreeEntry{Mode: object.ModeFile, Name: "side.txt", ID: blob})
	side := m.commit(tree, 1100, base[1])
	merge := m.commit(tree, 1200, base[2], side)

	w := New(m)
	if err := w.MarkStart(merge); err != nil {
		t.Fatalf("MarkStart: %v", err)
	}
	if err := w.MarkUninteresting(base[2]); err != nil {
		t.Fatalf("MarkUninteresting: %v", err)
	}
	got := walkAll(t, w)

	want := map[gitid.ID]bool{merge: true, side: true}
	if len(got) != 2 {
		t.Fatalf("walked %v, want {merge, side}", got)
	}
	for _, id := range got {
		if !want[id] {
			t.Fatalf("unexpected commit %s in walk", id)
		}
	}
}

func TestWalkBoundaryMarks(t *testing.T) {
	m := memReader{}
	ids := chain(t, m, 4)

	w := New(m)
	w.Boundary = true
	if err := w.MarkStart(ids[3]); err != nil {
		t.Fatalf("MarkStart: %v", err)
	}
	if err := w.MarkUninteresting(ids[1]); err != nil {
		t.Fatalf("MarkUninteresting: %v", err)
	}
	walkAll(t, w)

	bounds := w.Boundaries()
	if len(bounds) != 1 || bounds[0].ID != ids[1] {
		t.Fatalf("Boundaries = %v, want [%s]", bounds, ids[1])
	}
}

func TestWalkShallowHidesParents(t *testing.T) {
	m := memReader{}
	ids := chain(t, m, 6)

	w := New(m)
	w.MarkShallow(ids[3])
	if err := w.MarkStart(ids[5]); err != nil {
		t.Fatalf("MarkStart: %v", err)
	}
	got := walkAll(t, w)
	if len(got) != 3 {
		t.Fatalf("walked %d commits, want 3 (shallow cut at C3)", len(got))
	}
}

func TestWalkMissingHaveIgnored(t *testing.T) {
	m := memReader{}
	ids := chain(t, m, 3)

	w := New(m)
	if err := w.MarkStart(ids[2]); err != nil {
		t.Fatalf("MarkStart: %v", err)
	}
	missing, _ := gitid.Parse("00000000000000000000000000000000000000ff")
	if err := w.MarkUninteresting(missing); err != nil {
		t.Fatalf("MarkUninteresting(missing) = %v, want nil", err)
	}
	if got := walkAll(t, w); len(got) != 3 {
		t.Fatalf("walked %d, want 3", len(got))
	}
}

func TestClosureMinimalSet(t *testing.T) {
	m := memReader{}
	ids := chain(t, m, 10)

	items, err := Closure(m, []gitid.ID{ids[9]}, []gitid.ID{ids[4]})
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}

	// Five new commits, each with a distinct tree and blob.
	counts := map[object.Type]int{}
	for _, it := range items {
		counts[it.Type]++
	}
	if counts[object.TypeCommit] != 5 {
		t.Fatalf("commits = %d, want 5", counts[object.TypeCommit])
	}
	if counts[object.TypeTree] != 5 || counts[object.TypeBlob] != 5 {
		t.Fatalf("trees/blobs = %d/%d, want 5/5", counts[object.TypeTree], counts[object.TypeBlob])
	}

	for _, it := range items {
		if it.Type == object.TypeBlob && it.Path == "" {
			t.Fatalf("blob %s missing path hint", it.ID)
		}
	}
}

func TestClosureFullWhenNoHaves(t *testing.T) {
	m := memReader{}
	ids := chain(t, m, 3)

	items, err := Closure(m, []gitid.ID{ids[2]}, nil)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	// 3 commits + 3 trees + 3 blobs.
	if len(items) != 9 {
		t.Fatalf("closure size = %d, want 9", len(items))
	}
}
