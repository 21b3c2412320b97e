package bundle

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/odb"
)

func newDB(t *testing.T) *odb.Database {
	t.Helper()
	db, err := odb.Open(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)
	return db
}

func commitChain(t *testing.T, db *odb.Database, n int) []gitid.ID {
	t.Helper()
	ins := db.NewInserter()
	ids := make([]gitid.ID, 0, n)
	var parents []gitid.ID
	for i := 0; i < n; i++ {
		blobID, err := ins.Insert(object.TypeBlob, []byte(fmt.Sprintf("bundle content %d\n", i)))
		require.NoError(t, err)
		raw, err := object.MarshalTree(&object.Tree{Entries: []object.TreeEntry{
			{Mode: object.ModeFile, Name: "f.txt", ID: blobID},
		}})
		require.NoError(t, err)
		treeID, err := ins.Insert(object.TypeTree, raw)
		require.NoError(t, err)
		who := object.Ident{
			Name: "A U Thor", Email: "a@example.com",
			When: time.Unix(int64(1600000000+i*100), 0).UTC(),
		}
		cid, err := ins.Insert(object.TypeCommit, object.MarshalCommit(&object.Commit{
			Tree: treeID, Parents: parents, Author: who, Committer: who,
			Message: fmt.Sprintf("c%d\n", i),
		}))
		require.NoError(t, err)
		ids = append(ids, cid)
		parents = []gitid.ID{cid}
	}
	return ids
}

func TestBundleRoundTripFull(t *testing.T) {
	src := newDB(t)
	ids := commitChain(t, src, 4)

	var buf bytes.Buffer
	err := Create(&buf, src, []Ref{{Name: "refs/heads/main", ID: ids[3]}}, nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(buf.String(), "# v2 git bundle\n"))

	dst := newDB(t)
	b, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, 2, b.Version)
	require.Empty(t, b.Prerequisites)
	require.Equal(t, []Ref{{Name: "refs/heads/main", ID: ids[3]}}, b.Refs)

	got, err := b.Unbundle(dst)
	require.NoError(t, err)
	require.Len(t, got, 1)
	dst.Reload()
	for _, id := range ids {
		require.True(t, dst.HasObject(id), "missing %s", id)
	}
}

func TestBundleWithPrerequisites(t *testing.T) {
	src := newDB(t)
	ids := commitChain(t, src, 6)

	var buf bytes.Buffer
	err := Create(&buf, src, []Ref{{Name: "refs/heads/main", ID: ids[5]}}, []gitid.ID{ids[2]})
	require.NoError(t, err)

	b, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, []gitid.ID{ids[2]}, b.Prerequisites)

	// A database without the prerequisite rejects the bundle.
	empty := newDB(t)
	_, err = b.Unbundle(empty)
	require.ErrorIs(t, err, ErrPrerequisite)

	// A database holding the assumed history accepts it and ends up
	// with the union.
	dst := newDB(t)
	commitChain(t, dst, 3) // shares ids[0..2]
	b2, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	_, err = b2.Unbundle(dst)
	require.NoError(t, err)
	dst.Reload()
	for _, id := range ids {
		require.True(t, dst.HasObject(id), "missing %s", id)
	}
}

func TestBundleRejectsDuplicateRef(t *testing.T) {
	src := newDB(t)
	ids := commitChain(t, src, 1)

	w := NewWriter(src)
	require.NoError(t, w.Include("refs/heads/main", ids[0]))
	require.Error(t, w.Include("refs/heads/main", ids[0]))
}

func TestBundleRejectsGarbage(t *testing.T) {
	_, err := Read(strings.NewReader("not a bundle\n"))
	require.ErrorIs(t, err, ErrCorrupt)
}
