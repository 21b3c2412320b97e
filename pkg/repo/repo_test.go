package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/transport"
)

func commitOne(t *testing.T, r *Repository, i int, parents ...gitid.ID) gitid.ID {
	t.Helper()
	ins := r.DB.NewInserter()
	blobID, err := ins.Insert(object.TypeBlob, []byte(fmt.Sprintf("repo content %d\n", i)))
	if err != nil {
		t.Fatalf("Insert blob: %v", err)
	}
	raw, err := object.MarshalTree(&object.Tree{Entries: []object.TreeEntry{
		{Mode: object.ModeFile, Name: "f", ID: blobID},
	}})
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}
	treeID, err := ins.Insert(object.TypeTree, raw)
	if err != nil {
		t.Fatalf("Insert tree: %v", err)
	}
	who := object.Ident{Name: "t", Email: "t@t", When: time.Unix(int64(1600000000+i), 0).UTC()}
	cid, err := ins.Insert(object.TypeCommit, object.MarshalCommit(&object.Commit{
		Tree: treeID, Parents: parents, Author: who, Committer: who, Message: "m\n",
	}))
	if err != nil {
		t.Fatalf("Insert commit: %v", err)
	}
	return cid
}

func TestInitAndOpen(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if r.GitDir != filepath.Join(dir, ".git") {
		t.Fatalf("GitDir = %s", r.GitDir)
	}

	head, err := r.Refs.Read("HEAD")
	if err != nil {
		t.Fatalf("Read HEAD: %v", err)
	}
	if head.Target != "refs/heads/main" {
		t.Fatalf("HEAD target = %q", head.Target)
	}

	again, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if again.GitDir != r.GitDir {
		t.Fatalf("re-Open GitDir = %s", again.GitDir)
	}
}

func TestOpenBare(t *testing.T) {
	dir := t.TempDir()
	if _, err := Init(dir, true); err != nil {
		t.Fatalf("Init bare: %v", err)
	}
	r, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open bare: %v", err)
	}
	if r.GitDir != dir {
		t.Fatalf("GitDir = %s, want %s", r.GitDir, dir)
	}
}

func TestOpenRespectsGitDirOverride(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, true)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	env := &transport.Environment{Getenv: func(key string) string {
		if key == "GIT_DIR" {
			return r.GitDir
		}
		return ""
	}}
	other, err := Open(t.TempDir(), env)
	if err != nil {
		t.Fatalf("Open with GIT_DIR: %v", err)
	}
	if other.GitDir != r.GitDir {
		t.Fatalf("GitDir = %s, want %s", other.GitDir, r.GitDir)
	}
}

func TestOpenRejectsNonRepo(t *testing.T) {
	if _, err := Open(t.TempDir(), nil); err == nil {
		t.Fatalf("Open accepted a bare temp dir")
	}
}

func TestConfigRemotes(t *testing.T) {
	r, err := Init(t.TempDir(), true)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.SetRemote("origin", "https://example.com/repo.git"); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}

	reopened, err := Open(r.GitDir, nil)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	url, err := reopened.RemoteURL("origin")
	if err != nil {
		t.Fatalf("RemoteURL: %v", err)
	}
	if url != "https://example.com/repo.git" {
		t.Fatalf("RemoteURL = %q", url)
	}

	// Raw locations pass through; unknown bare names fail.
	if _, err := reopened.RemoteURL("nonsense"); err == nil {
		t.Fatalf("RemoteURL accepted unknown remote")
	}
	passthrough, err := reopened.RemoteURL("git@example.com:x/y.git")
	if err != nil || passthrough != "git@example.com:x/y.git" {
		t.Fatalf("RemoteURL passthrough = (%q, %v)", passthrough, err)
	}
}

func TestGCPacksAndPrunes(t *testing.T) {
	r, err := Init(t.TempDir(), true)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	c0 := commitOne(t, r, 0)
	c1 := commitOne(t, r, 1, c0)
	who := object.Ident{Name: "t", Email: "t@t", When: time.Unix(1700000000, 0).UTC()}
	if err := r.Refs.Update("refs/heads/main", gitid.Zero, c1, who, "commit"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	summary, err := r.GC()
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	// 2 commits + 2 trees + 2 blobs.
	if summary.PackedObjects != 6 {
		t.Fatalf("PackedObjects = %d, want 6", summary.PackedObjects)
	}
	if summary.PrunedLoose != 6 {
		t.Fatalf("PrunedLoose = %d, want 6", summary.PrunedLoose)
	}

	// Objects still readable from the pack.
	r.DB.Reload()
	if !r.DB.HasObject(c0) || !r.DB.HasObject(c1) {
		t.Fatalf("objects lost after gc")
	}
	loose, err := r.DB.ListLoose()
	if err != nil {
		t.Fatalf("ListLoose: %v", err)
	}
	if len(loose) != 0 {
		t.Fatalf("loose objects remain: %v", loose)
	}

	if _, err := os.Stat(filepath.Join(r.DB.Root(), "pack")); err != nil {
		t.Fatalf("pack dir: %v", err)
	}
}
