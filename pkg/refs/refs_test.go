package refs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "refs", "heads"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	return NewStore(dir)
}

func testWho() object.Ident {
	return object.Ident{
		Name:  "A U Thor",
		Email: "author@example.com",
		When:  time.Unix(1112911993, 0).UTC(),
	}
}

func idN(t *testing.T, n int) gitid.ID {
	t.Helper()
	id, err := gitid.Parse(fmt.Sprintf("%040x", n))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return id
}

func TestUpdateReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	x := idN(t, 1)

	if err := s.Update("refs/heads/main", gitid.Zero, x, testWho(), "create"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	r, err := s.Read("refs/heads/main")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if r.ID != x || r.Storage != StorageLoose {
		t.Fatalf("Read = %+v", r)
	}
}

func TestUpdateStaleExpectation(t *testing.T) {
	s := newTestStore(t)
	x, y := idN(t, 1), idN(t, 2)

	if err := s.Update("refs/heads/main", gitid.Zero, x, testWho(), "create"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	err := s.Update("refs/heads/main", y, idN(t, 3), testWho(), "wrong old")
	if !errors.Is(err, ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}
	// Value unchanged after the failed update.
	r, err := s.Read("refs/heads/main")
	if err != nil || r.ID != x {
		t.Fatalf("Read after failure = (%+v, %v), want %s", r, err, x)
	}
}

func TestUpdateConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	s.LockRetries = 1
	x := idN(t, 7)

	const workers = 8
	var wg sync.WaitGroup
	wg.Add(workers)
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			errCh <- s.Update("refs/heads/m", gitid.Zero, x, testWho(), "race")
		}()
	}
	wg.Wait()
	close(errCh)

	wins, conflicts := 0, 0
	for err := range errCh {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrLockConflict) || errors.Is(err, ErrStale):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1 (conflicts %d)", wins, conflicts)
	}
	r, err := s.Read("refs/heads/m")
	if err != nil || r.ID != x {
		t.Fatalf("final read = (%+v, %v), want %s", r, err, x)
	}
}

func TestSymbolicResolution(t *testing.T) {
	s := newTestStore(t)
	x := idN(t, 4)

	if err := s.SetSymbolic("HEAD", "refs/heads/main"); err != nil {
		t.Fatalf("SetSymbolic: %v", err)
	}

	// Dangling symref resolves to a NEW ref with no id.
	r, err := s.Resolve("HEAD")
	if err != nil {
		t.Fatalf("Resolve dangling: %v", err)
	}
	if r.Storage != StorageNew || !r.ID.IsZero() || r.Name != "refs/heads/main" {
		t.Fatalf("dangling resolve = %+v", r)
	}

	if err := s.Update("refs/heads/main", gitid.Zero, x, testWho(), "create"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	r, err = s.Resolve("HEAD")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.ID != x || r.Name != "refs/heads/main" {
		t.Fatalf("resolve = %+v", r)
	}
}

func TestPackedRefsPrecedence(t *testing.T) {
	s := newTestStore(t)
	y, z := idN(t, 0xaa), idN(t, 0xbb)

	packed := fmt.Sprintf("%s\n%s refs/heads/x\n", packedRefsHeader, z)
	if err := os.WriteFile(s.packedRefsPath(), []byte(packed), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(s.refPath("refs/heads/x"), []byte(y.String()+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := s.Read("refs/heads/x")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if r.ID != y || r.Storage != StorageLoosePacked {
		t.Fatalf("Read = %+v, want loose value %s", r, y)
	}

	// Deleting the loose file exposes the packed value.
	if err := os.Remove(s.refPath("refs/heads/x")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	r, err = s.Read("refs/heads/x")
	if err != nil {
		t.Fatalf("Read packed: %v", err)
	}
	if r.ID != z || r.Storage != StoragePacked {
		t.Fatalf("Read packed = %+v, want %s", r, z)
	}

	// Deleting a packed-only ref rewrites packed-refs without it.
	if err := s.Delete("refs/heads/x", z); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read("refs/heads/x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read after delete = %v, want ErrNotFound", err)
	}
}

func TestPackCompaction(t *testing.T) {
	s := newTestStore(t)
	a, b := idN(t, 1), idN(t, 2)

	if err := s.Update("refs/heads/one", gitid.Zero, a, testWho(), "create"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Update("refs/heads/two", gitid.Zero, b, testWho(), "create"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := s.Pack(); err != nil {
		t.Fatalf("Pack: %v", err)
	}

	// Loose files are gone, values survive via packed-refs.
	for name, want := range map[string]gitid.ID{"refs/heads/one": a, "refs/heads/two": b} {
		if _, err := os.Stat(s.refPath(name)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("loose file for %s still present", name)
		}
		r, err := s.Read(name)
		if err != nil {
			t.Fatalf("Read(%s): %v", name, err)
		}
		if r.ID != want || r.Storage != StoragePacked {
			t.Fatalf("Read(%s) = %+v", name, r)
		}
	}
}

func TestReflogAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	a, b := idN(t, 1), idN(t, 2)

	if err := s.Update("refs/heads/main", gitid.Zero, a, testWho(), "create"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Update("refs/heads/main", a, b, testWho(), "advance"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	entries, err := s.ReadReflog("refs/heads/main", 0)
	if err != nil {
		t.Fatalf("ReadReflog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Old != a || entries[0].New != b || entries[0].Message != "advance" {
		t.Fatalf("entry 0 = %+v", entries[0])
	}
	if entries[1].Old != (gitid.ID{}) || entries[1].New != a {
		t.Fatalf("entry 1 = %+v", entries[1])
	}

	last, err := s.LastReflogEntry("refs/heads/main")
	if err != nil || last == nil || last.New != b {
		t.Fatalf("LastReflogEntry = (%+v, %v)", last, err)
	}
}

func TestApplyBatchMixedResults(t *testing.T) {
	s := newTestStore(t)
	a := idN(t, 1)
	if err := s.Update("refs/heads/exists", gitid.Zero, a, testWho(), "create"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	cmds := []*Command{
		{Name: "refs/heads/new", New: idN(t, 2)},
		{Name: "refs/heads/exists", Old: idN(t, 9), New: idN(t, 3)}, // wrong old
		{Name: "refs/heads/exists", Old: a},                         // delete
	}
	s.ApplyBatch(cmds, testWho(), "batch")

	if cmds[0].Status != StatusOK {
		t.Fatalf("cmd 0 = %s (%v)", cmds[0].Status, cmds[0].Err)
	}
	if cmds[1].Status != StatusRejected {
		t.Fatalf("cmd 1 = %s (%v)", cmds[1].Status, cmds[1].Err)
	}
	if cmds[2].Status != StatusOK {
		t.Fatalf("cmd 2 = %s (%v)", cmds[2].Status, cmds[2].Err)
	}

	if _, err := s.Read("refs/heads/exists"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted ref still readable: %v", err)
	}
}

func TestValidName(t *testing.T) {
	valid := []string{"HEAD", "refs/heads/main", "refs/tags/v1.0", "refs/remotes/origin/x"}
	invalid := []string{"", "@", "refs//x", "refs/heads/..", "refs/heads/a..b",
		"refs/heads/x.lock", "/refs/x", "refs/x/", "refs/he ad", "refs/h~x",
		"refs/h^x", "refs/h:x", "refs/h?x", "refs/h*x", "refs/h[x", "refs/.hidden",
		"refs/heads/x@{1}"}
	for _, name := range valid {
		if !ValidName(name) {
			t.Fatalf("ValidName(%q) = false", name)
		}
	}
	for _, name := range invalid {
		if ValidName(name) {
			t.Fatalf("ValidName(%q) = true", name)
		}
	}
}
