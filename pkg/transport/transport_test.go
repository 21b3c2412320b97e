package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/odb"
	"github.com/odvcencio/grit/pkg/refs"
)

// testRepo is a throwaway on-disk repository for protocol tests.
type testRepo struct {
	gitDir string
	db     *odb.Database
	refs   *refs.Store
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	gitDir := filepath.Join(t.TempDir(), "repo.git")
	require.NoError(t, os.MkdirAll(filepath.Join(gitDir, "refs", "heads"), 0o755))
	db, err := odb.Open(filepath.Join(gitDir, "objects"))
	require.NoError(t, err)
	return &testRepo{gitDir: gitDir, db: db, refs: refs.NewStore(gitDir)}
}

func (r *testRepo) server() *ServerRepo {
	return &ServerRepo{
		DB:    r.db,
		Refs:  r.refs,
		Ident: object.Ident{Name: "server", Email: "server@test", When: time.Unix(1700000000, 0).UTC()},
	}
}

// commitChain writes n commits to the repo, reusing deterministic
// content so two repos built the same way share object ids. It returns
// commit ids oldest first.
func commitChain(t *testing.T, r *testRepo, n int) []gitid.ID {
	t.Helper()
	ins := r.db.NewInserter()
	ids := make([]gitid.ID, 0, n)
	var parents []gitid.ID
	for i := 0; i < n; i++ {
		blobID, err := ins.Insert(object.TypeBlob, []byte(fmt.Sprintf("file content %d\n", i)))
		require.NoError(t, err)

		tree := &object.Tree{Entries: []object.TreeEntry{
			{Mode: object.ModeFile, Name: "file.txt", ID: blobID},
		}}
		raw, err := object.MarshalTree(tree)
		require.NoError(t, err)
		treeID, err := ins.Insert(object.TypeTree, raw)
		require.NoError(t, err)

		who := object.Ident{
			Name:  "A U Thor",
			Email: "author@example.com",
			When:  time.Unix(int64(1600000000+i*100), 0).UTC(),
		}
		c := &object.Commit{
			Tree:      treeID,
			Parents:   parents,
			Author:    who,
			Committer: who,
			Message:   fmt.Sprintf("change %d\n", i),
		}
		commitID, err := ins.Insert(object.TypeCommit, object.MarshalCommit(c))
		require.NoError(t, err)
		ids = append(ids, commitID)
		parents = []gitid.ID{commitID}
	}
	return ids
}

func setMain(t *testing.T, r *testRepo, id gitid.ID) {
	t.Helper()
	current := gitid.Zero
	if ref, err := r.refs.Read("refs/heads/main"); err == nil {
		current = ref.ID
	}
	who := object.Ident{Name: "test", Email: "test@test", When: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, r.refs.Update("refs/heads/main", current, id, who, "test"))
}

func localTips(t *testing.T, r *testRepo) []gitid.ID {
	t.Helper()
	all, err := r.refs.List("refs/")
	require.NoError(t, err)
	var tips []gitid.ID
	for _, ref := range all {
		if !ref.ID.IsZero() {
			tips = append(tips, ref.ID)
		}
	}
	return tips
}

func TestFetchV0Negotiation(t *testing.T) {
	remote := newTestRepo(t)
	remoteIDs := commitChain(t, remote, 12)
	setMain(t, remote, remoteIDs[11])

	local := newTestRepo(t)
	localIDs := commitChain(t, local, 10)
	setMain(t, local, localIDs[9])
	require.Equal(t, remoteIDs[9], localIDs[9], "histories must share a prefix")

	client, server := duplexPair()
	go func() {
		defer server.Close()
		ServeUploadPack(context.Background(), server, remote.server())
	}()

	result, err := FetchV0(context.Background(), client, local.db, FetchOptions{
		Wants:     []gitid.ID{remoteIDs[11]},
		LocalTips: localTips(t, local),
	})
	require.NoError(t, err)

	// The server acknowledged a shared commit.
	require.NotEmpty(t, result.Common)
	require.Contains(t, result.Common, localIDs[9])
	require.False(t, result.PackChecksum.IsZero())

	// The two new commits and their payloads arrived.
	local.db.Reload()
	for _, id := range remoteIDs[10:] {
		require.True(t, local.db.HasObject(id), "missing %s", id)
	}

	// Exactly the new objects came over: 2 commits, 2 trees, 2 blobs.
	packs := local.db.Packs()
	require.Len(t, packs, 1)
	require.Equal(t, 6, packs[0].Index().NumObjects())
}

func TestFetchV0NothingToDo(t *testing.T) {
	remote := newTestRepo(t)
	ids := commitChain(t, remote, 3)
	setMain(t, remote, ids[2])

	local := newTestRepo(t)
	commitChain(t, local, 3)
	setMain(t, local, ids[2])

	client, server := duplexPair()
	go func() {
		defer server.Close()
		ServeUploadPack(context.Background(), server, remote.server())
	}()

	result, err := FetchV0(context.Background(), client, local.db, FetchOptions{
		LocalTips: localTips(t, local),
	})
	require.NoError(t, err)
	require.True(t, result.PackChecksum.IsZero())
}

func TestFetchV0IntoEmptyRepo(t *testing.T) {
	remote := newTestRepo(t)
	ids := commitChain(t, remote, 4)
	setMain(t, remote, ids[3])

	local := newTestRepo(t)

	client, server := duplexPair()
	go func() {
		defer server.Close()
		ServeUploadPack(context.Background(), server, remote.server())
	}()

	_, err := FetchV0(context.Background(), client, local.db, FetchOptions{})
	require.NoError(t, err)
	local.db.Reload()
	for _, id := range ids {
		require.True(t, local.db.HasObject(id))
	}
}

func TestFetchV0Shallow(t *testing.T) {
	remote := newTestRepo(t)
	ids := commitChain(t, remote, 6)
	setMain(t, remote, ids[5])

	local := newTestRepo(t)

	client, server := duplexPair()
	go func() {
		defer server.Close()
		ServeUploadPack(context.Background(), server, remote.server())
	}()

	result, err := FetchV0(context.Background(), client, local.db, FetchOptions{
		Wants: []gitid.ID{ids[5]},
		Depth: 2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Shallow)

	local.db.Reload()
	require.True(t, local.db.HasObject(ids[5]))
	require.True(t, local.db.HasObject(ids[4]))
	require.False(t, local.db.HasObject(ids[2]), "history below the shallow cut leaked")
}

func TestFetchV2Loopback(t *testing.T) {
	remote := newTestRepo(t)
	remoteIDs := commitChain(t, remote, 8)
	setMain(t, remote, remoteIDs[7])

	local := newTestRepo(t)
	localIDs := commitChain(t, local, 5)
	setMain(t, local, localIDs[4])

	client, server := duplexPair()
	go func() {
		defer server.Close()
		ServeUploadPackV2(context.Background(), server, remote.server())
	}()

	result, err := FetchV2(context.Background(), client, local.db, FetchOptions{
		Wants:     []gitid.ID{remoteIDs[7]},
		LocalTips: localTips(t, local),
	})
	require.NoError(t, err)
	require.False(t, result.PackChecksum.IsZero())

	local.db.Reload()
	for _, id := range remoteIDs {
		require.True(t, local.db.HasObject(id))
	}
	client.Close()
}

func TestFetchV2LsRefs(t *testing.T) {
	remote := newTestRepo(t)
	ids := commitChain(t, remote, 2)
	setMain(t, remote, ids[1])
	require.NoError(t, remote.refs.SetSymbolic("HEAD", "refs/heads/main"))

	local := newTestRepo(t)

	client, server := duplexPair()
	go func() {
		defer server.Close()
		ServeUploadPackV2(context.Background(), server, remote.server())
	}()

	result, err := FetchV2(context.Background(), client, local.db, FetchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, result.Refs)

	var sawHead, sawMain bool
	for _, r := range result.Refs {
		switch r.Name {
		case "HEAD":
			sawHead = true
			require.Equal(t, "refs/heads/main", r.SymrefTarget)
		case "refs/heads/main":
			sawMain = true
			require.Equal(t, ids[1], r.ID)
		}
	}
	require.True(t, sawHead)
	require.True(t, sawMain)
	client.Close()
}

func TestPushV0CreateAndUpdate(t *testing.T) {
	remote := newTestRepo(t)
	local := newTestRepo(t)
	ids := commitChain(t, local, 5)
	setMain(t, local, ids[4])

	client, server := duplexPair()
	go func() {
		defer server.Close()
		ServeReceivePack(context.Background(), server, remote.server())
	}()

	result, err := PushV0(context.Background(), client, local.db, PushOptions{
		Commands: []PushCommand{{RefName: "refs/heads/main", New: ids[4]}},
	})
	require.NoError(t, err)
	require.True(t, result.OK(), "push result: %+v", result)

	remote.db.Reload()
	for _, id := range ids {
		require.True(t, remote.db.HasObject(id))
	}
	ref, err := remote.refs.Read("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, ids[4], ref.ID)
}

func TestPushV0RejectsStaleOld(t *testing.T) {
	remote := newTestRepo(t)
	remoteIDs := commitChain(t, remote, 3)
	setMain(t, remote, remoteIDs[2])

	local := newTestRepo(t)
	localIDs := commitChain(t, local, 5)

	client, server := duplexPair()
	go func() {
		defer server.Close()
		ServeReceivePack(context.Background(), server, remote.server())
	}()

	// Claim the remote ref is at C0 when it is at C2.
	result, err := PushV0(context.Background(), client, local.db, PushOptions{
		Commands: []PushCommand{{RefName: "refs/heads/main", Old: localIDs[0], New: localIDs[4]}},
	})
	require.NoError(t, err)
	require.False(t, result.OK())
	require.NotEmpty(t, result.CommandStatus["refs/heads/main"])

	// Remote ref untouched.
	ref, err := remote.refs.Read("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, remoteIDs[2], ref.ID)
}

func TestPushV0AtomicAllOrNothing(t *testing.T) {
	remote := newTestRepo(t)
	remoteIDs := commitChain(t, remote, 3)
	setMain(t, remote, remoteIDs[2])

	local := newTestRepo(t)
	localIDs := commitChain(t, local, 5)

	client, server := duplexPair()
	go func() {
		defer server.Close()
		ServeReceivePack(context.Background(), server, remote.server())
	}()

	result, err := PushV0(context.Background(), client, local.db, PushOptions{
		Atomic: true,
		Commands: []PushCommand{
			{RefName: "refs/heads/ok", New: localIDs[4]},
			{RefName: "refs/heads/main", Old: localIDs[0], New: localIDs[4]}, // stale
		},
	})
	require.NoError(t, err)
	require.False(t, result.OK())

	// The valid command must not have been applied either.
	_, err = remote.refs.Read("refs/heads/ok")
	require.ErrorIs(t, err, refs.ErrNotFound)
}

func TestPushV0Delete(t *testing.T) {
	remote := newTestRepo(t)
	ids := commitChain(t, remote, 2)
	setMain(t, remote, ids[1])

	local := newTestRepo(t)
	commitChain(t, local, 2)

	client, server := duplexPair()
	go func() {
		defer server.Close()
		ServeReceivePack(context.Background(), server, remote.server())
	}()

	result, err := PushV0(context.Background(), client, local.db, PushOptions{
		Commands: []PushCommand{{RefName: "refs/heads/main", Old: ids[1]}},
	})
	require.NoError(t, err)
	require.True(t, result.OK(), "push result: %+v", result)

	_, err = remote.refs.Read("refs/heads/main")
	require.ErrorIs(t, err, refs.ErrNotFound)
}

func TestFileTransportRoundTrip(t *testing.T) {
	remote := newTestRepo(t)
	ids := commitChain(t, remote, 3)
	setMain(t, remote, ids[2])

	local := newTestRepo(t)

	tr, err := Open(remote.gitDir, &Options{Env: SystemEnvironment()})
	require.NoError(t, err)
	defer tr.Close()

	conn, err := tr.OpenFetch(context.Background())
	require.NoError(t, err)
	_, err = FetchV0(context.Background(), conn, local.db, FetchOptions{})
	require.NoError(t, err)
	conn.Close()

	local.db.Reload()
	require.True(t, local.db.HasObject(ids[2]))
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw    string
		scheme string
		host   string
		path   string
		user   string
	}{
		{"https://example.com/repo.git", "https", "example.com", "/repo.git", ""},
		{"git://example.com/repo.git", "git", "example.com", "/repo.git", ""},
		{"ssh://git@example.com:2222/repo.git", "ssh", "example.com:2222", "/repo.git", "git"},
		{"git@example.com:owner/repo.git", "ssh", "example.com", "/owner/repo.git", "git"},
		{"example.com:repo.git", "ssh", "example.com", "/repo.git", ""},
		{"/srv/git/repo.git", "file", "", "/srv/git/repo.git", ""},
	}
	for _, tc := range tests {
		u, err := ParseURL(tc.raw)
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.scheme, u.Scheme, tc.raw)
		require.Equal(t, tc.host, u.Host, tc.raw)
		require.Equal(t, tc.path, u.Path, tc.raw)
		if tc.user != "" {
			require.NotNil(t, u.User, tc.raw)
			require.Equal(t, tc.user, u.User.Username(), tc.raw)
		}
	}
}

func TestCapabilityListRoundTrip(t *testing.T) {
	caps, err := ParseCapabilities([]byte("multi_ack_detailed side-band-64k agent=grit/1 symref=HEAD:refs/heads/main object-format=sha1"))
	require.NoError(t, err)
	require.True(t, caps.Supports(CapMultiAckDetailed))
	require.Equal(t, "grit/1", caps[CapAgent])
	require.Equal(t, map[string]string{"HEAD": "refs/heads/main"}, caps.Symrefs())

	reparsed, err := ParseCapabilities([]byte(caps.String()))
	require.NoError(t, err)
	require.Equal(t, caps, reparsed)
}

func TestSchemeRegistry(t *testing.T) {
	for _, scheme := range []string{"file", "git", "ssh", "ssh+git", "git+ssh", "http", "https", "ftp", "ftps", "sftp"} {
		p, ok := LookupScheme(scheme)
		require.True(t, ok, scheme)
		require.Equal(t, scheme, p.Scheme)
	}
	p, _ := LookupScheme("git")
	require.Equal(t, 9418, p.DefaultPort)
	p, _ = LookupScheme("ssh")
	require.Equal(t, 22, p.DefaultPort)
}
