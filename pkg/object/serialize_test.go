package object

import (
	"bytes"
	"testing"
	"time"

	"github.com/odvcencio/grit/pkg/gitid"
)

func mustID(t *testing.T, s string) gitid.ID {
	t.Helper()
	id, err := gitid.Parse(s)
	if err != nil {
		t.Fatalf("gitid.Parse(%q): %v", s, err)
	}
	return id
}

func testIdent() Ident {
	return Ident{
		Name:  "A U Thor",
		Email: "author@example.com",
		When:  time.Unix(1112911993, 0).In(time.FixedZone("-0700", -7*3600)),
	}
}

func TestIdentRoundTrip(t *testing.T) {
	id := testIdent()
	line := id.String()
	const want = "A U Thor <author@example.com> 1112911993 -0700"
	if line != want {
		t.Fatalf("Ident.String() = %q, want %q", line, want)
	}

	parsed, err := ParseIdent(line)
	if err != nil {
		t.Fatalf("ParseIdent: %v", err)
	}
	if parsed.Name != id.Name || parsed.Email != id.Email {
		t.Fatalf("parsed = %q <%q>, want %q <%q>", parsed.Name, parsed.Email, id.Name, id.Email)
	}
	if parsed.When.Unix() != id.When.Unix() {
		t.Fatalf("parsed epoch = %d, want %d", parsed.When.Unix(), id.When.Unix())
	}
	if parsed.String() != line {
		t.Fatalf("re-serialized = %q, want %q", parsed.String(), line)
	}
}

func TestCommitRoundTrip(t *testing.T) {
	c := &Commit{
		Tree: mustID(t, "4b825dc642cb6eb9a060e54bf8d69288fbee4904"),
		Parents: []gitid.ID{
			mustID(t, "ce013625030ba8dba906f756967f9e9ca394464a"),
		},
		Author:    testIdent(),
		Committer: testIdent(),
		Message:   "initial import\n\nlonger body here\n",
	}
	raw := MarshalCommit(c)
	got, err := UnmarshalCommit(raw)
	if err != nil {
		t.Fatalf("UnmarshalCommit: %v", err)
	}
	if got.Tree != c.Tree {
		t.Fatalf("tree = %s, want %s", got.Tree, c.Tree)
	}
	if len(got.Parents) != 1 || got.Parents[0] != c.Parents[0] {
		t.Fatalf("parents = %v, want %v", got.Parents, c.Parents)
	}
	if got.Message != c.Message {
		t.Fatalf("message = %q, want %q", got.Message, c.Message)
	}
	if !bytes.Equal(MarshalCommit(got), raw) {
		t.Fatalf("re-marshal not identical")
	}
}

func TestCommitGPGSigMultiline(t *testing.T) {
	sig := "-----BEGIN PGP SIGNATURE-----\n\nabc\n-----END PGP SIGNATURE-----"
	c := &Commit{
		Tree:      mustID(t, "4b825dc642cb6eb9a060e54bf8d69288fbee4904"),
		Author:    testIdent(),
		Committer: testIdent(),
		GPGSig:    sig,
		Message:   "signed\n",
	}
	raw := MarshalCommit(c)
	got, err := UnmarshalCommit(raw)
	if err != nil {
		t.Fatalf("UnmarshalCommit: %v", err)
	}
	if got.GPGSig != sig {
		t.Fatalf("gpgsig = %q, want %q", got.GPGSig, sig)
	}
	if !bytes.Equal(MarshalCommit(got), raw) {
		t.Fatalf("re-marshal not identical")
	}
}

func TestTreeRoundTripAndOrder(t *testing.T) {
	blobID := mustID(t, "ce013625030ba8dba906f756967f9e9ca394464a")
	treeID := mustID(t, "4b825dc642cb6eb9a060e54bf8d69288fbee4904")

	// "sub" is a directory so it sorts as "sub/", after "sub.txt".
	tr := &Tree{Entries: []TreeEntry{
		{Mode: ModeFile, Name: "sub.txt", ID: blobID},
		{Mode: ModeDir, Name: "sub", ID: treeID},
		{Mode: ModeExecutable, Name: "tool", ID: blobID},
	}}
	tr.SortEntries()
	if tr.Entries[0].Name != "sub.txt" || tr.Entries[1].Name != "sub" {
		t.Fatalf("sort order = %q,%q, want sub.txt,sub", tr.Entries[0].Name, tr.Entries[1].Name)
	}

	raw, err := MarshalTree(tr)
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}
	got, err := UnmarshalTree(raw)
	if err != nil {
		t.Fatalf("UnmarshalTree: %v", err)
	}
	if len(got.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(got.Entries))
	}
	for i := range got.Entries {
		if got.Entries[i] != tr.Entries[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got.Entries[i], tr.Entries[i])
		}
	}
}

func TestMarshalTreeRejectsOutOfOrder(t *testing.T) {
	blobID := mustID(t, "ce013625030ba8dba906f756967f9e9ca394464a")
	tr := &Tree{Entries: []TreeEntry{
		{Mode: ModeFile, Name: "b", ID: blobID},
		{Mode: ModeFile, Name: "a", ID: blobID},
	}}
	if _, err := MarshalTree(tr); err == nil {
		t.Fatalf("MarshalTree accepted out-of-order entries")
	}
}

func TestTagRoundTrip(t *testing.T) {
	tag := &Tag{
		Object:   mustID(t, "ce013625030ba8dba906f756967f9e9ca394464a"),
		TypeName: TypeCommit,
		Name:     "v1.0",
		Tagger:   testIdent(),
		Message:  "release\n",
	}
	raw := MarshalTag(tag)
	got, err := UnmarshalTag(raw)
	if err != nil {
		t.Fatalf("UnmarshalTag: %v", err)
	}
	if got.Object != tag.Object || got.TypeName != tag.TypeName || got.Name != tag.Name {
		t.Fatalf("tag = %+v, want %+v", got, tag)
	}
	if !bytes.Equal(MarshalTag(got), raw) {
		t.Fatalf("re-marshal not identical")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte("hello\n")
	raw := MakeEnvelope(TypeBlob, payload)
	typ, got, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if typ != TypeBlob || !bytes.Equal(got, payload) {
		t.Fatalf("envelope = (%s, %q), want (blob, %q)", typ, got, payload)
	}
	if id := Hash(TypeBlob, payload); id.String() != "ce013625030ba8dba906f756967f9e9ca394464a" {
		t.Fatalf("Hash = %s", id)
	}
}

func TestEnvelopeRejectsBadLength(t *testing.T) {
	raw := []byte("blob 5\x00hello!")
	if _, _, err := ParseEnvelope(raw); err == nil {
		t.Fatalf("ParseEnvelope accepted wrong declared length")
	}
}
