package pack

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"testing"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
)

func TestEntryHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		t    EntryType
		size uint64
	}{
		{EntryBlob, 0},
		{EntryBlob, 15},
		{EntryBlob, 16},
		{EntryCommit, 12345},
		{EntryOfsDelta, 1 << 20},
		{EntryRefDelta, 1<<32 + 9},
	}
	for _, tc := range tests {
		enc := encodeEntryHeader(tc.t, tc.size)
		gotType, gotSize, n, err := decodeEntryHeader(enc)
		if err != nil {
			t.Fatalf("decode(%v, %d): %v", tc.t, tc.size, err)
		}
		if gotType != tc.t || gotSize != tc.size || n != len(enc) {
			t.Fatalf("round trip (%v, %d) = (%v, %d, %d)", tc.t, tc.size, gotType, gotSize, n)
		}
	}
}

func TestOfsDistanceRoundTrip(t *testing.T) {
	tests := []uint64{1, 2, 10, 127, 128, 255, 1024, 65535, 1 << 20, (1 << 31) + 17}
	for _, want := range tests {
		enc := encodeOfsDistance(want)
		got, n, err := decodeOfsDistance(enc)
		if err != nil {
			t.Fatalf("decode distance %d: %v", want, err)
		}
		if got != want || n != len(enc) {
			t.Fatalf("distance %d round trip = (%d, %d bytes)", want, got, n)
		}
	}
}

func TestWriteSingleBlob(t *testing.T) {
	payload := []byte("abc")
	obj := ObjectEntry{
		ID:      object.Hash(object.TypeBlob, payload),
		Type:    object.TypeBlob,
		Payload: payload,
	}

	var buf bytes.Buffer
	res, err := NewWriter(WriterOptions{}).Write(&buf, []ObjectEntry{obj}, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	data := buf.Bytes()

	if len(data) > 50 {
		t.Fatalf("single-blob pack = %d bytes, want <= 50", len(data))
	}
	wantHeader := []byte("PACK\x00\x00\x00\x02\x00\x00\x00\x01")
	if !bytes.Equal(data[:12], wantHeader) {
		t.Fatalf("header = %x, want %x", data[:12], wantHeader)
	}
	sum := sha1.Sum(data[:len(data)-20])
	if !bytes.Equal(sum[:], data[len(data)-20:]) {
		t.Fatalf("trailer does not hash preceding bytes")
	}
	if res.Checksum != gitid.ID(sum) {
		t.Fatalf("result checksum mismatch")
	}

	f, err := NewFromBytes(data, NewIndex(res.Entries, res.Checksum))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	typ, got, err := f.Object(obj.ID)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	if typ != object.TypeBlob || !bytes.Equal(got, payload) {
		t.Fatalf("read back = (%s, %q)", typ, got)
	}
}

// makeTestObjects builds a family of blobs with enough shared content for
// the delta window to find matches.
func makeTestObjects(n int) []ObjectEntry {
	base := bytes.Repeat([]byte("file content line that repeats endlessly\n"), 64)
	objs := make([]ObjectEntry, 0, n)
	for i := 0; i < n; i++ {
		payload := append([]byte(fmt.Sprintf("version %d header\n", i)), base...)
		objs = append(objs, ObjectEntry{
			ID:       object.Hash(object.TypeBlob, payload),
			Type:     object.TypeBlob,
			Payload:  payload,
			PathHint: "data.txt",
		})
	}
	return objs
}

func TestWriterIndexerRoundTrip(t *testing.T) {
	objs := makeTestObjects(8)

	var buf bytes.Buffer
	res, err := NewWriter(WriterOptions{Window: 4}).Write(&buf, objs, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(res.Entries) != len(objs) {
		t.Fatalf("entries = %d, want %d", len(res.Entries), len(objs))
	}

	ip, err := (&Indexer{}).IndexBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("IndexBytes: %v", err)
	}
	if ip.Index.NumObjects() != len(objs) {
		t.Fatalf("indexed %d objects, want %d", ip.Index.NumObjects(), len(objs))
	}

	f, err := NewFromBytes(ip.Data, ip.Index)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	for _, obj := range objs {
		typ, payload, err := f.Object(obj.ID)
		if err != nil {
			t.Fatalf("Object(%s): %v", obj.ID, err)
		}
		if typ != obj.Type || !bytes.Equal(payload, obj.Payload) {
			t.Fatalf("Object(%s) mismatch", obj.ID)
		}
	}
}

func TestWriterDeltaCompression(t *testing.T) {
	objs := makeTestObjects(6)

	var plain, windowed bytes.Buffer
	if _, err := NewWriter(WriterOptions{Window: 1, Ratio: 0.0001}).Write(&plain, objs, nil); err != nil {
		t.Fatalf("Write plain: %v", err)
	}
	if _, err := NewWriter(WriterOptions{Window: 4}).Write(&windowed, objs, nil); err != nil {
		t.Fatalf("Write windowed: %v", err)
	}
	if windowed.Len() >= plain.Len() {
		t.Fatalf("delta window did not shrink pack: %d >= %d", windowed.Len(), plain.Len())
	}
}

type mapSource map[gitid.ID]ObjectEntry

func (m mapSource) HasObject(id gitid.ID) bool { _, ok := m[id]; return ok }

func (m mapSource) Object(id gitid.ID) (object.Type, []byte, error) {
	e, ok := m[id]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.Type, e.Payload, nil
}

func TestThinPackFix(t *testing.T) {
	objs := makeTestObjects(3)
	baseObj := objs[0]
	newObjs := objs[1:]

	local := mapSource{baseObj.ID: baseObj}
	thinBases := []ThinBase{{ID: baseObj.ID, Type: baseObj.Type, Payload: baseObj.Payload}}

	var buf bytes.Buffer
	if _, err := NewWriter(WriterOptions{Thin: true, Window: 4}).Write(&buf, newObjs, thinBases); err != nil {
		t.Fatalf("Write thin: %v", err)
	}

	// A thin pack must not index on its own.
	if _, err := (&Indexer{}).IndexBytes(buf.Bytes()); err == nil {
		t.Fatalf("IndexBytes accepted a thin pack without a base source")
	}

	ip, err := (&Indexer{Local: local}).IndexBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("IndexBytes with local: %v", err)
	}
	if got, want := ip.Index.NumObjects(), len(newObjs)+1; got != want {
		t.Fatalf("fixed pack indexes %d objects, want %d", got, want)
	}

	f, err := NewFromBytes(ip.Data, ip.Index)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	for _, obj := range objs {
		typ, payload, err := f.Object(obj.ID)
		if err != nil {
			t.Fatalf("Object(%s): %v", obj.ID, err)
		}
		if typ != obj.Type || !bytes.Equal(payload, obj.Payload) {
			t.Fatalf("Object(%s) mismatch after thin fix", obj.ID)
		}
	}
}

func TestIndexV1V2RoundTrip(t *testing.T) {
	objs := makeTestObjects(5)

	var buf bytes.Buffer
	res, err := NewWriter(WriterOptions{}).Write(&buf, objs, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	idx := NewIndex(res.Entries, res.Checksum)

	var v2 bytes.Buffer
	if _, err := idx.WriteV2(&v2); err != nil {
		t.Fatalf("WriteV2: %v", err)
	}
	got2, err := ReadIndex(v2.Bytes())
	if err != nil {
		t.Fatalf("ReadIndex v2: %v", err)
	}
	if got2.Version != 2 || got2.NumObjects() != len(objs) {
		t.Fatalf("v2 = version %d, %d objects", got2.Version, got2.NumObjects())
	}

	var v1 bytes.Buffer
	if _, err := idx.WriteV1(&v1); err != nil {
		t.Fatalf("WriteV1: %v", err)
	}
	got1, err := ReadIndex(v1.Bytes())
	if err != nil {
		t.Fatalf("ReadIndex v1: %v", err)
	}
	if got1.Version != 1 || got1.NumObjects() != len(objs) {
		t.Fatalf("v1 = version %d, %d objects", got1.Version, got1.NumObjects())
	}

	entries := got2.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i-1].ID.Compare(entries[i].ID) >= 0 {
			t.Fatalf("index entries out of order at %d", i)
		}
	}
	for _, obj := range objs {
		e2, ok2 := got2.Find(obj.ID)
		e1, ok1 := got1.Find(obj.ID)
		if !ok1 || !ok2 {
			t.Fatalf("Find(%s) = %v/%v", obj.ID, ok1, ok2)
		}
		if e1.Offset != e2.Offset {
			t.Fatalf("offsets differ between versions for %s", obj.ID)
		}
	}
}

func TestIndexResolvePrefix(t *testing.T) {
	objs := makeTestObjects(5)
	var buf bytes.Buffer
	res, err := NewWriter(WriterOptions{}).Write(&buf, objs, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	idx := NewIndex(res.Entries, res.Checksum)

	for _, obj := range objs {
		prefix, err := gitid.ParseAbbrev(obj.ID.String()[:8])
		if err != nil {
			t.Fatalf("ParseAbbrev: %v", err)
		}
		got := idx.ResolvePrefix(nil, prefix, 10)
		if len(got) != 1 || got[0] != obj.ID {
			t.Fatalf("ResolvePrefix(%s) = %v", prefix, got)
		}
	}
}

// openFromResult builds a readable File from a writer's output.
func openFromResult(t *testing.T, data []byte, res *Result) *File {
	t.Helper()
	f, err := NewFromBytes(data, NewIndex(res.Entries, res.Checksum))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	return f
}

func TestWriteCachedConcatenatesWhole(t *testing.T) {
	objsA := makeTestObjects(4)
	objsB := []ObjectEntry{}
	for _, text := range []string{"cached one\n", "cached two\n"} {
		payload := []byte(text)
		objsB = append(objsB, ObjectEntry{
			ID:      object.Hash(object.TypeBlob, payload),
			Type:    object.TypeBlob,
			Payload: payload,
		})
	}

	var bufA, bufB bytes.Buffer
	resA, err := NewWriter(WriterOptions{Window: 4}).Write(&bufA, objsA, nil)
	if err != nil {
		t.Fatalf("Write A: %v", err)
	}
	resB, err := NewWriter(WriterOptions{}).Write(&bufB, objsB, nil)
	if err != nil {
		t.Fatalf("Write B: %v", err)
	}
	packA := openFromResult(t, bufA.Bytes(), resA)
	packB := openFromResult(t, bufB.Bytes(), resB)

	var combined bytes.Buffer
	res, err := WriteCached(&combined, []*File{packA, packB})
	if err != nil {
		t.Fatalf("WriteCached: %v", err)
	}
	if len(res.Entries) != len(objsA)+len(objsB) {
		t.Fatalf("entries = %d, want %d", len(res.Entries), len(objsA)+len(objsB))
	}

	// The source entry bytes appear verbatim in the output.
	bodyA := bufA.Bytes()[12 : bufA.Len()-20]
	if !bytes.Contains(combined.Bytes(), bodyA) {
		t.Fatalf("pack A body not copied whole")
	}

	sum := sha1.Sum(combined.Bytes()[:combined.Len()-20])
	if res.Checksum != gitid.ID(sum) {
		t.Fatalf("trailer not recomputed over concatenated bytes")
	}

	f := openFromResult(t, combined.Bytes(), res)
	for _, obj := range append(objsA, objsB...) {
		typ, payload, err := f.Object(obj.ID)
		if err != nil {
			t.Fatalf("Object(%s): %v", obj.ID, err)
		}
		if typ != obj.Type || !bytes.Equal(payload, obj.Payload) {
			t.Fatalf("Object(%s) mismatch after concatenation", obj.ID)
		}
	}
}

func TestWriteCachedRejectsOverlap(t *testing.T) {
	objs := makeTestObjects(2)
	var buf bytes.Buffer
	res, err := NewWriter(WriterOptions{}).Write(&buf, objs, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	p := openFromResult(t, buf.Bytes(), res)

	if _, err := WriteCached(&bytes.Buffer{}, []*File{p, p}); err == nil {
		t.Fatalf("WriteCached accepted overlapping packs")
	}
	if _, err := WriteCached(&bytes.Buffer{}, nil); err == nil {
		t.Fatalf("WriteCached accepted an empty pack list")
	}
}

func TestCorruptTrailerRejected(t *testing.T) {
	objs := makeTestObjects(2)
	var buf bytes.Buffer
	res, err := NewWriter(WriterOptions{}).Write(&buf, objs, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	data := buf.Bytes()
	data[len(data)-1] ^= 0xff

	if _, err := (&Indexer{}).IndexBytes(data); err == nil {
		t.Fatalf("IndexBytes accepted a corrupt trailer")
	}
	if _, err := NewFromBytes(data, NewIndex(res.Entries, res.Checksum)); err == nil {
		t.Fatalf("NewFromBytes accepted a corrupt trailer")
	}
}
