package pack

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zlib"

	"github.com/odvcencio/grit/pkg/delta"
	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
)

// MaxDeltaDepth bounds delta chain resolution. Writers never produce
// chains beyond this, so anything deeper is treated as corruption.
const MaxDeltaDepth = 50

const defaultCacheBytes = 16 << 20

// File is an opened pack plus its index, giving random access to the
// objects inside. It is safe for concurrent readers.
type File struct {
	packPath string
	data     []byte
	idx      *Index

	mu    sync.Mutex
	cache *inflateCache
}

// OpenFile opens a ".pack" file together with its sibling ".idx". Both
// trailer checksums are verified, and the index is checked to reference
// only offsets inside the pack.
func OpenFile(packPath string) (*File, error) {
	idxPath := strings.TrimSuffix(packPath, ".pack") + ".idx"
	idx, err := ReadIndexFile(idxPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(packPath)
	if err != nil {
		return nil, fmt.Errorf("read pack: %w", err)
	}
	return newFile(packPath, data, idx)
}

// NewFromBytes opens an in-memory pack with a pre-built index.
func NewFromBytes(data []byte, idx *Index) (*File, error) {
	return newFile("(in-memory)", data, idx)
}

func newFile(packPath string, data []byte, idx *Index) (*File, error) {
	if len(data) < headerSize+trailerSize {
		return nil, corruptf("pack too short: %d bytes", len(data))
	}
	hdr, err := UnmarshalHeader(data)
	if err != nil {
		return nil, err
	}
	if int(hdr.NumObjects) != idx.NumObjects() {
		return nil, corruptf("pack holds %d objects, index covers %d", hdr.NumObjects, idx.NumObjects())
	}

	sum := sha1.Sum(data[:len(data)-trailerSize])
	if !bytes.Equal(sum[:], data[len(data)-trailerSize:]) {
		return nil, corruptf("pack checksum mismatch")
	}
	if checksum := gitid.ID(sum); checksum != idx.PackChecksum {
		return nil, corruptf("pack checksum %s does not match index %s", checksum, idx.PackChecksum)
	}

	limit := uint64(len(data) - trailerSize)
	for _, e := range idx.Entries() {
		if e.Offset < headerSize || e.Offset >= limit {
			return nil, corruptf("index offset %d outside pack", e.Offset)
		}
	}

	return &File{
		packPath: packPath,
		data:     data,
		idx:      idx,
		cache:    newInflateCache(defaultCacheBytes),
	}, nil
}

// Path returns the pack file path this File was opened from.
func (f *File) Path() string {
	return f.packPath
}

// Index returns the pack's index.
func (f *File) Index() *Index {
	return f.idx
}

// Checksum returns the pack trailer checksum, which also names the pack.
func (f *File) Checksum() gitid.ID {
	return f.idx.PackChecksum
}

// Has reports whether the pack contains id.
func (f *File) Has(id gitid.ID) bool {
	return f.idx.Has(id)
}

// FindOffset returns the entry offset for id.
func (f *File) FindOffset(id gitid.ID) (uint64, bool) {
	e, ok := f.idx.Find(id)
	if !ok {
		return 0, false
	}
	return e.Offset, true
}

// ResolvePrefix appends up to limit ids matching the abbreviated prefix.
func (f *File) ResolvePrefix(dst []gitid.ID, prefix gitid.Abbrev, limit int) []gitid.ID {
	return f.idx.ResolvePrefix(dst, prefix, limit)
}

// Object inflates the object stored under id, following delta chains.
func (f *File) Object(id gitid.ID) (object.Type, []byte, error) {
	e, ok := f.idx.Find(id)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f.ObjectAt(e.Offset)
}

// ObjectAt inflates the object whose entry begins at the given offset.
func (f *File) ObjectAt(offset uint64) (object.Type, []byte, error) {
	t, data, err := f.resolve(offset, 0, map[uint64]bool{})
	if err != nil {
		return "", nil, err
	}
	objType, ok := t.ObjectType()
	if !ok {
		return "", nil, corruptf("entry at %d resolved to non-object type %s", offset, t)
	}
	return objType, data, nil
}

// resolve returns the fully inflated entry at offset, applying delta
// chains. visited guards against base cycles; depth bounds chain length.
func (f *File) resolve(offset uint64, depth int, visited map[uint64]bool) (EntryType, []byte, error) {
	if depth > MaxDeltaDepth {
		return 0, nil, fmt.Errorf("%w: depth %d at offset %d", ErrDeltaDepth, depth, offset)
	}
	if visited[offset] {
		return 0, nil, fmt.Errorf("%w: offset %d", ErrDeltaCycle, offset)
	}
	visited[offset] = true

	f.mu.Lock()
	if t, data, ok := f.cache.get(offset); ok {
		f.mu.Unlock()
		return t, data, nil
	}
	f.mu.Unlock()

	t, raw, baseOffset, baseID, err := f.entryAt(offset)
	if err != nil {
		return 0, nil, err
	}

	var resolvedType EntryType
	var result []byte
	switch t {
	case EntryOfsDelta:
		baseType, base, err := f.resolve(baseOffset, depth+1, visited)
		if err != nil {
			return 0, nil, err
		}
		result, err = delta.Apply(base, raw)
		if err != nil {
			return 0, nil, fmt.Errorf("entry at %d: %w", offset, err)
		}
		resolvedType = baseType
	case EntryRefDelta:
		baseEntry, ok := f.idx.Find(baseID)
		if !ok {
			return 0, nil, fmt.Errorf("%w: delta base %s", ErrNotFound, baseID)
		}
		baseType, base, err := f.resolve(baseEntry.Offset, depth+1, visited)
		if err != nil {
			return 0, nil, err
		}
		result, err = delta.Apply(base, raw)
		if err != nil {
			return 0, nil, fmt.Errorf("entry at %d: %w", offset, err)
		}
		resolvedType = baseType
	default:
		resolvedType = t
		result = raw
	}

	f.mu.Lock()
	f.cache.put(offset, resolvedType, result)
	f.mu.Unlock()
	return resolvedType, result, nil
}

// entryAt reads and inflates the single entry at offset without resolving
// deltas. For delta entries it also returns the base reference.
func (f *File) entryAt(offset uint64) (t EntryType, data []byte, baseOffset uint64, baseID gitid.ID, err error) {
	limit := uint64(len(f.data) - trailerSize)
	if offset < headerSize || offset >= limit {
		return 0, nil, 0, gitid.ID{}, corruptf("entry offset %d outside pack", offset)
	}
	buf := f.data[offset:limit]

	t, size, consumed, err := decodeEntryHeader(buf)
	if err != nil {
		return 0, nil, 0, gitid.ID{}, err
	}
	buf = buf[consumed:]

	switch t {
	case EntryOfsDelta:
		distance, n, err := decodeOfsDistance(buf)
		if err != nil {
			return 0, nil, 0, gitid.ID{}, err
		}
		buf = buf[n:]
		if distance == 0 || distance > offset {
			return 0, nil, 0, gitid.ID{}, corruptf("ofs-delta distance %d at offset %d", distance, offset)
		}
		baseOffset = offset - distance
	case EntryRefDelta:
		if len(buf) < gitid.Size {
			return 0, nil, 0, gitid.ID{}, corruptf("ref-delta base truncated at offset %d", offset)
		}
		copy(baseID[:], buf[:gitid.Size])
		buf = buf[gitid.Size:]
	case EntryCommit, EntryTree, EntryBlob, EntryTag:
	default:
		return 0, nil, 0, gitid.ID{}, corruptf("invalid entry type %d at offset %d", t, offset)
	}

	data, err = inflate(buf, size)
	if err != nil {
		return 0, nil, 0, gitid.ID{}, fmt.Errorf("entry at %d: %w", offset, err)
	}
	return t, data, baseOffset, baseID, nil
}

// inflate decompresses a zlib stream expected to hold exactly size bytes.
func inflate(compressed []byte, size uint64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, corruptf("zlib: %v", err)
	}
	defer zr.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, corruptf("inflate: %v", err)
	}
	// The stream must end exactly at the declared size.
	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n != 0 {
		return nil, corruptf("inflate: entry larger than declared size %d", size)
	}
	return out, nil
}
