package pack

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/odvcencio/grit/pkg/delta"
	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
)

// BaseSource supplies delta bases that live outside a thin pack.
type BaseSource interface {
	HasObject(id gitid.ID) bool
	Object(id gitid.ID) (object.Type, []byte, error)
}

// IndexedPack is the outcome of indexing an inbound pack stream: the
// final pack bytes (with thin bases appended when needed), the index
// covering them, and the recomputed trailer checksum.
type IndexedPack struct {
	Data     []byte
	Index    *Index
	Checksum gitid.ID
}

// Indexer parses an inbound pack stream, resolves every delta, verifies
// the trailer, and produces a self-contained pack plus index. Thin packs
// are completed by appending the missing bases fetched from Local.
type Indexer struct {
	// Local resolves out-of-pack delta bases. Nil means thin packs are
	// rejected.
	Local BaseSource
	// Progress, when non-nil, is invoked per parsed entry.
	Progress func(done, total int)
}

type parsedEntry struct {
	offset  uint64
	entType EntryType
	raw     []byte // inflated payload, or delta instructions
	baseOfs uint64
	baseID  gitid.ID
	crc     uint32

	resolvedType object.Type
	payload      []byte
	resolved     bool
}

// IndexStream consumes a complete pack stream from r.
func (ix *Indexer) IndexStream(r io.Reader) (*IndexedPack, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pack stream: %w", err)
	}
	return ix.IndexBytes(data)
}

// IndexBytes indexes a complete pack held in memory.
func (ix *Indexer) IndexBytes(data []byte) (*IndexedPack, error) {
	if len(data) < headerSize+trailerSize {
		return nil, corruptf("pack too short: %d bytes", len(data))
	}
	payload := data[:len(data)-trailerSize]
	trailer := data[len(data)-trailerSize:]
	if sum := sha1.Sum(payload); !bytes.Equal(sum[:], trailer) {
		return nil, corruptf("pack checksum mismatch")
	}

	hdr, err := UnmarshalHeader(payload)
	if err != nil {
		return nil, err
	}

	entries, err := parseEntries(payload, int(hdr.NumObjects), ix.Progress)
	if err != nil {
		return nil, err
	}

	thin, err := resolveEntries(entries, ix.Local)
	if err != nil {
		return nil, err
	}

	if len(thin) == 0 {
		return finishPack(data, entries, nil)
	}
	return fixThinPack(payload, entries, thin)
}

// parseEntries walks the entry region, inflating every payload and
// recording per-entry CRCs over the on-disk bytes.
func parseEntries(payload []byte, count int, progress func(done, total int)) ([]*parsedEntry, error) {
	entries := make([]*parsedEntry, 0, count)
	offset := uint64(headerSize)
	for i := 0; i < count; i++ {
		if offset >= uint64(len(payload)) {
			return nil, corruptf("entry %d: pack truncated", i)
		}
		e := &parsedEntry{offset: offset}
		buf := payload[offset:]

		t, size, consumed, err := decodeEntryHeader(buf)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		e.entType = t
		buf = buf[consumed:]
		pos := offset + uint64(consumed)

		switch t {
		case EntryOfsDelta:
			distance, n, err := decodeOfsDistance(buf)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			if distance == 0 || distance > offset {
				return nil, corruptf("entry %d: ofs-delta distance %d", i, distance)
			}
			e.baseOfs = offset - distance
			buf = buf[n:]
			pos += uint64(n)
		case EntryRefDelta:
			if len(buf) < gitid.Size {
				return nil, corruptf("entry %d: ref-delta base truncated", i)
			}
			copy(e.baseID[:], buf[:gitid.Size])
			buf = buf[gitid.Size:]
			pos += gitid.Size
		case EntryCommit, EntryTree, EntryBlob, EntryTag:
		default:
			return nil, corruptf("entry %d: invalid type %d", i, t)
		}

		raw, consumedZ, err := inflateCounted(buf, size)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		e.raw = raw
		end := pos + uint64(consumedZ)
		e.crc = crc32.ChecksumIEEE(payload[offset:end])
		offset = end

		entries = append(entries, e)
		if progress != nil {
			progress(i+1, count)
		}
	}
	if offset != uint64(len(payload)) {
		return nil, corruptf("pack has %d trailing undecoded bytes", uint64(len(payload))-offset)
	}
	return entries, nil
}

// inflateCounted decompresses one zlib stream and reports how many
// compressed bytes it consumed.
func inflateCounted(buf []byte, size uint64) ([]byte, int, error) {
	br := bytes.NewReader(buf)
	zr, err := zlib.NewReader(br)
	if err != nil {
		return nil, 0, corruptf("zlib: %v", err)
	}
	defer zr.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, 0, corruptf("inflate: %v", err)
	}
	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n != 0 {
		return nil, 0, corruptf("inflate: entry larger than declared size %d", size)
	}
	return out, len(buf) - br.Len(), nil
}

// resolveEntries applies delta chains until a fixpoint, returning the
// out-of-pack bases a thin pack needs.
func resolveEntries(entries []*parsedEntry, local BaseSource) ([]ThinBase, error) {
	byOffset := make(map[uint64]*parsedEntry, len(entries))
	for _, e := range entries {
		byOffset[e.offset] = e
	}

	byID := make(map[gitid.ID]*parsedEntry, len(entries))
	markResolved := func(e *parsedEntry, t object.Type, payload []byte) {
		e.resolvedType = t
		e.payload = payload
		e.resolved = true
		byID[object.Hash(t, payload)] = e
	}

	for _, e := range entries {
		if !e.entType.IsDelta() {
			t, _ := e.entType.ObjectType()
			markResolved(e, t, e.raw)
		}
	}

	// Delta bases may themselves be deltas, in either direction for
	// ref-deltas, so iterate to a fixpoint.
	var thinBases []ThinBase
	thinSeen := make(map[gitid.ID]*ThinBase)
	for {
		progressed := false
		pending := 0
		for _, e := range entries {
			if e.resolved {
				continue
			}
			var baseType object.Type
			var basePayload []byte
			switch e.entType {
			case EntryOfsDelta:
				base, ok := byOffset[e.baseOfs]
				if !ok {
					return nil, corruptf("ofs-delta at %d: no entry at base offset %d", e.offset, e.baseOfs)
				}
				if !base.resolved {
					pending++
					continue
				}
				baseType, basePayload = base.resolvedType, base.payload
			case EntryRefDelta:
				if base, ok := byID[e.baseID]; ok {
					if !base.resolved {
						pending++
						continue
					}
					baseType, basePayload = base.resolvedType, base.payload
				} else if tb, ok := thinSeen[e.baseID]; ok {
					baseType, basePayload = tb.Type, tb.Payload
				} else if local != nil && local.HasObject(e.baseID) {
					t, payload, err := local.Object(e.baseID)
					if err != nil {
						return nil, fmt.Errorf("thin base %s: %w", e.baseID, err)
					}
					tb := ThinBase{ID: e.baseID, Type: t, Payload: payload}
					thinBases = append(thinBases, tb)
					thinSeen[e.baseID] = &thinBases[len(thinBases)-1]
					baseType, basePayload = t, payload
				} else {
					// The base may still be an unresolved in-pack delta.
					pending++
					continue
				}
			}
			result, err := delta.Apply(basePayload, e.raw)
			if err != nil {
				return nil, fmt.Errorf("entry at %d: %w", e.offset, err)
			}
			markResolved(e, baseType, result)
			progressed = true
		}
		if pending == 0 {
			return thinBases, nil
		}
		if !progressed {
			for _, e := range entries {
				if !e.resolved && e.entType == EntryRefDelta {
					return nil, fmt.Errorf("%w: delta base %s", ErrNotFound, e.baseID)
				}
			}
			return nil, fmt.Errorf("%w: unresolvable ofs-delta chain", ErrDeltaCycle)
		}
	}
}

// finishPack builds the index for an already self-contained pack.
func finishPack(data []byte, entries []*parsedEntry, extra []IndexEntry) (*IndexedPack, error) {
	idxEntries := make([]IndexEntry, 0, len(entries)+len(extra))
	for _, e := range entries {
		idxEntries = append(idxEntries, IndexEntry{
			ID:     object.Hash(e.resolvedType, e.payload),
			Offset: e.offset,
			CRC32:  e.crc,
		})
	}
	idxEntries = append(idxEntries, extra...)

	var checksum gitid.ID
	copy(checksum[:], data[len(data)-trailerSize:])
	return &IndexedPack{
		Data:     data,
		Index:    NewIndex(idxEntries, checksum),
		Checksum: checksum,
	}, nil
}

// fixThinPack appends the missing bases as whole entries, rewrites the
// object count, and recomputes the trailer so the result is
// self-contained.
func fixThinPack(payload []byte, entries []*parsedEntry, thin []ThinBase) (*IndexedPack, error) {
	fixed := make([]byte, 0, len(payload)+trailerSize)
	fixed = append(fixed, payload...)

	hdr := Header{
		Version:    supportedVersion,
		NumObjects: uint32(len(entries) + len(thin)),
	}
	copy(fixed[:headerSize], hdr.Marshal())

	var extra []IndexEntry
	for _, tb := range thin {
		t, ok := TypeEntry(tb.Type)
		if !ok {
			return nil, fmt.Errorf("thin base %s: unsupported type %q", tb.ID, tb.Type)
		}
		offset := uint64(len(fixed))

		var entry bytes.Buffer
		entry.Write(encodeEntryHeader(t, uint64(len(tb.Payload))))
		zw := zlib.NewWriter(&entry)
		if _, err := zw.Write(tb.Payload); err != nil {
			zw.Close()
			return nil, fmt.Errorf("deflate thin base %s: %w", tb.ID, err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("deflate thin base %s: %w", tb.ID, err)
		}

		fixed = append(fixed, entry.Bytes()...)
		extra = append(extra, IndexEntry{
			ID:     tb.ID,
			Offset: offset,
			CRC32:  crc32.ChecksumIEEE(entry.Bytes()),
		})
	}

	sum := sha1.Sum(fixed)
	fixed = append(fixed, sum[:]...)
	return finishPack(fixed, entries, extra)
}
