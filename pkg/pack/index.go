package pack

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/odvcencio/grit/pkg/gitid"
)

const (
	indexV2Version       = 2
	indexHeaderSize      = 8
	indexFanoutSize      = 256 * 4
	indexLargeOffsetBit  = uint32(1 << 31)
	maxSmallIndexOffsets = uint64(indexLargeOffsetBit)
)

var indexMagic = [4]byte{0xff, 't', 'O', 'c'}

// IndexEntry is one row in a pack index.
type IndexEntry struct {
	ID     gitid.ID
	Offset uint64
	CRC32  uint32 // zero when read from a v1 index
}

// Index is an in-memory pack index, either parsed from an idx file or
// built while indexing an inbound pack.
type Index struct {
	fanout        [256]uint32
	entries       []IndexEntry // sorted by ID
	PackChecksum  gitid.ID
	IndexChecksum gitid.ID
	Version       int
}

// NumObjects returns the number of objects covered by the index.
func (idx *Index) NumObjects() int {
	return len(idx.entries)
}

// Entries returns a copy of all entries in ascending id order.
func (idx *Index) Entries() []IndexEntry {
	out := make([]IndexEntry, len(idx.entries))
	copy(out, idx.entries)
	return out
}

// Find performs a fanout-bounded binary search for an id.
func (idx *Index) Find(id gitid.ID) (IndexEntry, bool) {
	lo, hi := idx.bucketRange(id.FirstByte())
	for lo < hi {
		mid := lo + (hi-lo)/2
		if idx.entries[mid].ID.Compare(id) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(idx.entries) && idx.entries[lo].ID == id {
		return idx.entries[lo], true
	}
	return IndexEntry{}, false
}

// Has reports whether the index covers id.
func (idx *Index) Has(id gitid.ID) bool {
	_, ok := idx.Find(id)
	return ok
}

// ResolvePrefix appends to dst up to limit ids beginning with the
// abbreviated prefix.
func (idx *Index) ResolvePrefix(dst []gitid.ID, prefix gitid.Abbrev, limit int) []gitid.ID {
	firstByte := hexByte(prefix[0])<<4 | hexByte(prefix[1])
	lo, hi := idx.bucketRange(firstByte)
	for i := lo; i < hi && (limit <= 0 || len(dst) < limit); i++ {
		if prefix.Matches(idx.entries[i].ID) {
			dst = append(dst, idx.entries[i].ID)
		}
	}
	return dst
}

func hexByte(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return 0
	}
}

func (idx *Index) bucketRange(bucket int) (int, int) {
	start := uint32(0)
	if bucket > 0 {
		start = idx.fanout[bucket-1]
	}
	return int(start), int(idx.fanout[bucket])
}

// findByOffset returns the entry stored at the given pack offset.
func (idx *Index) findByOffset(offset uint64) (IndexEntry, bool) {
	for _, e := range idx.entries {
		if e.Offset == offset {
			return e, true
		}
	}
	return IndexEntry{}, false
}

func buildFanout(entries []IndexEntry) [256]uint32 {
	var counts [256]uint32
	for _, e := range entries {
		counts[e.ID.FirstByte()]++
	}
	var fanout [256]uint32
	var total uint32
	for i := 0; i < 256; i++ {
		total += counts[i]
		fanout[i] = total
	}
	return fanout
}

// NewIndex builds an in-memory index from entries, sorting them by id.
func NewIndex(entries []IndexEntry, packChecksum gitid.ID) *Index {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.Compare(sorted[j].ID) < 0
	})
	return &Index{
		fanout:       buildFanout(sorted),
		entries:      sorted,
		PackChecksum: packChecksum,
		Version:      indexV2Version,
	}
}

// WriteV2 serializes the index in idx v2 format and returns the index
// checksum written into the trailer.
func (idx *Index) WriteV2(w io.Writer) (gitid.ID, error) {
	var buf bytes.Buffer
	buf.Write(indexMagic[:])
	writeU32(&buf, indexV2Version)

	fanout := buildFanout(idx.entries)
	for i := 0; i < 256; i++ {
		writeU32(&buf, fanout[i])
	}
	for _, e := range idx.entries {
		buf.Write(e.ID[:])
	}
	for _, e := range idx.entries {
		writeU32(&buf, e.CRC32)
	}

	var large []uint64
	for _, e := range idx.entries {
		if e.Offset < maxSmallIndexOffsets {
			writeU32(&buf, uint32(e.Offset))
			continue
		}
		writeU32(&buf, indexLargeOffsetBit|uint32(len(large)))
		large = append(large, e.Offset)
	}
	for _, off := range large {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], off)
		buf.Write(b[:])
	}

	buf.Write(idx.PackChecksum[:])
	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])

	if _, err := w.Write(buf.Bytes()); err != nil {
		return gitid.ID{}, fmt.Errorf("write pack index: %w", err)
	}
	return gitid.ID(sum), nil
}

// WriteV1 serializes the index in the legacy idx v1 format. Offsets above
// 4 GiB cannot be represented and are rejected.
func (idx *Index) WriteV1(w io.Writer) (gitid.ID, error) {
	var buf bytes.Buffer
	fanout := buildFanout(idx.entries)
	for i := 0; i < 256; i++ {
		writeU32(&buf, fanout[i])
	}
	for _, e := range idx.entries {
		if e.Offset > 0xffffffff {
			return gitid.ID{}, fmt.Errorf("write pack index v1: offset %d too large", e.Offset)
		}
		writeU32(&buf, uint32(e.Offset))
		buf.Write(e.ID[:])
	}
	buf.Write(idx.PackChecksum[:])
	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])

	if _, err := w.Write(buf.Bytes()); err != nil {
		return gitid.ID{}, fmt.Errorf("write pack index v1: %w", err)
	}
	return gitid.ID(sum), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// ReadIndexFile opens and parses an idx file.
func ReadIndexFile(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pack index: %w", err)
	}
	return ReadIndex(data)
}

// ReadIndex parses and validates an idx file in v1 or v2 format. The
// trailer checksum is verified and entry order enforced.
func ReadIndex(data []byte) (*Index, error) {
	if len(data) >= 8 && bytes.Equal(data[:4], indexMagic[:]) {
		if v := binary.BigEndian.Uint32(data[4:8]); v != indexV2Version {
			return nil, corruptf("unsupported pack index version %d", v)
		}
		return readIndexV2(data)
	}
	return readIndexV1(data)
}

func verifyIndexTrailer(data []byte) (gitid.ID, gitid.ID, error) {
	if len(data) < 2*gitid.Size {
		return gitid.ID{}, gitid.ID{}, corruptf("pack index too short: %d bytes", len(data))
	}
	stored := data[len(data)-gitid.Size:]
	sum := sha1.Sum(data[:len(data)-gitid.Size])
	if !bytes.Equal(stored, sum[:]) {
		return gitid.ID{}, gitid.ID{}, corruptf("pack index checksum mismatch")
	}
	var packSum, idxSum gitid.ID
	copy(packSum[:], data[len(data)-2*gitid.Size:len(data)-gitid.Size])
	copy(idxSum[:], stored)
	return packSum, idxSum, nil
}

func readIndexV2(data []byte) (*Index, error) {
	packSum, idxSum, err := verifyIndexTrailer(data)
	if err != nil {
		return nil, err
	}

	minLen := indexHeaderSize + indexFanoutSize + 2*gitid.Size
	if len(data) < minLen {
		return nil, corruptf("pack index too short: %d bytes", len(data))
	}

	var fanout [256]uint32
	cursor := indexHeaderSize
	for i := 0; i < 256; i++ {
		fanout[i] = binary.BigEndian.Uint32(data[cursor:])
		if i > 0 && fanout[i] < fanout[i-1] {
			return nil, corruptf("pack index fanout not monotonic at bucket %d", i)
		}
		cursor += 4
	}
	n := int(fanout[255])

	namesLen := n * gitid.Size
	crcLen := n * 4
	offsetLen := n * 4
	if cursor+namesLen+crcLen+offsetLen+2*gitid.Size > len(data) {
		return nil, corruptf("pack index truncated")
	}
	namesStart := cursor
	crcStart := namesStart + namesLen
	offsetStart := crcStart + crcLen
	cursor = offsetStart + offsetLen

	offset32 := make([]uint32, n)
	largeNeeded := uint32(0)
	for i := 0; i < n; i++ {
		v := binary.BigEndian.Uint32(data[offsetStart+i*4:])
		offset32[i] = v
		if v&indexLargeOffsetBit != 0 {
			if ref := v &^ indexLargeOffsetBit; ref+1 > largeNeeded {
				largeNeeded = ref + 1
			}
		}
	}

	large := make([]uint64, largeNeeded)
	for i := uint32(0); i < largeNeeded; i++ {
		if cursor+8 > len(data)-2*gitid.Size {
			return nil, corruptf("pack index large-offset table truncated")
		}
		large[i] = binary.BigEndian.Uint64(data[cursor:])
		cursor += 8
	}
	if cursor+2*gitid.Size != len(data) {
		return nil, corruptf("pack index trailing data: %d bytes", len(data)-cursor-2*gitid.Size)
	}

	entries := make([]IndexEntry, n)
	for i := 0; i < n; i++ {
		copy(entries[i].ID[:], data[namesStart+i*gitid.Size:])
		entries[i].CRC32 = binary.BigEndian.Uint32(data[crcStart+i*4:])
		off := uint64(offset32[i])
		if offset32[i]&indexLargeOffsetBit != 0 {
			off = large[offset32[i]&^indexLargeOffsetBit]
		}
		entries[i].Offset = off
		if i > 0 && entries[i-1].ID.Compare(entries[i].ID) >= 0 {
			return nil, corruptf("pack index ids out of order at %d", i)
		}
	}

	return &Index{
		fanout:        fanout,
		entries:       entries,
		PackChecksum:  packSum,
		IndexChecksum: idxSum,
		Version:       indexV2Version,
	}, nil
}

func readIndexV1(data []byte) (*Index, error) {
	packSum, idxSum, err := verifyIndexTrailer(data)
	if err != nil {
		return nil, err
	}
	if len(data) < indexFanoutSize+2*gitid.Size {
		return nil, corruptf("pack index too short: %d bytes", len(data))
	}

	var fanout [256]uint32
	for i := 0; i < 256; i++ {
		fanout[i] = binary.BigEndian.Uint32(data[i*4:])
		if i > 0 && fanout[i] < fanout[i-1] {
			return nil, corruptf("pack index fanout not monotonic at bucket %d", i)
		}
	}
	n := int(fanout[255])

	recordLen := 4 + gitid.Size
	if indexFanoutSize+n*recordLen+2*gitid.Size != len(data) {
		return nil, corruptf("pack index v1 size mismatch")
	}

	entries := make([]IndexEntry, n)
	for i := 0; i < n; i++ {
		rec := data[indexFanoutSize+i*recordLen:]
		entries[i].Offset = uint64(binary.BigEndian.Uint32(rec))
		copy(entries[i].ID[:], rec[4:])
		if i > 0 && entries[i-1].ID.Compare(entries[i].ID) >= 0 {
			return nil, corruptf("pack index ids out of order at %d", i)
		}
	}

	return &Index{
		fanout:        fanout,
		entries:       entries,
		PackChecksum:  packSum,
		IndexChecksum: idxSum,
		Version:       1,
	}, nil
}
