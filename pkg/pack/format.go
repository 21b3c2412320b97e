// Package pack reads and writes pack files and their indexes: the
// self-contained, optionally delta-compressed archives Git stores objects
// in and streams over the wire.
package pack

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/odvcencio/grit/pkg/object"
)

const (
	headerSize       = 12
	supportedVersion = 2
	trailerSize      = 20 // SHA-1 over all preceding bytes
)

var magic = [4]byte{'P', 'A', 'C', 'K'}

// ErrCorrupt reports pack or index data violating the on-disk format.
var ErrCorrupt = errors.New("corrupt pack")

// ErrNotFound reports an object id absent from a pack index.
var ErrNotFound = errors.New("object not found in pack")

// ErrDeltaCycle reports a delta base chain that loops back on itself.
var ErrDeltaCycle = errors.New("delta base cycle")

// ErrDeltaDepth reports a delta chain longer than the configured bound.
var ErrDeltaDepth = errors.New("delta chain too deep")

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// EntryType is the object type encoding used in pack entry headers.
type EntryType uint8

const (
	EntryCommit   EntryType = 1
	EntryTree     EntryType = 2
	EntryBlob     EntryType = 3
	EntryTag      EntryType = 4
	EntryOfsDelta EntryType = 6
	EntryRefDelta EntryType = 7
)

// IsDelta reports whether the entry stores a delta rather than a whole
// object.
func (t EntryType) IsDelta() bool {
	return t == EntryOfsDelta || t == EntryRefDelta
}

// ObjectType maps a non-delta entry type to the object model type.
func (t EntryType) ObjectType() (object.Type, bool) {
	switch t {
	case EntryCommit:
		return object.TypeCommit, true
	case EntryTree:
		return object.TypeTree, true
	case EntryBlob:
		return object.TypeBlob, true
	case EntryTag:
		return object.TypeTag, true
	default:
		return "", false
	}
}

// TypeEntry maps an object model type to its pack entry encoding.
func TypeEntry(t object.Type) (EntryType, bool) {
	switch t {
	case object.TypeCommit:
		return EntryCommit, true
	case object.TypeTree:
		return EntryTree, true
	case object.TypeBlob:
		return EntryBlob, true
	case object.TypeTag:
		return EntryTag, true
	default:
		return 0, false
	}
}

func (t EntryType) String() string {
	switch t {
	case EntryCommit:
		return "commit"
	case EntryTree:
		return "tree"
	case EntryBlob:
		return "blob"
	case EntryTag:
		return "tag"
	case EntryOfsDelta:
		return "ofs-delta"
	case EntryRefDelta:
		return "ref-delta"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Header is the fixed-size pack header.
//
// Bytes:
//   - 0..3:  "PACK"
//   - 4..7:  version (big-endian)
//   - 8..11: number of objects (big-endian)
type Header struct {
	Version    uint32
	NumObjects uint32
}

// Marshal serializes the header to the canonical 12-byte form.
func (h Header) Marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf[:4], magic[:])
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], h.NumObjects)
	return buf
}

// UnmarshalHeader parses a pack header. Versions 2 and 3 share the same
// layout; everything else is rejected.
func UnmarshalHeader(data []byte) (*Header, error) {
	if len(data) < headerSize {
		return nil, corruptf("pack header too short: got %d bytes", len(data))
	}
	if string(data[:4]) != string(magic[:]) {
		return nil, corruptf("invalid pack magic %q", data[:4])
	}

	version := binary.BigEndian.Uint32(data[4:8])
	if version != 2 && version != 3 {
		return nil, corruptf("unsupported pack version %d", version)
	}

	return &Header{
		Version:    version,
		NumObjects: binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// encodeEntryHeader encodes the variable-length (type, size) prefix of a
// pack entry.
func encodeEntryHeader(t EntryType, size uint64) []byte {
	b := byte(t&0x7) << 4
	b |= byte(size & 0x0f)
	size >>= 4

	out := make([]byte, 0, 10)
	if size > 0 {
		b |= 0x80
	}
	out = append(out, b)

	for size > 0 {
		next := byte(size & 0x7f)
		size >>= 7
		if size > 0 {
			next |= 0x80
		}
		out = append(out, next)
	}
	return out
}

// decodeEntryHeader decodes a (type, size) prefix, returning bytes
// consumed.
func decodeEntryHeader(data []byte) (EntryType, uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, 0, corruptf("entry header truncated")
	}

	b := data[0]
	t := EntryType((b >> 4) & 0x7)
	size := uint64(b & 0x0f)
	shift := uint(4)
	consumed := 1

	for b&0x80 != 0 {
		if consumed >= len(data) {
			return 0, 0, 0, corruptf("entry header truncated")
		}
		b = data[consumed]
		size |= uint64(b&0x7f) << shift
		shift += 7
		consumed++
	}
	return t, size, consumed, nil
}

// encodeOfsDistance encodes the backward distance of an OFS_DELTA entry.
func encodeOfsDistance(distance uint64) []byte {
	if distance == 0 {
		return []byte{0}
	}
	b := []byte{byte(distance & 0x7f)}
	for distance >>= 7; distance > 0; distance >>= 7 {
		distance--
		b = append([]byte{byte((distance & 0x7f) | 0x80)}, b...)
	}
	return b
}

// decodeOfsDistance decodes a backward distance, returning bytes consumed.
func decodeOfsDistance(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, corruptf("ofs-delta distance truncated")
	}
	i := 0
	c := data[i]
	i++
	offset := uint64(c & 0x7f)
	for c&0x80 != 0 {
		if i >= len(data) {
			return 0, 0, corruptf("ofs-delta distance truncated")
		}
		c = data[i]
		i++
		offset = ((offset + 1) << 7) | uint64(c&0x7f)
	}
	return offset, i, nil
}
