package pack

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"sort"

	"github.com/klauspost/compress/zlib"

	"github.com/odvcencio/grit/pkg/delta"
	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
)

// WriterOptions tunes pack generation.
type WriterOptions struct {
	// Window is the number of recent objects a candidate is compared
	// against during delta search. Zero means the default of 10.
	Window int
	// MaxDepth caps delta chain length. Zero means MaxDeltaDepth.
	MaxDepth int
	// Ratio rejects deltas not smaller than payload*Ratio. Zero means 0.90.
	Ratio float64
	// Thin permits ref-delta entries whose bases are not in the pack,
	// provided the receiver is known to have them.
	Thin bool
	// CompressionLevel is passed to zlib. Zero means default compression.
	CompressionLevel int
	// Progress, when non-nil, is invoked once per object written.
	Progress func(done, total int)
}

func (o WriterOptions) window() int {
	if o.Window <= 0 {
		return 10
	}
	return o.Window
}

func (o WriterOptions) maxDepth() int {
	if o.MaxDepth <= 0 {
		return MaxDeltaDepth
	}
	return o.MaxDepth
}

func (o WriterOptions) ratio() float64 {
	if o.Ratio <= 0 {
		return 0.90
	}
	return o.Ratio
}

// ObjectEntry is one object queued for packing.
type ObjectEntry struct {
	ID      gitid.ID
	Type    object.Type
	Payload []byte
	// PathHint orders trees and blobs so versions of the same path land
	// adjacent in the delta search window.
	PathHint string
}

// ThinBase is an object the receiver already has, offered to the delta
// search as an out-of-pack base.
type ThinBase struct {
	ID      gitid.ID
	Type    object.Type
	Payload []byte
}

// Result reports what a Writer produced, with everything needed to write
// the accompanying index.
type Result struct {
	Checksum gitid.ID
	Entries  []IndexEntry
}

// Writer emits one pack stream. A Writer is single-use.
type Writer struct {
	opts WriterOptions
	used bool
}

// NewWriter returns a pack writer with the given options.
func NewWriter(opts WriterOptions) *Writer {
	return &Writer{opts: opts}
}

// windowCandidate is a previously written (or thin-base) object that new
// objects may delta against.
type windowCandidate struct {
	id      gitid.ID
	objType object.Type
	payload []byte
	index   *delta.Index // built lazily
	offset  uint64       // valid when inPack
	inPack  bool
	depth   int
}

func (c *windowCandidate) deltaIndex() *delta.Index {
	if c.index == nil {
		c.index = delta.NewIndex(c.payload)
	}
	return c.index
}

// Write deltifies and writes objects to w, returning the trailer checksum
// and the entry table for index generation. Objects are emitted grouped
// commits first, then tags, then trees and blobs in path order.
func (pw *Writer) Write(w io.Writer, objects []ObjectEntry, thinBases []ThinBase) (*Result, error) {
	if pw.used {
		return nil, fmt.Errorf("pack writer already used")
	}
	pw.used = true
	if !pw.opts.Thin && len(thinBases) > 0 {
		return nil, fmt.Errorf("thin bases supplied to a non-thin pack")
	}

	ordered := orderForPacking(objects)

	out := &countingHashWriter{w: w, h: sha1.New()}
	hdr := Header{Version: supportedVersion, NumObjects: uint32(len(ordered))}
	if err := out.write(hdr.Marshal()); err != nil {
		return nil, fmt.Errorf("write pack header: %w", err)
	}

	var window []*windowCandidate
	for _, tb := range thinBases {
		window = append(window, &windowCandidate{
			id:      tb.ID,
			objType: tb.Type,
			payload: tb.Payload,
		})
	}

	result := &Result{Entries: make([]IndexEntry, 0, len(ordered))}
	maxWindow := pw.opts.window() + len(thinBases)
	for i, obj := range ordered {
		offset := out.count
		base, deltaBuf := pw.searchDelta(window, obj)

		crc := crc32.NewIEEE()
		mw := io.MultiWriter(out, crc)

		var depth int
		var err error
		switch {
		case base == nil:
			err = pw.writeWhole(mw, obj)
		case base.inPack:
			depth = base.depth + 1
			err = pw.writeOfsDelta(mw, offset, base.offset, deltaBuf)
		default:
			depth = 1
			err = pw.writeRefDelta(mw, base.id, deltaBuf)
		}
		if err != nil {
			return nil, fmt.Errorf("write pack entry %s: %w", obj.ID, err)
		}

		result.Entries = append(result.Entries, IndexEntry{
			ID:     obj.ID,
			Offset: offset,
			CRC32:  crc.Sum32(),
		})

		window = append(window, &windowCandidate{
			id:      obj.ID,
			objType: obj.Type,
			payload: obj.Payload,
			offset:  offset,
			inPack:  true,
			depth:   depth,
		})
		if len(window) > maxWindow {
			window = window[1:]
		}

		if pw.opts.Progress != nil {
			pw.opts.Progress(i+1, len(ordered))
		}
	}

	sum := out.h.Sum(nil)
	if _, err := w.Write(sum); err != nil {
		return nil, fmt.Errorf("write pack trailer: %w", err)
	}
	copy(result.Checksum[:], sum)
	return result, nil
}

// searchDelta compares obj against the window and returns the best base
// and encoded delta, or nil when storing whole is better.
func (pw *Writer) searchDelta(window []*windowCandidate, obj ObjectEntry) (*windowCandidate, []byte) {
	if len(obj.Payload) < 32 {
		return nil, nil
	}
	// Encode keeps a delta of exactly limit bytes, so an integral bound
	// is lowered by one to reject deltas equal to payload*ratio.
	bound := float64(len(obj.Payload)) * pw.opts.ratio()
	limit := int(bound)
	if float64(limit) == bound {
		limit--
	}
	if limit < 16 {
		// No useful delta fits under the limit.
		return nil, nil
	}

	var bestBase *windowCandidate
	var bestDelta []byte
	for i := len(window) - 1; i >= 0; i-- {
		cand := window[i]
		if cand.objType != obj.Type || cand.id == obj.ID {
			continue
		}
		if cand.inPack && cand.depth+1 > pw.opts.maxDepth() {
			continue
		}
		var buf bytes.Buffer
		ok, err := cand.deltaIndex().Encode(&buf, obj.Payload, limit)
		if err != nil || !ok {
			continue
		}
		if bestDelta == nil || buf.Len() < len(bestDelta) {
			bestBase = cand
			bestDelta = append([]byte(nil), buf.Bytes()...)
			limit = len(bestDelta)
		}
	}
	return bestBase, bestDelta
}

func (pw *Writer) writeWhole(w io.Writer, obj ObjectEntry) error {
	t, ok := TypeEntry(obj.Type)
	if !ok {
		return fmt.Errorf("unsupported object type %q", obj.Type)
	}
	if _, err := w.Write(encodeEntryHeader(t, uint64(len(obj.Payload)))); err != nil {
		return err
	}
	return pw.deflate(w, obj.Payload)
}

func (pw *Writer) writeOfsDelta(w io.Writer, offset, baseOffset uint64, deltaBuf []byte) error {
	if _, err := w.Write(encodeEntryHeader(EntryOfsDelta, uint64(len(deltaBuf)))); err != nil {
		return err
	}
	if _, err := w.Write(encodeOfsDistance(offset - baseOffset)); err != nil {
		return err
	}
	return pw.deflate(w, deltaBuf)
}

func (pw *Writer) writeRefDelta(w io.Writer, baseID gitid.ID, deltaBuf []byte) error {
	if _, err := w.Write(encodeEntryHeader(EntryRefDelta, uint64(len(deltaBuf)))); err != nil {
		return err
	}
	if _, err := w.Write(baseID[:]); err != nil {
		return err
	}
	return pw.deflate(w, deltaBuf)
}

func (pw *Writer) deflate(w io.Writer, raw []byte) error {
	level := pw.opts.CompressionLevel
	if level == 0 {
		level = zlib.DefaultCompression
	}
	zw, err := zlib.NewWriterLevel(w, level)
	if err != nil {
		return err
	}
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// orderForPacking groups commits, then tags, then trees and blobs sorted
// by path hint and descending size so related versions are adjacent.
func orderForPacking(objects []ObjectEntry) []ObjectEntry {
	group := func(t object.Type) int {
		switch t {
		case object.TypeCommit:
			return 0
		case object.TypeTag:
			return 1
		case object.TypeTree:
			return 2
		default:
			return 3
		}
	}
	out := make([]ObjectEntry, len(objects))
	copy(out, objects)
	sort.SliceStable(out, func(i, j int) bool {
		gi, gj := group(out[i].Type), group(out[j].Type)
		if gi != gj {
			return gi < gj
		}
		if gi >= 2 {
			if out[i].PathHint != out[j].PathHint {
				return out[i].PathHint < out[j].PathHint
			}
			return len(out[i].Payload) > len(out[j].Payload)
		}
		return false
	})
	return out
}

// countingHashWriter forwards bytes while tracking total length and the
// running trailer hash.
type countingHashWriter struct {
	w     io.Writer
	h     hash.Hash
	count uint64
}

func (c *countingHashWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.h.Write(p[:n])
	c.count += uint64(n)
	return n, err
}

func (c *countingHashWriter) write(p []byte) error {
	_, err := c.Write(p)
	return err
}
