package pack

import (
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/odvcencio/grit/pkg/gitid"
)

// WriteCached emits one pack by concatenating the entry payloads of
// pre-existing packs whole, with a fresh header and a recomputed
// trailer. No delta search runs: entries are copied byte for byte.
// Ofs-delta distances survive the copy because every entry of a source
// pack shifts by the same amount.
//
// The packs must be disjoint; a duplicate id across two of them is an
// error, since the combined index could not keep its strict order.
func WriteCached(w io.Writer, packs []*File) (*Result, error) {
	if len(packs) == 0 {
		return nil, fmt.Errorf("cached pack write: no packs")
	}

	total := 0
	for _, p := range packs {
		total += p.idx.NumObjects()
	}
	if total > int(^uint32(0)) {
		return nil, fmt.Errorf("cached pack write: too many objects: %d", total)
	}

	out := &countingHashWriter{w: w, h: sha1.New()}
	hdr := Header{Version: supportedVersion, NumObjects: uint32(total)}
	if err := out.write(hdr.Marshal()); err != nil {
		return nil, fmt.Errorf("cached pack write: %w", err)
	}

	seen := make(map[gitid.ID]bool, total)
	result := &Result{Entries: make([]IndexEntry, 0, total)}
	for _, p := range packs {
		base := out.count
		body := p.data[headerSize : len(p.data)-trailerSize]
		if err := out.write(body); err != nil {
			return nil, fmt.Errorf("cached pack write: %w", err)
		}
		for _, e := range p.idx.Entries() {
			if seen[e.ID] {
				return nil, fmt.Errorf("cached pack write: duplicate object %s", e.ID)
			}
			seen[e.ID] = true
			result.Entries = append(result.Entries, IndexEntry{
				ID:     e.ID,
				Offset: e.Offset - headerSize + base,
				CRC32:  e.CRC32,
			})
		}
	}

	sum := out.h.Sum(nil)
	if _, err := w.Write(sum); err != nil {
		return nil, fmt.Errorf("cached pack write trailer: %w", err)
	}
	copy(result.Checksum[:], sum)
	return result, nil
}
