package repo

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/odvcencio/grit/pkg/pack"
	"github.com/odvcencio/grit/pkg/revwalk"
)

// GCSummary reports the outcome of Repository.GC.
type GCSummary struct {
	PackedObjects int
	PrunedLoose   int
	PackChecksum  string
}

// GC repacks everything reachable from the refs into a single new pack,
// then deletes the loose copies that are now packed. Unreachable loose
// objects are left alone.
func (r *Repository) GC() (*GCSummary, error) {
	tips, err := r.Tips()
	if err != nil {
		return nil, err
	}
	if len(tips) == 0 {
		return &GCSummary{}, nil
	}

	items, err := revwalk.Closure(r.DB, tips, nil)
	if err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}
	if len(items) == 0 {
		return &GCSummary{}, nil
	}

	entries := make([]pack.ObjectEntry, 0, len(items))
	for _, item := range items {
		t, payload, err := r.DB.Object(item.ID)
		if err != nil {
			return nil, fmt.Errorf("gc: %w", err)
		}
		entries = append(entries, pack.ObjectEntry{
			ID:       item.ID,
			Type:     t,
			Payload:  payload,
			PathHint: item.Path,
		})
	}

	opts := pack.WriterOptions{
		Window:           r.Config.Pack.Window,
		MaxDepth:         r.Config.Pack.Depth,
		CompressionLevel: r.Config.Pack.CompressionLevel,
	}
	var buf bytes.Buffer
	if _, err := pack.NewWriter(opts).Write(&buf, entries, nil); err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}

	ins := r.DB.NewInserter()
	checksum, err := ins.InsertPack(&buf)
	if err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}

	summary := &GCSummary{
		PackedObjects: len(entries),
		PackChecksum:  checksum.String(),
	}

	loose, err := r.DB.ListLoose()
	if err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}
	packedNow := make(map[string]bool, len(entries))
	for _, e := range entries {
		packedNow[e.ID.String()] = true
	}
	for _, id := range loose {
		if !packedNow[id.String()] {
			continue
		}
		hexID := id.String()
		path := filepath.Join(r.DB.Root(), hexID[:2], hexID[2:])
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("gc: prune %s: %w", id, err)
		}
		summary.PrunedLoose++
	}
	return summary, nil
}
