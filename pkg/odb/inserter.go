package odb

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zlib"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/pack"
)

// Inserter writes new objects into a Database. One inserter serves one
// logical session; Flush publishes whatever it added.
type Inserter struct {
	db *Database
}

// NewInserter returns a write session for the database.
func (db *Database) NewInserter() *Inserter {
	return &Inserter{db: db}
}

// Insert stores a loose object and returns its id. Storing an object
// that already exists is a no-op. Two concurrent writers of the same id
// are safe: the loser of the final rename discards its temp file.
func (ins *Inserter) Insert(t object.Type, payload []byte) (gitid.ID, error) {
	id := object.Hash(t, payload)
	if ins.db.HasObject(id) {
		return id, nil
	}

	hexID := id.String()
	dir := filepath.Join(ins.db.root, hexID[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return gitid.ID{}, fmt.Errorf("object write mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-obj-*")
	if err != nil {
		return gitid.ID{}, fmt.Errorf("object write tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	keepTmp := false
	defer func() {
		if !keepTmp {
			os.Remove(tmpName)
		}
	}()

	// Deflate and hash in one pass over the envelope.
	digest := sha1.New()
	zw := zlib.NewWriter(tmp)
	envelope := object.MakeEnvelope(t, payload)
	digest.Write(envelope)
	if _, err := zw.Write(envelope); err != nil {
		zw.Close()
		tmp.Close()
		return gitid.ID{}, fmt.Errorf("object write: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return gitid.ID{}, fmt.Errorf("object write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return gitid.ID{}, fmt.Errorf("object write sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return gitid.ID{}, fmt.Errorf("object write close: %w", err)
	}

	computed, err := gitid.FromRaw(digest.Sum(nil))
	if err != nil {
		return gitid.ID{}, err
	}
	if computed != id {
		return gitid.ID{}, fmt.Errorf("object write %s: digest disagrees", id)
	}

	dest := ins.db.loosePath(id)
	if _, err := os.Stat(dest); err == nil {
		// A concurrent writer got there first.
		return id, nil
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return gitid.ID{}, fmt.Errorf("object write rename: %w", err)
	}
	keepTmp = true
	return id, nil
}

// InsertPack indexes a pack stream and publishes it: the completed pack
// is written under a temporary name, then the index appears, then the
// pack is renamed into place. A thin stream is completed with bases from
// the database itself.
func (ins *Inserter) InsertPack(r io.Reader) (gitid.ID, error) {
	ix := &pack.Indexer{Local: ins.db}
	ip, err := ix.IndexStream(r)
	if err != nil {
		return gitid.ID{}, err
	}
	if err := ins.writePackPair(ip); err != nil {
		return gitid.ID{}, err
	}
	ins.db.Reload()
	return ip.Checksum, nil
}

func (ins *Inserter) writePackPair(ip *pack.IndexedPack) error {
	packDir := filepath.Join(ins.db.root, "pack")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		return fmt.Errorf("insert pack: mkdir: %w", err)
	}
	base := "pack-" + ip.Checksum.String()
	packPath := filepath.Join(packDir, base+".pack")
	idxPath := filepath.Join(packDir, base+".idx")

	packTmp := packPath + ".tmp"
	if err := writeFileSync(packTmp, ip.Data); err != nil {
		return fmt.Errorf("insert pack: %w", err)
	}
	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(packTmp)
		}
	}()

	idxTmp := idxPath + ".tmp"
	f, err := os.Create(idxTmp)
	if err != nil {
		return fmt.Errorf("insert pack index: %w", err)
	}
	if _, err := ip.Index.WriteV2(f); err != nil {
		f.Close()
		os.Remove(idxTmp)
		return fmt.Errorf("insert pack index: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(idxTmp)
		return fmt.Errorf("insert pack index sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(idxTmp)
		return fmt.Errorf("insert pack index close: %w", err)
	}

	if err := os.Rename(idxTmp, idxPath); err != nil {
		os.Remove(idxTmp)
		return fmt.Errorf("insert pack index rename: %w", err)
	}
	if err := os.Rename(packTmp, packPath); err != nil {
		os.Remove(idxPath)
		return fmt.Errorf("insert pack rename: %w", err)
	}
	removeTmp = false
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// Flush publishes any state the inserter buffered. Loose and pack writes
// land immediately, so this only refreshes the pack snapshot.
func (ins *Inserter) Flush() error {
	ins.db.Reload()
	return nil
}
