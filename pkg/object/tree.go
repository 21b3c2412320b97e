package object

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/odvcencio/grit/pkg/gitid"
)

// Tree holds a sorted list of tree entries.
type Tree struct {
	Entries []TreeEntry // sorted per entrySortsBefore
}

// entrySortKey is the name an entry sorts under: directory entries compare
// as if they had a trailing slash.
func entrySortKey(e TreeEntry) string {
	if e.Mode.IsDir() {
		return e.Name + "/"
	}
	return e.Name
}

// entrySortsBefore reports whether a must precede b in a canonical tree.
func entrySortsBefore(a, b TreeEntry) bool {
	return entrySortKey(a) < entrySortKey(b)
}

// SortEntries sorts entries into the canonical tree order.
func (t *Tree) SortEntries() {
	sort.Slice(t.Entries, func(i, j int) bool {
		return entrySortsBefore(t.Entries[i], t.Entries[j])
	})
}

// Lookup returns the entry with the given name, if present.
func (t *Tree) Lookup(name string) (TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// MarshalTree serializes a Tree to the canonical binary format. Each entry
// is "<mode> <name>\x00<20 raw id bytes>". Entries must already satisfy the
// canonical order; out-of-order or duplicate names are an error so that a
// hashed tree is always replayable bit for bit.
func MarshalTree(t *Tree) ([]byte, error) {
	var buf bytes.Buffer
	seen := make(map[string]bool, len(t.Entries))
	for i, e := range t.Entries {
		if e.Name == "" || strings.ContainsAny(e.Name, "/\x00") {
			return nil, fmt.Errorf("marshal tree: invalid entry name %q", e.Name)
		}
		if i > 0 && !entrySortsBefore(t.Entries[i-1], e) {
			return nil, fmt.Errorf("marshal tree: entry %q out of order after %q", e.Name, t.Entries[i-1].Name)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("marshal tree: duplicate entry name %q", e.Name)
		}
		seen[e.Name] = true
		buf.WriteString(e.Mode.String())
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.ID[:])
	}
	return buf.Bytes(), nil
}

// UnmarshalTree parses a Tree from its canonical binary form.
func UnmarshalTree(data []byte) (*Tree, error) {
	t := &Tree{}
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("unmarshal tree: truncated mode")
		}
		mode, err := parseMode(string(data[:sp]))
		if err != nil {
			return nil, fmt.Errorf("unmarshal tree: %w", err)
		}
		data = data[sp+1:]

		nul := bytes.IndexByte(data, 0)
		if nul < 0 {
			return nil, fmt.Errorf("unmarshal tree: truncated name")
		}
		name := string(data[:nul])
		if name == "" {
			return nil, fmt.Errorf("unmarshal tree: empty entry name")
		}
		data = data[nul+1:]

		if len(data) < gitid.Size {
			return nil, fmt.Errorf("unmarshal tree: truncated id for %q", name)
		}
		var id gitid.ID
		copy(id[:], data[:gitid.Size])
		data = data[gitid.Size:]

		entry := TreeEntry{Mode: mode, Name: name, ID: id}
		if n := len(t.Entries); n > 0 && !entrySortsBefore(t.Entries[n-1], entry) {
			return nil, fmt.Errorf("unmarshal tree: entry %q out of order", name)
		}
		t.Entries = append(t.Entries, entry)
	}
	return t, nil
}
