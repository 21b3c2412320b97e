// Package bundle reads and writes bundle files: a ref prelude plus a
// pack, giving fetch a transport that fits in a single file.
package bundle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/odb"
	"github.com/odvcencio/grit/pkg/pack"
	"github.com/odvcencio/grit/pkg/refs"
	"github.com/odvcencio/grit/pkg/revwalk"
)

const (
	headerV2 = "# v2 git bundle"
	headerV3 = "# v3 git bundle"
)

// ErrCorrupt reports a malformed bundle prelude.
var ErrCorrupt = errors.New("corrupt bundle")

// ErrPrerequisite reports a bundle whose prerequisites are not present
// in the target repository.
var ErrPrerequisite = errors.New("bundle prerequisites not satisfied")

// Writer assembles a bundle: refs to include, commits the reader is
// assumed to already have.
type Writer struct {
	reader  revwalk.ObjectReader
	version int

	include map[string]gitid.ID
	assume  []gitid.ID
}

// NewWriter returns a bundle writer over the given object source.
func NewWriter(reader revwalk.ObjectReader) *Writer {
	return &Writer{
		reader:  reader,
		version: 2,
		include: make(map[string]gitid.ID),
	}
}

// Include adds one ref to the bundle. Duplicate names are an error.
func (w *Writer) Include(name string, id gitid.ID) error {
	if !refs.ValidName(name) {
		return fmt.Errorf("bundle ref %q: invalid name", name)
	}
	if _, dup := w.include[name]; dup {
		return fmt.Errorf("bundle ref %q: duplicate", name)
	}
	w.include[name] = id
	return nil
}

// Assume records a commit the reader of the bundle is expected to have;
// it becomes a prerequisite and its objects are omitted.
func (w *Writer) Assume(id gitid.ID) {
	w.assume = append(w.assume, id)
}

// WriteTo emits the bundle: header, prerequisite lines, ref lines, blank
// line, pack.
func (w *Writer) WriteTo(out io.Writer) error {
	if len(w.include) == 0 {
		return fmt.Errorf("bundle: no refs included")
	}

	var buf strings.Builder
	buf.WriteString(headerV2 + "\n")
	for _, id := range w.assume {
		buf.WriteString("-" + id.String() + "\n")
	}
	names := make([]string, 0, len(w.include))
	for name := range w.include {
		names = append(names, name)
	}
	sort.Strings(names)
	var wants []gitid.ID
	for _, name := range names {
		id := w.include[name]
		buf.WriteString(id.String() + " " + name + "\n")
		wants = append(wants, id)
	}
	buf.WriteString("\n")
	if _, err := io.WriteString(out, buf.String()); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}

	items, err := revwalk.Closure(w.reader, wants, w.assume)
	if err != nil {
		return err
	}
	entries := make([]pack.ObjectEntry, 0, len(items))
	for _, item := range items {
		t, payload, err := w.reader.Object(item.ID)
		if err != nil {
			return err
		}
		entries = append(entries, pack.ObjectEntry{
			ID:       item.ID,
			Type:     t,
			Payload:  payload,
			PathHint: item.Path,
		})
	}
	_, err = pack.NewWriter(pack.WriterOptions{}).Write(out, entries, nil)
	return err
}

// Ref is one ref carried by a bundle.
type Ref struct {
	Name string
	ID   gitid.ID
}

// Bundle is a parsed bundle prelude with the pack still unread.
type Bundle struct {
	Version       int
	Prerequisites []gitid.ID
	Refs          []Ref

	pack *bufio.Reader
}

// Read parses the prelude, leaving the stream positioned at the pack.
func Read(r io.Reader) (*Bundle, error) {
	br := bufio.NewReader(r)
	header, err := readLine(br)
	if err != nil {
		return nil, err
	}

	b := &Bundle{pack: br}
	switch header {
	case headerV2:
		b.Version = 2
	case headerV3:
		b.Version = 3
		// v3 capability lines precede the refs.
		for {
			peek, err := br.Peek(1)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			if peek[0] != '@' {
				break
			}
			capLine, err := readLine(br)
			if err != nil {
				return nil, err
			}
			if capLine == "@object-format=sha256" {
				return nil, fmt.Errorf("%w: unsupported object format", ErrCorrupt)
			}
		}
	default:
		return nil, fmt.Errorf("%w: bad header %q", ErrCorrupt, header)
	}

	seen := make(map[string]bool)
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		if rest, ok := strings.CutPrefix(line, "-"); ok {
			// Optional comment after the id.
			idHex, _, _ := strings.Cut(rest, " ")
			id, err := gitid.Parse(idHex)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			b.Prerequisites = append(b.Prerequisites, id)
			continue
		}
		idHex, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("%w: malformed ref line %q", ErrCorrupt, line)
		}
		id, err := gitid.Parse(idHex)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if !refs.ValidName(name) {
			return nil, fmt.Errorf("%w: invalid ref name %q", ErrCorrupt, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate ref %q", ErrCorrupt, name)
		}
		seen[name] = true
		b.Refs = append(b.Refs, Ref{Name: name, ID: id})
	}
	return b, nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// Verify checks that every prerequisite exists in the database.
func (b *Bundle) Verify(db *odb.Database) error {
	for _, id := range b.Prerequisites {
		if !db.HasObject(id) {
			return fmt.Errorf("%w: missing %s", ErrPrerequisite, id)
		}
	}
	return nil
}

// Unbundle verifies prerequisites and indexes the pack into the
// database, returning the refs the bundle carries.
func (b *Bundle) Unbundle(db *odb.Database) ([]Ref, error) {
	if err := b.Verify(db); err != nil {
		return nil, err
	}
	if _, err := db.NewInserter().InsertPack(b.pack); err != nil {
		return nil, err
	}
	return b.Refs, nil
}

// Create bundles the given refs from a database, assuming the commits in
// assume exist on the receiving side.
func Create(out io.Writer, db *odb.Database, include []Ref, assume []gitid.ID) error {
	w := NewWriter(db)
	for _, r := range include {
		if err := w.Include(r.Name, r.ID); err != nil {
			return err
		}
	}
	for _, id := range assume {
		// Only commits can be prerequisites.
		if t, _, err := db.Object(id); err == nil && t == object.TypeCommit {
			w.Assume(id)
		}
	}
	return w.WriteTo(out)
}
