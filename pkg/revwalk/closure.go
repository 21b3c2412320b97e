package revwalk

import (
	"fmt"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
)

// Item is one object selected for packing: its id, type, and the path it
// was reached under, used to order delta candidates.
type Item struct {
	ID   gitid.ID
	Type object.Type
	Path string
}

// Closure enumerates every object reachable from wants but not from
// haves: the commits themselves plus their trees, blobs, and any
// annotated tags in wants. The result feeds pack writing and fetch
// negotiation accounting.
func Closure(reader ObjectReader, wants, haves []gitid.ID) ([]Item, error) {
	w := New(reader)

	// Tags among the wants are emitted as objects and peeled into the
	// walk.
	var items []Item
	inResult := make(map[gitid.ID]bool)
	add := func(id gitid.ID, t object.Type, path string) {
		if !inResult[id] {
			inResult[id] = true
			items = append(items, Item{ID: id, Type: t, Path: path})
		}
	}

	for _, id := range wants {
		t, payload, err := reader.Object(id)
		if err != nil {
			return nil, err
		}
		for t == object.TypeTag {
			tag, err := object.UnmarshalTag(payload)
			if err != nil {
				return nil, fmt.Errorf("closure %s: %w", id, err)
			}
			add(id, object.TypeTag, "")
			id = tag.Object
			t, payload, err = reader.Object(id)
			if err != nil {
				return nil, err
			}
		}
		if err := w.MarkStart(id); err != nil {
			return nil, err
		}
	}
	for _, id := range haves {
		if err := w.MarkUninteresting(id); err != nil {
			return nil, err
		}
	}
	w.Boundary = true

	var emitted []*Commit
	for {
		c, err := w.Next()
		if err != nil {
			return nil, err
		}
		if c == nil {
			break
		}
		emitted = append(emitted, c)
	}

	// Objects under boundary trees are already on the receiving side.
	uninterestingObjs := make(map[gitid.ID]bool)
	for _, b := range w.Boundaries() {
		if err := markTree(reader, b.Tree, uninterestingObjs); err != nil {
			if isNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	for _, c := range emitted {
		add(c.ID, object.TypeCommit, "")
	}
	for _, c := range emitted {
		if err := collectTree(reader, c.Tree, "", uninterestingObjs, inResult, &items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// markTree flags a tree and everything beneath it as already present.
func markTree(reader ObjectReader, treeID gitid.ID, seen map[gitid.ID]bool) error {
	if seen[treeID] {
		return nil
	}
	seen[treeID] = true
	payload, err := readTyped(reader, treeID, object.TypeTree)
	if err != nil {
		return err
	}
	tree, err := object.UnmarshalTree(payload)
	if err != nil {
		return err
	}
	for _, e := range tree.Entries {
		if e.Mode == object.ModeGitlink {
			continue
		}
		if e.Mode.IsDir() {
			if err := markTree(reader, e.ID, seen); err != nil {
				return err
			}
		} else {
			seen[e.ID] = true
		}
	}
	return nil
}

func collectTree(reader ObjectReader, treeID gitid.ID, path string, skip, inResult map[gitid.ID]bool, items *[]Item) error {
	if skip[treeID] || inResult[treeID] {
		return nil
	}
	inResult[treeID] = true
	*items = append(*items, Item{ID: treeID, Type: object.TypeTree, Path: path})

	payload, err := readTyped(reader, treeID, object.TypeTree)
	if err != nil {
		return err
	}
	tree, err := object.UnmarshalTree(payload)
	if err != nil {
		return err
	}
	for _, e := range tree.Entries {
		if e.Mode == object.ModeGitlink {
			continue
		}
		childPath := e.Name
		if path != "" {
			childPath = path + "/" + e.Name
		}
		if e.Mode.IsDir() {
			if err := collectTree(reader, e.ID, childPath, skip, inResult, items); err != nil {
				return err
			}
			continue
		}
		if skip[e.ID] || inResult[e.ID] {
			continue
		}
		inResult[e.ID] = true
		*items = append(*items, Item{ID: e.ID, Type: object.TypeBlob, Path: childPath})
	}
	return nil
}

func readTyped(reader ObjectReader, id gitid.ID, want object.Type) ([]byte, error) {
	t, payload, err := reader.Object(id)
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", id, t, want)
	}
	return payload, nil
}
