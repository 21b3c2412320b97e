package object

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/odvcencio/grit/pkg/gitid"
)

// MakeEnvelope prepends the canonical "<type> <len>\x00" header to a
// payload. The SHA-1 of the envelope is the object id.
func MakeEnvelope(t Type, payload []byte) []byte {
	header := fmt.Sprintf("%s %d\x00", t, len(payload))
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	out = append(out, payload...)
	return out
}

// ParseEnvelope splits "<type> <len>\x00<payload>" and validates the
// declared length against the actual payload.
func ParseEnvelope(raw []byte) (Type, []byte, error) {
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return "", nil, fmt.Errorf("object envelope: missing NUL")
	}
	header := string(raw[:nul])
	payload := raw[nul+1:]

	typeName, sizeText, ok := strings.Cut(header, " ")
	if !ok {
		return "", nil, fmt.Errorf("object envelope: invalid header %q", header)
	}
	typ := Type(typeName)
	if !typ.IsValid() {
		return "", nil, fmt.Errorf("object envelope: unknown type %q", typeName)
	}
	length, err := strconv.Atoi(sizeText)
	if err != nil {
		return "", nil, fmt.Errorf("object envelope: invalid length %q: %w", sizeText, err)
	}
	if len(payload) != length {
		return "", nil, fmt.Errorf("object envelope: length mismatch (header=%d, actual=%d)", length, len(payload))
	}
	return typ, payload, nil
}

// ReferencedIDs returns the ids an object of the given type points at.
// Used for reachability closure.
func ReferencedIDs(t Type, payload []byte) ([]ReferencedID, error) {
	switch t {
	case TypeBlob:
		return nil, nil
	case TypeTag:
		tag, err := UnmarshalTag(payload)
		if err != nil {
			return nil, err
		}
		return []ReferencedID{{ID: tag.Object, Type: tag.TypeName}}, nil
	case TypeCommit:
		c, err := UnmarshalCommit(payload)
		if err != nil {
			return nil, err
		}
		refs := make([]ReferencedID, 0, 1+len(c.Parents))
		refs = append(refs, ReferencedID{ID: c.Tree, Type: TypeTree})
		for _, p := range c.Parents {
			refs = append(refs, ReferencedID{ID: p, Type: TypeCommit})
		}
		return refs, nil
	case TypeTree:
		tree, err := UnmarshalTree(payload)
		if err != nil {
			return nil, err
		}
		refs := make([]ReferencedID, 0, len(tree.Entries))
		for _, e := range tree.Entries {
			if e.Mode == ModeGitlink {
				// Submodule commits live in another repository.
				continue
			}
			childType := TypeBlob
			if e.Mode.IsDir() {
				childType = TypeTree
			}
			refs = append(refs, ReferencedID{ID: e.ID, Type: childType})
		}
		return refs, nil
	default:
		return nil, fmt.Errorf("unsupported object type %q", t)
	}
}

// ReferencedID pairs a referenced id with the type the reference implies.
type ReferencedID struct {
	ID   gitid.ID
	Type Type
}
