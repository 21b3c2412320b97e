package object

import (
	"bytes"
	"fmt"

	"github.com/odvcencio/grit/pkg/gitid"
)

// Tag is an annotated tag object.
type Tag struct {
	Object   gitid.ID
	TypeName Type // type of the referenced object
	Name     string
	Tagger   Ident
	Message  string
}

// MarshalTag serializes a Tag:
//
//	object H
//	type T
//	tag N
//	tagger I
//
//	message
func MarshalTag(t *Tag) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Object)
	fmt.Fprintf(&buf, "type %s\n", t.TypeName)
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	fmt.Fprintf(&buf, "tagger %s\n", t.Tagger)
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes()
}

// UnmarshalTag parses a Tag from its serialized form.
func UnmarshalTag(data []byte) (*Tag, error) {
	header, message, err := splitHeader(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal tag: %w", err)
	}

	t := &Tag{Message: message}
	sawObject, sawType := false, false
	for _, h := range header {
		switch h.key {
		case "object":
			if err := t.Object.UnmarshalText([]byte(h.value)); err != nil {
				return nil, fmt.Errorf("unmarshal tag: %w", err)
			}
			sawObject = true
		case "type":
			typ := Type(h.value)
			if !typ.IsValid() {
				return nil, fmt.Errorf("unmarshal tag: invalid target type %q", h.value)
			}
			t.TypeName = typ
			sawType = true
		case "tag":
			t.Name = h.value
		case "tagger":
			id, err := ParseIdent(h.value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal tag: %w", err)
			}
			t.Tagger = id
		}
	}
	if !sawObject || !sawType {
		return nil, fmt.Errorf("unmarshal tag: missing object or type header")
	}
	return t, nil
}
