package object

import (
	"fmt"

	"github.com/odvcencio/grit/pkg/gitid"
)

// Type identifies the kind of object stored.
type Type string

const (
	TypeBlob   Type = "blob"
	TypeTree   Type = "tree"
	TypeCommit Type = "commit"
	TypeTag    Type = "tag"
)

// IsValid reports whether t names one of the four storable object kinds.
func (t Type) IsValid() bool {
	switch t {
	case TypeBlob, TypeTree, TypeCommit, TypeTag:
		return true
	}
	return false
}

// Mode is a tree entry file mode, stored in the canonical octal forms Git
// writes into tree objects.
type Mode uint32

const (
	ModeDir        Mode = 0o040000
	ModeFile       Mode = 0o100644
	ModeExecutable Mode = 0o100755
	ModeSymlink    Mode = 0o120000
	ModeGitlink    Mode = 0o160000
)

// IsDir reports whether the mode denotes a subtree.
func (m Mode) IsDir() bool {
	return m == ModeDir
}

// String formats the mode the way tree objects store it: octal with no
// leading zeros.
func (m Mode) String() string {
	return fmt.Sprintf("%o", uint32(m))
}

func parseMode(s string) (Mode, error) {
	if s == "" {
		return 0, fmt.Errorf("tree entry mode: empty")
	}
	var v uint32
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '7' {
			return 0, fmt.Errorf("tree entry mode %q: not octal", s)
		}
		v = v<<3 | uint32(c-'0')
	}
	switch m := Mode(v); m {
	case ModeDir, ModeFile, ModeExecutable, ModeSymlink, ModeGitlink:
		return m, nil
	default:
		return 0, fmt.Errorf("tree entry mode %q: unknown mode", s)
	}
}

// TreeEntry is one entry in a tree object.
type TreeEntry struct {
	Mode Mode
	Name string
	ID   gitid.ID
}

// Blob holds raw file data.
type Blob struct {
	Data []byte
}

// MarshalBlob serializes a Blob to raw bytes (identity).
func MarshalBlob(b *Blob) []byte {
	out := make([]byte, len(b.Data))
	copy(out, b.Data)
	return out
}

// UnmarshalBlob deserializes raw bytes into a Blob.
func UnmarshalBlob(data []byte) (*Blob, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return &Blob{Data: out}, nil
}

// Hash computes the object id for a payload of the given type.
func Hash(t Type, payload []byte) gitid.ID {
	return gitid.HashObject(string(t), payload)
}
