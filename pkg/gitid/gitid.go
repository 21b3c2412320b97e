// Package gitid provides the object identifier type used across the
// repository: a 20-byte SHA-1 of an object's canonical serialization.
package gitid

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Size is the number of bytes in an object id.
const Size = 20

// HexSize is the number of characters in a hex-encoded object id.
const HexSize = Size * 2

// ID is the SHA-1 hash identifying a Git object. The zero value is the
// all-zero id used on the wire to mean "no object".
type ID [Size]byte

// Zero is the all-zero object id.
var Zero ID

// Parse decodes a 40-character hex string into an ID.
func Parse(s string) (ID, error) {
	var id ID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

// FromRaw copies a 20-byte raw digest into an ID.
func FromRaw(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("raw object id: wrong size %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// HashObject computes the id of an object from its type name and payload,
// hashing the canonical envelope "<type> <len>\x00<payload>".
func HashObject(typeName string, payload []byte) ID {
	h := sha1.New()
	h.Write([]byte(typeName))
	h.Write([]byte{' '})
	h.Write([]byte(strconv.Itoa(len(payload))))
	h.Write([]byte{0})
	h.Write(payload)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// IsZero reports whether the id is the all-zero id.
func (id ID) IsZero() bool {
	return id == Zero
}

// String returns the lowercase hex encoding of the id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 7 hex digits of the id.
func (id ID) Short() string {
	return hex.EncodeToString(id[:])[:7]
}

// Compare returns -1, 0, or +1 ordering ids as byte strings.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// MarshalText returns the hex-encoded id.
func (id ID) MarshalText() ([]byte, error) {
	buf := make([]byte, HexSize)
	hex.Encode(buf, id[:])
	return buf, nil
}

// UnmarshalText decodes a hex-encoded id into id.
func (id *ID) UnmarshalText(s []byte) error {
	if len(s) != HexSize {
		return fmt.Errorf("parse object id %q: wrong size", s)
	}
	if _, err := hex.Decode(id[:], s); err != nil {
		return fmt.Errorf("parse object id %q: %w", s, err)
	}
	return nil
}

// MarshalBinary returns the raw 20-byte digest.
func (id ID) MarshalBinary() ([]byte, error) {
	return id[:], nil
}

// UnmarshalBinary copies a raw 20-byte digest into id.
func (id *ID) UnmarshalBinary(b []byte) error {
	if len(b) != Size {
		return fmt.Errorf("parse raw object id: wrong size %d", len(b))
	}
	copy(id[:], b)
	return nil
}

// FirstByte returns the leading byte of the id, the fanout bucket it
// belongs to in a pack index.
func (id ID) FirstByte() int {
	return int(id[0])
}

// MinAbbrevLen is the shortest accepted abbreviated id, in hex digits.
const MinAbbrevLen = 4

// Abbrev is a hex prefix of an object id, at least MinAbbrevLen digits.
type Abbrev string

// ParseAbbrev validates an abbreviated id.
func ParseAbbrev(s string) (Abbrev, error) {
	if len(s) < MinAbbrevLen || len(s) > HexSize {
		return "", fmt.Errorf("abbreviated id %q: length out of range", s)
	}
	if _, err := hex.DecodeString(padEven(s)); err != nil {
		return "", fmt.Errorf("abbreviated id %q: %w", s, err)
	}
	return Abbrev(s), nil
}

func padEven(s string) string {
	if len(s)%2 == 1 {
		return s + "0"
	}
	return s
}

// Matches reports whether id begins with the abbreviated prefix.
func (a Abbrev) Matches(id ID) bool {
	hexID := id.String()
	return len(a) <= len(hexID) && hexID[:len(a)] == string(a)
}
