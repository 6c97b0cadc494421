// Package objecthash implements content-addressing for gitup's object
// model: 20-byte binary hashes, their 40-character hex form, and the
// SHA-1 computation over "<type> <size>\0<payload>" that identifies a
// commit, tree, blob, or tag.
package objecthash

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of a binary object hash.
const Size = sha1.Size

// HexSize is the length in characters of a hex-encoded object hash.
const HexSize = Size * 2

// Kind names the four hashable object types. Delta objects are never
// hashed directly; once resolved they are hashed as their base's Kind.
type Kind string

const (
	KindCommit Kind = "commit"
	KindTree   Kind = "tree"
	KindBlob   Kind = "blob"
	KindTag    Kind = "tag"
)

// Hash is a 20-byte binary object hash.
type Hash [Size]byte

// String returns the canonical lowercase 40-character hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Of computes the object hash of payload under kind, per spec.md §4.1:
// SHA-1 over "<kind> <len(payload)>\0" followed by payload.
func Of(kind Kind, payload []byte) Hash {
	header := fmt.Sprintf("%s %d\x00", kind, len(payload))
	h := sha1.New()
	h.Write([]byte(header))
	h.Write(payload)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ParseHex decodes a 40-character lowercase hex string into a Hash.
func ParseHex(s string) (Hash, error) {
	if len(s) != HexSize {
		return Hash{}, fmt.Errorf("objecthash: hex hash must be %d characters, got %d", HexSize, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("objecthash: invalid hex hash %q: %w", s, err)
	}
	var out Hash
	copy(out[:], b)
	return out, nil
}

// ParseBinary copies a 20-byte slice into a Hash.
func ParseBinary(b []byte) (Hash, error) {
	if len(b) != Size {
		return Hash{}, fmt.Errorf("objecthash: binary hash must be %d bytes, got %d", Size, len(b))
	}
	var out Hash
	copy(out[:], b)
	return out, nil
}
