// Package object implements Git's object model: the in-memory
// representation and canonical byte form of the four object kinds (blob,
// tree, commit, tag), and the codec between them.
//
// Canonical form is "<kind> SP <size> NUL <payload>"; the OID of an object
// is always hash(canonical_form). The codec is a bijection on canonical
// form: Parse(Encode(x)) == x and Encode(Parse(b)) == b for any valid b.
package object

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned when object bytes violate the format: bad tree
// mode, unsorted tree entries, duplicate singular commit/tag headers, a
// non-decimal size, or a missing required header.
var ErrMalformed = errors.New("malformed object")

// Kind identifies one of Git's four object types. Values match Git's own
// 3-bit pack representation so the object and pack packages share one
// vocabulary.
type Kind uint8

const (
	KindInvalid Kind = 0
	KindCommit  Kind = 1
	KindTree    Kind = 2
	KindBlob    Kind = 3
	KindTag     Kind = 4
)

// String returns the wire-format keyword used in the canonical header.
func (k Kind) String() string {
	switch k {
	case KindCommit:
		return "commit"
	case KindTree:
		return "tree"
	case KindBlob:
		return "blob"
	case KindTag:
		return "tag"
	default:
		return fmt.Sprintf("object.Kind(%d)", uint8(k))
	}
}

// ParseKind maps a canonical-header keyword back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "commit":
		return KindCommit, nil
	case "tree":
		return KindTree, nil
	case "blob":
		return KindBlob, nil
	case "tag":
		return KindTag, nil
	default:
		return KindInvalid, fmt.Errorf("%w: unknown object kind %q", ErrMalformed, s)
	}
}

// Object is implemented by Blob, Tree, Commit, and Tag.
type Object interface {
	// Kind returns this object's type.
	Kind() Kind
	// payload returns the canonical, type-specific body (without the
	// "<kind> SP <size> NUL" header).
	payload() ([]byte, error)
}
