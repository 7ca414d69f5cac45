package object

import (
	"fmt"

	"github.com/forgecellar/gitcore/hash"
)

// Header builds the canonical "<kind> SP <size> NUL" prefix for a payload
// of the given length.
func Header(k Kind, size int) []byte {
	return fmt.Appendf(nil, "%s %d\x00", k.String(), size)
}

// Encode produces the canonical byte form of obj: header followed by its
// type-specific payload.
func Encode(obj Object) ([]byte, error) {
	body, err := obj.payload()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+32)
	out = append(out, Header(obj.Kind(), len(body))...)
	out = append(out, body...)
	return out, nil
}

// Parse decodes payload bytes of the given kind into an Object. It
// validates shape (tree entry ordering/modes, commit/tag header
// cardinality) and fails with ErrMalformed on violation. algo selects the
// OID width used to decode tree entries.
func Parse(algo hash.Algorithm, k Kind, payload []byte) (Object, error) {
	switch k {
	case KindBlob:
		return ParseBlob(payload), nil
	case KindTree:
		return ParseTree(algo, payload)
	case KindCommit:
		return ParseCommit(algo, payload)
	case KindTag:
		return ParseTag(algo, payload)
	default:
		return nil, fmt.Errorf("%w: cannot parse kind %s", ErrMalformed, k)
	}
}

// ComputeOID encodes obj and hashes the result under algo, so the returned
// OID is exactly what Git would assign this object's canonical bytes.
func ComputeOID(algo hash.Algorithm, obj Object) (hash.OID, error) {
	b, err := Encode(obj)
	if err != nil {
		return hash.OID{}, err
	}
	return algo.Sum(b), nil
}

// DecodeCanonical splits full canonical bytes (header + payload, as read
// from a loose object or pack entry) into its kind and payload, validating
// the decimal size field against the actual payload length.
func DecodeCanonical(full []byte) (Kind, []byte, error) {
	sp := -1
	for i, b := range full {
		if b == ' ' {
			sp = i
			break
		}
	}
	if sp < 0 {
		return KindInvalid, nil, fmt.Errorf("%w: no space in header", ErrMalformed)
	}
	k, err := ParseKind(string(full[:sp]))
	if err != nil {
		return KindInvalid, nil, err
	}

	nul := -1
	for i := sp + 1; i < len(full); i++ {
		if full[i] == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return KindInvalid, nil, fmt.Errorf("%w: no NUL in header", ErrMalformed)
	}

	sizeStr := full[sp+1 : nul]
	size := 0
	for _, c := range sizeStr {
		if c < '0' || c > '9' {
			return KindInvalid, nil, fmt.Errorf("%w: non-decimal size %q", ErrMalformed, sizeStr)
		}
		size = size*10 + int(c-'0')
	}

	payload := full[nul+1:]
	if len(payload) != size {
		return KindInvalid, nil, fmt.Errorf("%w: declared size %d, got %d bytes", ErrMalformed, size, len(payload))
	}
	return k, payload, nil
}
