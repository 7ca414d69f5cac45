package object

import (
	"fmt"

	"github.com/forgecellar/gitcore/hash"
)

// Tag is an annotated tag: a reference to another object (usually a
// commit) with tagger metadata and a message.
type Tag struct {
	ObjectOID  hash.OID
	ObjectKind Kind
	Name       string
	Tagger     Identity

	Headers []HeaderField
	Message string
}

func (t *Tag) Kind() Kind { return KindTag }

func (t *Tag) payload() ([]byte, error) {
	fields := t.Headers
	if fields == nil {
		fields = append(fields,
			HeaderField{Key: "object", Value: t.ObjectOID.String()},
			HeaderField{Key: "type", Value: t.ObjectKind.String()},
			HeaderField{Key: "tag", Value: t.Name},
			HeaderField{Key: "tagger", Value: t.Tagger.String()},
		)
	}
	if err := validateTagHeaders(fields); err != nil {
		return nil, err
	}
	return encodeHeaderAndMessage(fields, t.Message), nil
}

func validateTagHeaders(fields []HeaderField) error {
	for _, key := range []string{"object", "type", "tag", "tagger"} {
		if n := countHeader(fields, key); n != 1 {
			return fmt.Errorf("%w: tag must have exactly one %s header, got %d", ErrMalformed, key, n)
		}
	}
	return nil
}

// ParseTag decodes a tag payload, preserving unknown headers in position.
func ParseTag(algo hash.Algorithm, payload []byte) (*Tag, error) {
	fields, message, err := splitHeaderAndMessage(payload)
	if err != nil {
		return nil, err
	}
	if err := validateTagHeaders(fields); err != nil {
		return nil, err
	}

	t := &Tag{Headers: fields, Message: message}

	objHex, _ := firstHeader(fields, "object")
	t.ObjectOID, err = algo.FromHex(objHex)
	if err != nil {
		return nil, fmt.Errorf("%w: bad object oid: %s", ErrMalformed, err)
	}

	typeStr, _ := firstHeader(fields, "type")
	t.ObjectKind, err = ParseKind(typeStr)
	if err != nil {
		return nil, err
	}

	t.Name, _ = firstHeader(fields, "tag")

	taggerLine, _ := firstHeader(fields, "tagger")
	t.Tagger, err = ParseIdentity(taggerLine)
	if err != nil {
		return nil, err
	}

	return t, nil
}
