package object

// Blob is an opaque byte sequence: a file's contents.
type Blob struct {
	Data []byte
}

func (b *Blob) Kind() Kind { return KindBlob }

func (b *Blob) payload() ([]byte, error) { return b.Data, nil }

// ParseBlob wraps payload as a Blob. Blobs have no internal structure, so
// this never fails.
func ParseBlob(payload []byte) *Blob {
	return &Blob{Data: payload}
}
