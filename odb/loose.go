// Loose object store: filesystem-backed single-object files, grounded on
// spec.md §3.3 and the teacher's consistent use of zlib for object
// payloads (protocol/packfile.go's readAndInflate), here written with
// github.com/klauspost/compress/zlib instead of compress/zlib.
package odb

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/forgecellar/gitcore/giterrors"
	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/object"
	"github.com/klauspost/compress/zlib"
)

// LooseStore is a filesystem-backed store of individually zlib-compressed
// objects under objects/xx/yyyy....
type LooseStore struct {
	root string
	algo hash.Algorithm
}

// NewLooseStore opens (without creating) the loose object directory at
// root for the given hash algorithm.
func NewLooseStore(root string, algo hash.Algorithm) *LooseStore {
	return &LooseStore{root: root, algo: algo}
}

func (s *LooseStore) pathFor(oid hash.OID) string {
	hex := oid.String()
	return filepath.Join(s.root, hex[:2], hex[2:])
}

// Exists reports whether a loose object file exists for oid.
func (s *LooseStore) Exists(oid hash.OID) bool {
	_, err := os.Stat(s.pathFor(oid))
	return err == nil
}

// ReadHeader reads just enough of the loose object to decode its kind and
// declared size, without materializing the full payload.
func (s *LooseStore) ReadHeader(oid hash.OID) (object.Kind, int, error) {
	f, err := os.Open(s.pathFor(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return object.KindInvalid, 0, fmt.Errorf("%w: %s", giterrors.ErrNotFound, oid)
		}
		return object.KindInvalid, 0, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return object.KindInvalid, 0, fmt.Errorf("%w: %s", giterrors.ErrCorrupt, err)
	}
	defer zr.Close()

	header, err := readHeaderPrefix(zr)
	if err != nil {
		return object.KindInvalid, 0, fmt.Errorf("%w: %s", giterrors.ErrCorrupt, err)
	}
	kind, size, err := parseHeaderPrefix(header)
	if err != nil {
		return object.KindInvalid, 0, fmt.Errorf("%w: %s", giterrors.ErrCorrupt, err)
	}
	return kind, size, nil
}

// readHeaderPrefix reads bytes up to and including the first NUL.
func readHeaderPrefix(r io.Reader) ([]byte, error) {
	var buf []byte
	one := make([]byte, 1)
	for len(buf) < 64 {
		if _, err := io.ReadFull(r, one); err != nil {
			return nil, err
		}
		buf = append(buf, one[0])
		if one[0] == 0 {
			return buf, nil
		}
	}
	return nil, fmt.Errorf("header too long")
}

func parseHeaderPrefix(header []byte) (object.Kind, int, error) {
	sp := bytes.IndexByte(header, ' ')
	if sp < 0 {
		return object.KindInvalid, 0, fmt.Errorf("missing space in header")
	}
	kind, err := object.ParseKind(string(header[:sp]))
	if err != nil {
		return object.KindInvalid, 0, err
	}
	sizeStr := header[sp+1 : len(header)-1]
	size := 0
	for _, c := range sizeStr {
		if c < '0' || c > '9' {
			return object.KindInvalid, 0, fmt.Errorf("non-decimal size")
		}
		size = size*10 + int(c-'0')
	}
	return kind, size, nil
}

// Read fully decompresses and decodes the loose object, returning its kind
// and raw payload bytes.
func (s *LooseStore) Read(oid hash.OID) (object.Kind, []byte, error) {
	f, err := os.Open(s.pathFor(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return object.KindInvalid, nil, fmt.Errorf("%w: %s", giterrors.ErrNotFound, oid)
		}
		return object.KindInvalid, nil, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return object.KindInvalid, nil, fmt.Errorf("%w: %s", giterrors.ErrCorrupt, err)
	}
	defer zr.Close()

	full, err := io.ReadAll(zr)
	if err != nil {
		return object.KindInvalid, nil, fmt.Errorf("%w: %s", giterrors.ErrCorrupt, err)
	}

	kind, payload, err := object.DecodeCanonical(full)
	if err != nil {
		return object.KindInvalid, nil, fmt.Errorf("%w: %s", giterrors.ErrCorrupt, err)
	}
	return kind, payload, nil
}

// Insert writes a loose object atomically (temp file + rename). Writing an
// OID that already exists is a no-op success, matching spec.md §4.3's
// idempotency requirement.
func (s *LooseStore) Insert(kind object.Kind, payload []byte) (hash.OID, error) {
	full := append(object.Header(kind, len(payload)), payload...)
	oid := s.algo.Sum(full)

	if s.Exists(oid) {
		return oid, nil
	}

	dir := filepath.Join(s.root, oid.String()[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return hash.OID{}, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}

	tmp, err := os.CreateTemp(dir, "tmp-obj-")
	if err != nil {
		return hash.OID{}, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // No-op once renamed.

	zw := zlib.NewWriter(tmp)
	if _, err := zw.Write(full); err != nil {
		zw.Close() //nolint:errcheck
		tmp.Close()
		return hash.OID{}, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return hash.OID{}, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return hash.OID{}, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}

	finalPath := s.pathFor(oid)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return hash.OID{}, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return oid, nil
}

// IterOIDs lists every loose object's OID. Order is unspecified.
func (s *LooseStore) IterOIDs() ([]hash.OID, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}

	var oids []hash.OID
	for _, dirEnt := range entries {
		if !dirEnt.IsDir() || len(dirEnt.Name()) != 2 {
			continue
		}
		subEntries, err := os.ReadDir(filepath.Join(s.root, dirEnt.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
		}
		for _, f := range subEntries {
			if f.IsDir() {
				continue
			}
			hex := dirEnt.Name() + f.Name()
			oid, err := s.algo.FromHex(hex)
			if err != nil {
				continue // Not a valid object file; skip (e.g. stray tmp file).
			}
			oids = append(oids, oid)
		}
	}
	return oids, nil
}
