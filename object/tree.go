package object

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/forgecellar/gitcore/hash"
)

// FileMode enumerates the tree entry modes Git allows. Values are the raw
// (decimal-looking octal) mode Git stores, e.g. 0o40000 for a directory.
type FileMode uint32

const (
	ModeDir        FileMode = 0o40000
	ModeFile       FileMode = 0o100644
	ModeExecutable FileMode = 0o100755
	ModeSymlink    FileMode = 0o120000
	ModeGitlink    FileMode = 0o160000
)

func validMode(m FileMode) bool {
	switch m {
	case ModeDir, ModeFile, ModeExecutable, ModeSymlink, ModeGitlink:
		return true
	default:
		return false
	}
}

// TreeEntry is one directory entry: a name, its mode, and the OID of the
// blob/tree/commit (for gitlinks) it names.
type TreeEntry struct {
	Mode FileMode
	Name string
	OID  hash.OID
}

// sortKey returns the byte sequence Git sorts tree entries by: the entry
// name, with an implicit trailing '/' for directories, so that "foo" (a
// blob) sorts before "foo/" (a directory) regardless of what comes next.
func (e TreeEntry) sortKey() []byte {
	if e.Mode == ModeDir {
		return append([]byte(e.Name), '/')
	}
	return []byte(e.Name)
}

// Tree is an ordered, by-name-ascending sequence of directory entries.
type Tree struct {
	Entries []TreeEntry
}

func (t *Tree) Kind() Kind { return KindTree }

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 || name[i] == '/' {
			return false
		}
	}
	return true
}

func (t *Tree) payload() ([]byte, error) {
	var buf bytes.Buffer
	var prev TreeEntry
	havePrev := false
	for _, e := range t.Entries {
		if !validMode(e.Mode) {
			return nil, fmt.Errorf("%w: invalid tree entry mode %o", ErrMalformed, e.Mode)
		}
		if !validName(e.Name) {
			return nil, fmt.Errorf("%w: invalid tree entry name %q", ErrMalformed, e.Name)
		}
		if havePrev && bytes.Compare(prev.sortKey(), e.sortKey()) >= 0 {
			return nil, fmt.Errorf("%w: tree entries not strictly ascending at %q", ErrMalformed, e.Name)
		}
		prev, havePrev = e, true

		fmt.Fprintf(&buf, "%s %s\x00", strconv.FormatUint(uint64(e.Mode), 8), e.Name)
		buf.Write(e.OID.Bytes())
	}
	return buf.Bytes(), nil
}

// ParseTree decodes a tree payload, validating mode values, name legality,
// and strict name ordering.
//
// Entries are written with a raw OID whose width is not self-describing in
// the tree format itself (it depends on the repository's hash algorithm),
// so the caller's algo selects 20 vs. 32 bytes per entry.
func ParseTree(algo hash.Algorithm, payload []byte) (*Tree, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	t := &Tree{}

	var prev TreeEntry
	havePrev := false
	for {
		modeStr, err := r.ReadString(' ')
		if err != nil {
			break // EOF: end of entries.
		}
		modeStr = modeStr[:len(modeStr)-1]
		modeVal, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad mode %q: %s", ErrMalformed, modeStr, err)
		}
		mode := FileMode(modeVal)
		if !validMode(mode) {
			return nil, fmt.Errorf("%w: invalid tree entry mode %o", ErrMalformed, mode)
		}

		name, err := r.ReadString(0)
		if err != nil {
			return nil, fmt.Errorf("%w: unterminated entry name: %s", ErrMalformed, err)
		}
		name = name[:len(name)-1]
		if !validName(name) {
			return nil, fmt.Errorf("%w: invalid tree entry name %q", ErrMalformed, name)
		}

		raw := make([]byte, algo.Size())
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("%w: short oid: %s", ErrMalformed, err)
		}
		oid, err := algo.FromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
		}

		entry := TreeEntry{Mode: mode, Name: name, OID: oid}
		if havePrev && bytes.Compare(prev.sortKey(), entry.sortKey()) >= 0 {
			return nil, fmt.Errorf("%w: tree entries not strictly ascending at %q", ErrMalformed, name)
		}
		prev, havePrev = entry, true
		t.Entries = append(t.Entries, entry)
	}

	return t, nil
}
