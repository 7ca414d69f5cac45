package repo

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgecellar/gitcore/giterrors"
	"github.com/forgecellar/gitcore/hash"
)

func (r *Repository) shallowPath() string {
	return filepath.Join(r.root, "shallow")
}

// ShallowBoundaries returns the OIDs recorded in the repository's shallow
// file: the commits a shallow clone has declared as its history cutoff.
// A missing file means the repository is not shallow and yields an empty
// slice.
func (r *Repository) ShallowBoundaries() ([]hash.OID, error) {
	data, err := os.ReadFile(r.shallowPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}

	var oids []hash.OID
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		oid, err := r.algo.FromHex(line)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed shallow entry %q: %s", giterrors.ErrCorrupt, line, err)
		}
		oids = append(oids, oid)
	}
	return oids, nil
}

// SetShallowBoundaries rewrites the shallow file to exactly the given set
// of OIDs, matching reference Git's behavior when a deepen/unshallow
// negotiation completes. Passing an empty slice removes the file,
// returning the repository to a non-shallow state.
func (r *Repository) SetShallowBoundaries(oids []hash.OID) error {
	path := r.shallowPath()
	if len(oids) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
		}
		return nil
	}

	var b strings.Builder
	for _, oid := range oids {
		b.WriteString(oid.String())
		b.WriteByte('\n')
	}

	tmp := path + ".lock"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return nil
}
