// Reference store: loose refs under a gitDir, an optional packed-refs
// file, and symref resolution bound against infinite loops. Grounded on
// odvcencio-got/pkg/repo/init.go's Head/ResolveRef (symref-prefix
// convention, "refs/heads/<name>" shorthand) and refs.go's ListRefs
// (filepath.WalkDir over refs/), generalized to also consult packed-refs,
// which got never writes.
package refs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forgecellar/gitcore/giterrors"
	"github.com/forgecellar/gitcore/hash"
)

// ErrRefLoop is returned when symref resolution exceeds MaxSymrefDepth
// without reaching a direct (OID) reference.
var ErrRefLoop = errors.New("symbolic reference loop")

// MaxSymrefDepth bounds symref chain resolution.
const MaxSymrefDepth = 5

const packedRefsHeader = "# pack-refs with: peeled fully-peeled sorted\n"

// Store is a reference store rooted at a repository's git directory
// (where HEAD, refs/, and packed-refs live).
type Store struct {
	gitDir       string
	algo         hash.Algorithm
	staleLockTTL time.Duration
}

// NewStore opens the reference store rooted at gitDir.
func NewStore(gitDir string, algo hash.Algorithm) *Store {
	return &Store{gitDir: gitDir, algo: algo, staleLockTTL: DefaultStaleLockTTL}
}

func (s *Store) loosePath(name string) string {
	return filepath.Join(s.gitDir, filepath.FromSlash(name))
}

// readLooseRaw reads a loose ref or HEAD file's trimmed contents.
func (s *Store) readLooseRaw(name string) (string, bool, error) {
	data, err := os.ReadFile(s.loosePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return strings.TrimRight(string(data), "\n"), true, nil
}

// readPackedRaw reads name's value from packed-refs, if present.
func (s *Store) readPackedRaw(name string) (hash.OID, bool, error) {
	packed, _, err := s.ReadPackedRefs()
	if err != nil {
		return hash.OID{}, false, err
	}
	oid, ok := packed[name]
	return oid, ok, nil
}

// ReadPackedRefs parses the packed-refs file, returning each ref's OID and
// the peeled (dereferenced-tag) OID for any annotated tags recorded.
func (s *Store) ReadPackedRefs() (refs map[string]hash.OID, peeled map[string]hash.OID, err error) {
	refs = make(map[string]hash.OID)
	peeled = make(map[string]hash.OID)

	f, err := os.Open(filepath.Join(s.gitDir, "packed-refs"))
	if err != nil {
		if os.IsNotExist(err) {
			return refs, peeled, nil
		}
		return nil, nil, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	defer f.Close()

	var lastRef string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "^") {
			oid, err := s.algo.FromHex(line[1:])
			if err != nil {
				return nil, nil, fmt.Errorf("%w: bad peeled oid in packed-refs: %s", giterrors.ErrCorrupt, err)
			}
			if lastRef != "" {
				peeled[lastRef] = oid
			}
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("%w: malformed packed-refs line %q", giterrors.ErrCorrupt, line)
		}
		oid, err := s.algo.FromHex(parts[0])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad oid in packed-refs: %s", giterrors.ErrCorrupt, err)
		}
		refs[parts[1]] = oid
		lastRef = parts[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return refs, peeled, nil
}

// resolveOnce reads one ref (loose, falling back to packed), returning
// either a symref target or a direct OID.
func (s *Store) resolveOnce(name string) (target string, isSymref bool, oid hash.OID, err error) {
	raw, exists, err := s.readLooseRaw(name)
	if err != nil {
		return "", false, hash.OID{}, err
	}
	if exists {
		if strings.HasPrefix(raw, "ref: ") {
			return strings.TrimSpace(strings.TrimPrefix(raw, "ref: ")), true, hash.OID{}, nil
		}
		oid, err := s.algo.FromHex(strings.TrimSpace(raw))
		if err != nil {
			return "", false, hash.OID{}, fmt.Errorf("%w: bad oid in ref %q: %s", giterrors.ErrCorrupt, name, err)
		}
		return "", false, oid, nil
	}

	oid, ok, err := s.readPackedRaw(name)
	if err != nil {
		return "", false, hash.OID{}, err
	}
	if ok {
		return "", false, oid, nil
	}
	return "", false, hash.OID{}, fmt.Errorf("%w: %s", giterrors.ErrNotFound, name)
}

// Resolve follows name (loose-ref-or-packed, following symrefs) to a
// direct OID, bounding the chain at MaxSymrefDepth.
func (s *Store) Resolve(name string) (hash.OID, error) {
	cur := name
	for depth := 0; depth < MaxSymrefDepth; depth++ {
		target, isSymref, oid, err := s.resolveOnce(cur)
		if err != nil {
			return hash.OID{}, err
		}
		if !isSymref {
			return oid, nil
		}
		cur = target
	}
	return hash.OID{}, fmt.Errorf("%w: %s", ErrRefLoop, name)
}

// ReadRaw exposes a ref's immediate value (symref target or nil OID, plus
// a direct OID otherwise) without following the chain, used by callers
// that need to distinguish a symref from its resolved target (e.g.
// ls-refs's HEAD advertisement, which include symref-target information).
func (s *Store) ReadRaw(name string) (target string, isSymref bool, oid hash.OID, err error) {
	return s.resolveOnce(name)
}

// ListLoose walks the loose refs under prefix (relative to refs/, or ""
// for all of refs/), returning name -> OID pairs. A symref is listed under
// its own name with the OID it resolves to; a dangling symref is left out.
func (s *Store) ListLoose(prefix string) (map[string]hash.OID, error) {
	root := filepath.Join(s.gitDir, "refs")
	dir := root
	if strings.TrimSpace(prefix) != "" {
		dir = filepath.Join(root, filepath.FromSlash(prefix))
	}

	out := make(map[string]hash.OID)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := "refs/" + filepath.ToSlash(rel)
		raw, _, err := s.readLooseRaw(name)
		if err != nil {
			return err
		}
		if strings.HasPrefix(raw, "ref: ") {
			oid, err := s.Resolve(name)
			if err != nil {
				return nil //nolint:nilerr // A dangling symref is reported as absent, not a walk failure.
			}
			out[name] = oid
			return nil
		}
		oid, err := s.algo.FromHex(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%w: bad oid in ref %q: %s", giterrors.ErrCorrupt, name, err)
		}
		out[name] = oid
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return out, nil
}

// ListAll returns every reference's OID, loose refs taking precedence over
// a packed-refs entry of the same name (matching reference Git: a loose
// ref shadows its packed counterpart until the next pack-refs).
func (s *Store) ListAll(prefix string) (map[string]hash.OID, error) {
	packed, _, err := s.ReadPackedRefs()
	if err != nil {
		return nil, err
	}
	loose, err := s.ListLoose(prefix)
	if err != nil {
		return nil, err
	}

	out := make(map[string]hash.OID, len(packed)+len(loose))
	for name, oid := range packed {
		if prefix == "" || strings.HasPrefix(name, "refs/"+prefix) {
			out[name] = oid
		}
	}
	for name, oid := range loose {
		out[name] = oid
	}
	return out, nil
}

// PackRefs rewrites packed-refs to include every current loose ref
// (merged with the existing packed set), then removes the now-redundant
// loose ref files. HEAD is never packed.
func (s *Store) PackRefs() error {
	packed, peeled, err := s.ReadPackedRefs()
	if err != nil {
		return err
	}
	loose, err := s.ListLoose("")
	if err != nil {
		return err
	}
	for name, oid := range loose {
		packed[name] = oid
	}

	names := make([]string, 0, len(packed))
	for name := range packed {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf strings.Builder
	buf.WriteString(packedRefsHeader)
	for _, name := range names {
		fmt.Fprintf(&buf, "%s %s\n", packed[name].String(), name)
		if peeledOID, ok := peeled[name]; ok {
			fmt.Fprintf(&buf, "^%s\n", peeledOID.String())
		}
	}

	lock, err := acquireLock(filepath.Join(s.gitDir, "packed-refs"), s.staleLockTTL)
	if err != nil {
		return err
	}
	if err := lock.write(buf.String()); err != nil {
		lock.abort()
		return err
	}
	if err := lock.commit(); err != nil {
		return err
	}

	for name := range loose {
		_ = os.Remove(s.loosePath(name))
	}
	return nil
}

// removeFromPackedRefs drops name from packed-refs, if present. A no-op,
// not an error, when name was never packed.
func (s *Store) removeFromPackedRefs(name string) error {
	packed, peeled, err := s.ReadPackedRefs()
	if err != nil {
		return err
	}
	if _, ok := packed[name]; !ok {
		return nil
	}
	delete(packed, name)
	delete(peeled, name)

	names := make([]string, 0, len(packed))
	for n := range packed {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf strings.Builder
	buf.WriteString(packedRefsHeader)
	for _, n := range names {
		fmt.Fprintf(&buf, "%s %s\n", packed[n].String(), n)
		if peeledOID, ok := peeled[n]; ok {
			fmt.Fprintf(&buf, "^%s\n", peeledOID.String())
		}
	}

	lock, err := acquireLock(filepath.Join(s.gitDir, "packed-refs"), s.staleLockTTL)
	if err != nil {
		return err
	}
	if err := lock.write(buf.String()); err != nil {
		lock.abort()
		return err
	}
	return lock.commit()
}
