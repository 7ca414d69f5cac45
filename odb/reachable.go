// Worklist-based object graph traversal. spec.md §9 requires explicit
// worklists rather than call-stack recursion (commit histories can be
// deep) with a seen-set keyed by OID bytes.
package odb

import (
	"fmt"

	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/object"
)

// Source is anything that can materialize an object's kind and payload by
// OID; the ODB facade (*ODB) satisfies it.
type Source interface {
	Read(oid hash.OID) (object.Kind, []byte, error)
}

// Reachable returns every OID reachable from roots (inclusive), walked
// with an explicit worklist and a seen-set, per spec.md §9.
func Reachable(algo hash.Algorithm, src Source, roots []hash.OID) (map[string]hash.OID, error) {
	seen := make(map[string]hash.OID)
	work := append([]hash.OID{}, roots...)

	for len(work) > 0 {
		oid := work[len(work)-1]
		work = work[:len(work)-1]

		key := oid.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = oid

		kind, payload, err := src.Read(oid)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", oid, err)
		}

		refs, err := referencedOIDs(algo, kind, payload)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", oid, err)
		}
		work = append(work, refs...)
	}

	return seen, nil
}

func referencedOIDs(algo hash.Algorithm, kind object.Kind, payload []byte) ([]hash.OID, error) {
	switch kind {
	case object.KindBlob:
		return nil, nil
	case object.KindTree:
		tree, err := object.ParseTree(algo, payload)
		if err != nil {
			return nil, err
		}
		out := make([]hash.OID, 0, len(tree.Entries))
		for _, e := range tree.Entries {
			if e.Mode == object.ModeGitlink {
				continue // Submodule commits live in another repository.
			}
			out = append(out, e.OID)
		}
		return out, nil
	case object.KindCommit:
		commit, err := object.ParseCommit(algo, payload)
		if err != nil {
			return nil, err
		}
		out := append([]hash.OID{commit.TreeOID}, commit.Parents...)
		return out, nil
	case object.KindTag:
		tag, err := object.ParseTag(algo, payload)
		if err != nil {
			return nil, err
		}
		return []hash.OID{tag.ObjectOID}, nil
	default:
		return nil, fmt.Errorf("unknown object kind %v", kind)
	}
}

// ReachableExcluding returns reachable(roots) \ reachable(exclude), the
// object-graph closure spec.md §4.7/§8 property 7 describes for fetch
// negotiation and pack writing.
func ReachableExcluding(algo hash.Algorithm, src Source, roots, exclude []hash.OID) (map[string]hash.OID, error) {
	excluded, err := Reachable(algo, src, exclude)
	if err != nil {
		return nil, err
	}
	all, err := Reachable(algo, src, roots)
	if err != nil {
		return nil, err
	}
	for k := range excluded {
		delete(all, k)
	}
	return all, nil
}
