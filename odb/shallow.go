// Shallow-aware graph traversal, used by upload-pack's deepen handling
// (spec.md §4.2/§4.7): unlike ReachableExcluding, a boundary commit's
// own tree and blobs are still included in the walk, but its parents
// are never visited, so the client receives a pack whose history is
// truncated at exactly the commits the negotiation decided on.
package odb

import (
	"fmt"

	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/object"
)

// ReachableShallow returns reachable(roots), excluding anything
// reachable from exclude, and never descending from a commit in
// boundary into its parents.
func ReachableShallow(algo hash.Algorithm, src Source, roots, exclude, boundary []hash.OID) (map[string]hash.OID, error) {
	excluded, err := Reachable(algo, src, exclude)
	if err != nil {
		return nil, err
	}

	atBoundary := make(map[string]bool, len(boundary))
	for _, oid := range boundary {
		atBoundary[oid.String()] = true
	}

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

		var refs []hash.OID
		if kind == object.KindCommit && atBoundary[key] {
			commit, err := object.ParseCommit(algo, payload)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", oid, err)
			}
			refs = []hash.OID{commit.TreeOID}
		} else {
			refs, err = referencedOIDs(algo, kind, payload)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", oid, err)
			}
		}
		work = append(work, refs...)
	}

	for k := range excluded {
		delete(seen, k)
	}
	return seen, nil
}
