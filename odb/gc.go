// Mark-and-sweep garbage collection: compute the set of loose objects
// unreachable from any ref tip, and delete them only once their mtime is
// older than a grace window, so a race with a concurrent writer that has
// created an object but not yet updated a ref cannot lose it. Grounded on
// spec.md §4.3a's pack-map refcount/grace-window contract; no example repo
// implements object GC (nanogit never writes, got has no GC), so the
// collection strategy itself is grounded on the spec's own description
// rather than a specific file.
package odb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forgecellar/gitcore/giterrors"
	"github.com/forgecellar/gitcore/hash"
)

// DefaultGraceWindow is how long an unreferenced loose object must sit
// before GC considers it safe to delete.
const DefaultGraceWindow = 2 * time.Hour

// GCOptions configures Collect.
type GCOptions struct {
	// GraceWindow overrides DefaultGraceWindow. Zero uses the default.
	GraceWindow time.Duration
	// DryRun, if true, computes and returns the deletion set without
	// removing anything.
	DryRun bool
}

// GCResult reports what Collect found and, unless DryRun, removed.
type GCResult struct {
	Scanned int
	Removed []hash.OID
	Kept    []hash.OID // unreachable but within the grace window
}

// Collect walks every ref tip's object graph and removes loose objects
// that are both unreachable and older than the grace window.
func (db *ODB) Collect(tips []hash.OID, opts GCOptions) (GCResult, error) {
	grace := opts.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}

	live, err := Reachable(db.algo, db, tips)
	if err != nil {
		return GCResult{}, fmt.Errorf("computing live set: %w", err)
	}

	looseOIDs, err := db.loose.IterOIDs()
	if err != nil {
		return GCResult{}, err
	}

	cutoff := time.Now().Add(-grace)
	result := GCResult{Scanned: len(looseOIDs)}

	for _, oid := range looseOIDs {
		if _, ok := live[oid.String()]; ok {
			continue
		}

		path := db.loose.pathFor(oid)
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // Raced with a concurrent GC or a rename into a pack.
			}
			return result, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
		}

		if info.ModTime().After(cutoff) {
			result.Kept = append(result.Kept, oid)
			continue
		}

		if !opts.DryRun {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return result, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
			}
			pruneEmptyShard(filepath.Dir(path))
		}
		result.Removed = append(result.Removed, oid)
	}

	return result, nil
}

func pruneEmptyShard(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(dir)
}
