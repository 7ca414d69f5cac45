// Packfile writer: walks the object graph reachable from a set of want
// OIDs excluding a set of have OIDs, orders the result for good delta
// locality, searches a sliding window of recent objects for delta bases in
// parallel, and emits a deterministic pack plus its paired index. The
// entry header/trailer shape is grounded on the teacher's
// protocol/packfile.go; since the teacher never writes a pack at all, the
// window search and topological emission order are grounded on
// odvcencio-got's pack writer conventions (object kind grouping, then size
// descending). Parallel candidate search uses golang.org/x/sync/errgroup
// and golang.org/x/sync/semaphore, declared by the teacher's go.mod but
// never exercised there.
package odb

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/object"
)

// DefaultDeltaWindow is the number of preceding candidates considered as a
// delta base for each object being packed.
const DefaultDeltaWindow = 10

// DefaultWindowConcurrency bounds how many candidate searches run at once.
const DefaultWindowConcurrency = 8

// PackWriterOptions configures WritePack.
type PackWriterOptions struct {
	// Window is the number of preceding objects considered as delta
	// bases for each object. Zero uses DefaultDeltaWindow.
	Window int
	// Concurrency bounds parallel delta candidate search. Zero uses
	// DefaultWindowConcurrency.
	Concurrency int

	// Shallow, when non-empty, truncates the object graph exactly as
	// ReachableShallow does: these commits' own tree/blobs are
	// included but their parents never are. Used to answer a deepen*
	// negotiation with the same boundary the server announced.
	Shallow []hash.OID
	// ExcludeRoots are additional exclusion roots beyond haves, used
	// for deepen-not: the history reachable from a ref is excluded
	// the same way a have's history is.
	ExcludeRoots []hash.OID
	// Filter drops blob objects from the resulting pack per a
	// "filter <spec>" negotiation (spec.md §4.2); its zero value packs
	// every reachable object, same as before filter support existed.
	Filter PackFilter
}

// PackFilter narrows which blobs WritePack includes, mirroring the two
// object filter specs spec.md names: "blob:none" (ExcludeBlobs) and
// "blob:limit=<n>" (BlobSizeLimit). Trees and commits are never
// filtered; only the spec's object-filter grammar is supported, not
// its sparse/combine variants.
type PackFilter struct {
	ExcludeBlobs  bool
	BlobSizeLimit int64
}

func (f PackFilter) excludes(kind object.Kind, size int) bool {
	if kind != object.KindBlob {
		return false
	}
	if f.ExcludeBlobs {
		return true
	}
	return f.BlobSizeLimit > 0 && int64(size) > f.BlobSizeLimit
}

type packEntryPlan struct {
	oid     hash.OID
	kind    object.Kind
	payload []byte
	// deltaAgainst, if >= 0, is the index into the plan slice of the
	// chosen delta base; the entry is emitted as an ofs-delta against
	// it.
	deltaAgainst int
	deltaBytes   []byte
}

// WritePack writes a pack containing everything reachable from wants but
// not reachable from haves (per ReachableExcluding), plus its paired
// index, returning the raw pack bytes, the raw index bytes, and the pack
// trailer OID.
func WritePack(ctx context.Context, algo hash.Algorithm, src Source, wants, haves []hash.OID, opts PackWriterOptions) (packBytes, idxBytes []byte, trailer hash.OID, err error) {
	var objSet map[string]hash.OID
	if len(opts.Shallow) > 0 || len(opts.ExcludeRoots) > 0 {
		exclude := append(append([]hash.OID{}, haves...), opts.ExcludeRoots...)
		objSet, err = ReachableShallow(algo, src, wants, exclude, opts.Shallow)
	} else {
		objSet, err = ReachableExcluding(algo, src, wants, haves)
	}
	if err != nil {
		return nil, nil, hash.OID{}, err
	}

	plans := make([]*packEntryPlan, 0, len(objSet))
	for _, oid := range objSet {
		kind, payload, err := src.Read(oid)
		if err != nil {
			return nil, nil, hash.OID{}, err
		}
		if opts.Filter.excludes(kind, len(payload)) {
			continue
		}
		plans = append(plans, &packEntryPlan{oid: oid, kind: kind, payload: payload, deltaAgainst: -1})
	}

	sortForDeltaLocality(plans)

	window := opts.Window
	if window <= 0 {
		window = DefaultDeltaWindow
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultWindowConcurrency
	}
	if err := searchDeltaWindow(ctx, plans, window, concurrency); err != nil {
		return nil, nil, hash.OID{}, err
	}

	var buf bytes.Buffer
	buf.WriteString("PACK")
	writeUint32(&buf, 2)
	writeUint32(&buf, uint32(len(plans)))

	offsets := make([]uint64, len(plans))
	entries := make([]IndexEntry, len(plans))

	for i, p := range plans {
		offsets[i] = uint64(buf.Len())

		var header []byte
		var payload []byte
		if p.deltaAgainst >= 0 {
			distance := offsets[i] - offsets[p.deltaAgainst]
			header = putEntryHeader(nil, PackedOfsDelta, uint64(len(p.deltaBytes)))
			header = putOfsDistance(header, distance)
			payload = p.deltaBytes
		} else {
			pt, err := kindToPackedType(p.kind)
			if err != nil {
				return nil, nil, hash.OID{}, err
			}
			header = putEntryHeader(nil, pt, uint64(len(p.payload)))
			payload = p.payload
		}

		start := buf.Len()
		buf.Write(header)
		compressed := compressZlib(payload)
		buf.Write(compressed)

		entries[i] = IndexEntry{
			OID:    p.oid,
			CRC32:  crc32Of(buf.Bytes()[start:buf.Len()]),
			Offset: offsets[i],
		}
	}

	trailer = algo.Sum(buf.Bytes())
	buf.Write(trailer.Bytes())

	idx, err := WriteIndex(algo, sortedCopy(entries), trailer)
	if err != nil {
		return nil, nil, hash.OID{}, err
	}

	return buf.Bytes(), idx, trailer, nil
}

func sortedCopy(entries []IndexEntry) []IndexEntry {
	out := append([]IndexEntry{}, entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].OID.Less(out[j].OID) })
	return out
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func compressZlib(payload []byte) []byte {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write(payload)
	_ = zw.Close()
	return buf.Bytes()
}

// sortForDeltaLocality groups objects by kind (trees and blobs delta best
// against objects of the same kind) and, within a kind, by size
// descending, so that the window search tends to compare similarly-shaped
// candidates. Equal-size objects of one kind are ordered by OID, so the
// result does not depend on the input order.
func sortForDeltaLocality(plans []*packEntryPlan) {
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].kind != plans[j].kind {
			return plans[i].kind < plans[j].kind
		}
		if len(plans[i].payload) != len(plans[j].payload) {
			return len(plans[i].payload) > len(plans[j].payload)
		}
		return plans[i].oid.Less(plans[j].oid)
	})
}

// searchDeltaWindow considers, for each object, up to window immediately
// preceding objects as delta bases, running candidate searches for
// distinct objects concurrently under a semaphore.
func searchDeltaWindow(ctx context.Context, plans []*packEntryPlan, window, concurrency int) error {
	sem := semaphore.NewWeighted(int64(concurrency))
	g, ctx := errgroup.WithContext(ctx)

	for i := range plans {
		i := i
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			best := -1
			var bestDelta []byte
			lo := i - window
			if lo < 0 {
				lo = 0
			}
			for j := lo; j < i; j++ {
				if plans[j].kind != plans[i].kind {
					continue
				}
				delta := EncodeDelta(plans[j].payload, plans[i].payload)
				if bestDelta == nil || len(delta) < len(bestDelta) {
					best, bestDelta = j, delta
				}
			}
			if best >= 0 && len(bestDelta) < len(plans[i].payload) {
				plans[i].deltaAgainst = best
				plans[i].deltaBytes = bestDelta
			}
			return nil
		})
	}
	return g.Wait()
}
