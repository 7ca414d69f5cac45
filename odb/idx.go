// Pack index v2 codec: fanout table, sorted OID table, CRC32 table, offset
// table (with the 8-byte offset extension for large packs), pack trailer
// hash, and index trailer hash. Grounded on spec.md §3.5; the teacher never
// writes an index at all, so the table layout is grounded on
// odvcencio-got/pkg/object/pack_index.go and pack_index_reader.go.
package odb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/forgecellar/gitcore/giterrors"
	"github.com/forgecellar/gitcore/hash"
)

var idxMagic = [4]byte{0xff, 't', 'O', 'c'}

const idxVersion = 2

const largeOffsetFlag = 1 << 31

// IndexEntry describes one object's position within a pack, as recorded in
// its index.
type IndexEntry struct {
	OID    hash.OID
	CRC32  uint32
	Offset uint64
}

// Index is a parsed pack index v2: fanout-accelerated lookup of pack
// offsets and CRC32s by OID.
type Index struct {
	algo        hash.Algorithm
	fanout      [256]uint32
	entries     []IndexEntry // sorted ascending by OID
	PackTrailer hash.OID
}

// WriteIndex serializes entries (which must be sorted ascending by OID,
// per spec.md §3.5's invariant) as a pack index v2 file.
func WriteIndex(algo hash.Algorithm, entries []IndexEntry, packTrailer hash.OID) ([]byte, error) {
	for i := 1; i < len(entries); i++ {
		if !entries[i-1].OID.Less(entries[i].OID) {
			return nil, fmt.Errorf("%w: index entries not strictly ascending", giterrors.ErrCorrupt)
		}
	}

	var fanout [256]uint32
	for _, e := range entries {
		b := e.OID.Bytes()[0]
		for i := int(b); i < 256; i++ {
			fanout[i]++
		}
	}

	var buf bytes.Buffer
	buf.Write(idxMagic[:])
	_ = binary.Write(&buf, binary.BigEndian, uint32(idxVersion))
	for _, f := range fanout {
		_ = binary.Write(&buf, binary.BigEndian, f)
	}
	for _, e := range entries {
		buf.Write(e.OID.Bytes())
	}
	for _, e := range entries {
		_ = binary.Write(&buf, binary.BigEndian, e.CRC32)
	}

	var largeOffsets []uint64
	for _, e := range entries {
		if e.Offset > 0x7fffffff {
			_ = binary.Write(&buf, binary.BigEndian, largeOffsetFlag|uint32(len(largeOffsets)))
			largeOffsets = append(largeOffsets, e.Offset)
		} else {
			_ = binary.Write(&buf, binary.BigEndian, uint32(e.Offset))
		}
	}
	for _, off := range largeOffsets {
		_ = binary.Write(&buf, binary.BigEndian, off)
	}

	buf.Write(packTrailer.Bytes())

	trailerHash := algo.Sum(buf.Bytes())
	buf.Write(trailerHash.Bytes())

	return buf.Bytes(), nil
}

// ReadIndex parses a pack index v2 file and verifies its self-describing
// invariants: strictly ascending OIDs, a consistent fanout table, and a
// valid index trailer checksum.
func ReadIndex(algo hash.Algorithm, data []byte) (*Index, error) {
	if len(data) < 4+4 || !bytes.Equal(data[:4], idxMagic[:]) {
		return nil, fmt.Errorf("%w: missing pack index magic", giterrors.ErrCorrupt)
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != idxVersion {
		return nil, fmt.Errorf("%w: unsupported index version %d", giterrors.ErrCorrupt, version)
	}

	oidSize := algo.Size()
	trailerSize := algo.Size()
	if len(data) < 8+4+trailerSize*2 {
		return nil, fmt.Errorf("%w: index too short", giterrors.ErrCorrupt)
	}

	body := data[:len(data)-trailerSize]
	gotTrailer := algo.Sum(body)
	wantTrailer, err := algo.FromBytes(data[len(data)-trailerSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", giterrors.ErrCorrupt, err)
	}
	if !gotTrailer.Equal(wantTrailer) {
		return nil, fmt.Errorf("%w: index trailer checksum mismatch", giterrors.ErrCorrupt)
	}

	idx := &Index{algo: algo}
	off := 8
	if len(data) < off+256*4 {
		return nil, fmt.Errorf("%w: index too short for fanout table", giterrors.ErrCorrupt)
	}
	for i := 0; i < 256; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
	}
	n := int(idx.fanout[255])

	need := func(size int) error {
		if off+size < off || off+size > len(data) {
			return fmt.Errorf("%w: index too short for table span at offset %d", giterrors.ErrCorrupt, off)
		}
		return nil
	}

	if err := need(n * oidSize); err != nil {
		return nil, err
	}
	oidTable := data[off : off+n*oidSize]
	off += n * oidSize
	if err := need(n * 4); err != nil {
		return nil, err
	}
	crcTable := data[off : off+n*4]
	off += n * 4
	if err := need(n * 4); err != nil {
		return nil, err
	}
	offsetTable := data[off : off+n*4]
	off += n * 4

	var largeCount int
	for i := 0; i < n; i++ {
		v := binary.BigEndian.Uint32(offsetTable[i*4 : i*4+4])
		if v&largeOffsetFlag != 0 {
			largeCount++
		}
	}
	if err := need(largeCount * 8); err != nil {
		return nil, err
	}
	largeTable := data[off : off+largeCount*8]
	off += largeCount * 8

	if err := need(trailerSize); err != nil {
		return nil, err
	}
	packTrailer, err := algo.FromBytes(data[off : off+trailerSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", giterrors.ErrCorrupt, err)
	}
	idx.PackTrailer = packTrailer

	idx.entries = make([]IndexEntry, n)
	var prev hash.OID
	havePrev := false
	for i := 0; i < n; i++ {
		oid, err := algo.FromBytes(oidTable[i*oidSize : (i+1)*oidSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %s", giterrors.ErrCorrupt, err)
		}
		if havePrev && !prev.Less(oid) {
			return nil, fmt.Errorf("%w: index OIDs not strictly ascending", giterrors.ErrCorrupt)
		}
		prev, havePrev = oid, true

		crc := binary.BigEndian.Uint32(crcTable[i*4 : i*4+4])
		rawOffset := binary.BigEndian.Uint32(offsetTable[i*4 : i*4+4])

		var offset uint64
		if rawOffset&largeOffsetFlag != 0 {
			largeIdx := rawOffset &^ largeOffsetFlag
			if largeIdx >= uint32(largeCount) {
				return nil, fmt.Errorf("%w: large offset index %d out of range", giterrors.ErrCorrupt, largeIdx)
			}
			offset = binary.BigEndian.Uint64(largeTable[largeIdx*8 : largeIdx*8+8])
		} else {
			offset = uint64(rawOffset)
		}

		idx.entries[i] = IndexEntry{OID: oid, CRC32: crc, Offset: offset}
	}

	if err := idx.verifyFanout(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) verifyFanout() error {
	counted := [256]uint32{}
	for _, e := range idx.entries {
		b := e.OID.Bytes()[0]
		for i := int(b); i < 256; i++ {
			counted[i]++
		}
	}
	if counted != idx.fanout {
		return fmt.Errorf("%w: fanout table disagrees with OID table", giterrors.ErrCorrupt)
	}
	return nil
}

// Find looks up oid using the fanout table to bound a binary search over
// the sorted OID table, returning its pack offset.
func (idx *Index) Find(oid hash.OID) (offset uint64, ok bool) {
	b := oid.Bytes()[0]
	lo := 0
	if b > 0 {
		lo = int(idx.fanout[b-1])
	}
	hi := int(idx.fanout[b])

	i := sort.Search(hi-lo, func(i int) bool {
		return !idx.entries[lo+i].OID.Less(oid)
	})
	pos := lo + i
	if pos < hi && idx.entries[pos].OID.Equal(oid) {
		return idx.entries[pos].Offset, true
	}
	return 0, false
}

// CRC32 returns the stored CRC32 of oid's compressed entry bytes.
func (idx *Index) CRC32(oid hash.OID) (uint32, bool) {
	b := oid.Bytes()[0]
	lo := 0
	if b > 0 {
		lo = int(idx.fanout[b-1])
	}
	hi := int(idx.fanout[b])
	i := sort.Search(hi-lo, func(i int) bool {
		return !idx.entries[lo+i].OID.Less(oid)
	})
	pos := lo + i
	if pos < hi && idx.entries[pos].OID.Equal(oid) {
		return idx.entries[pos].CRC32, true
	}
	return 0, false
}

// ResolveAbbrev finds the unique OID with the given hex prefix, failing
// with ErrAmbiguous if more than one entry matches or ErrNotFound if none
// do. Minimum prefix length is enforced by the caller (odb facade).
func (idx *Index) ResolveAbbrev(prefixHex string) (hash.OID, error) {
	var match hash.OID
	count := 0
	for _, e := range idx.entries {
		if len(prefixHex) <= len(e.OID.String()) && e.OID.String()[:len(prefixHex)] == prefixHex {
			match = e.OID
			count++
			if count > 1 {
				return hash.OID{}, fmt.Errorf("%w: prefix %q", giterrors.ErrAmbiguous, prefixHex)
			}
		}
	}
	if count == 0 {
		return hash.OID{}, fmt.Errorf("%w: prefix %q", giterrors.ErrNotFound, prefixHex)
	}
	return match, nil
}

// Entries returns the sorted entry table, for iteration.
func (idx *Index) Entries() []IndexEntry { return idx.entries }

// Len returns the number of indexed objects.
func (idx *Index) Len() int { return len(idx.entries) }
