// The unified object database: loose store plus a set of packs, chained
// through alternates, with abbreviated-OID resolution and a
// singleflight-deduplicated pack-set refresh. Grounded on the teacher's
// client.go, which composes several lower-level readers behind one
// GitClient facade; the alternates-chain and refcounted-pack-set shape has
// no teacher analogue and is grounded on spec.md §4.3/§4.3a directly.
package odb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/forgecellar/gitcore/giterrors"
	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/object"
)

// MinAbbrevLen is the minimum accepted length of an abbreviated OID
// prefix, matching reference Git's floor.
const MinAbbrevLen = 4

// mappedPack is a refcounted, memory-mapped (here: fully read) pack plus
// its index, kept alive while GC might otherwise want to remove it.
type mappedPack struct {
	path    string
	pack    *Pack
	refs    int32
	deleted bool
}

func (m *mappedPack) acquire() { atomic.AddInt32(&m.refs, 1) }
func (m *mappedPack) release() { atomic.AddInt32(&m.refs, -1) }

// ODB is the root+alternates object database: a loose store, a set of
// packs, and zero or more alternate ODBs consulted on read-miss.
type ODB struct {
	algo       hash.Algorithm
	objectsDir string
	loose      *LooseStore
	alternates []*ODB

	mu    sync.RWMutex
	packs []*mappedPack

	refreshGroup singleflight.Group
}

// Open opens the object database rooted at objectsDir (typically
// <repo>/objects), following its info/alternates file if present.
func Open(algo hash.Algorithm, objectsDir string) (*ODB, error) {
	db := &ODB{
		algo:       algo,
		objectsDir: objectsDir,
		loose:      NewLooseStore(objectsDir, algo),
	}
	if err := db.loadAlternates(); err != nil {
		return nil, err
	}
	if err := db.Refresh(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *ODB) loadAlternates() error {
	data, err := os.ReadFile(filepath.Join(db.objectsDir, "info", "alternates"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	for _, line := range splitLines(string(data)) {
		if line == "" {
			continue
		}
		path := line
		if !filepath.IsAbs(path) {
			path = filepath.Join(db.objectsDir, path)
		}
		alt, err := Open(db.algo, path)
		if err != nil {
			return err
		}
		db.alternates = append(db.alternates, alt)
	}
	return nil
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// Refresh rescans the pack directory for new/removed .pack files. Calls
// that race are deduplicated via singleflight so a burst of lookups after
// a receive-pack doesn't open the same new pack N times.
func (db *ODB) Refresh() error {
	_, err, _ := db.refreshGroup.Do("refresh", func() (interface{}, error) {
		return nil, db.refreshLocked()
	})
	return err
}

func (db *ODB) refreshLocked() error {
	packDir := filepath.Join(db.objectsDir, "pack")
	entries, err := os.ReadDir(packDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pack" {
			continue
		}
		base := e.Name()[:len(e.Name())-len(".pack")]
		seen[base] = true

		db.mu.RLock()
		_, have := db.findPackLocked(base)
		db.mu.RUnlock()
		if have {
			continue
		}

		packData, err := os.ReadFile(filepath.Join(packDir, base+".pack"))
		if err != nil {
			return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
		}
		idxData, err := os.ReadFile(filepath.Join(packDir, base+".idx"))
		if err != nil {
			return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
		}
		idx, err := ReadIndex(db.algo, idxData)
		if err != nil {
			return err
		}
		pack, err := OpenPack(db.algo, packData, idx)
		if err != nil {
			return err
		}

		db.mu.Lock()
		db.packs = append(db.packs, &mappedPack{path: base, pack: pack})
		db.mu.Unlock()
	}

	db.mu.Lock()
	for _, mp := range db.packs {
		if !seen[mp.path] {
			mp.deleted = true
		}
	}
	db.mu.Unlock()
	return nil
}

func (db *ODB) findPackLocked(base string) (*mappedPack, bool) {
	for _, mp := range db.packs {
		if mp.path == base && !mp.deleted {
			return mp, true
		}
	}
	return nil, false
}

// Algorithm returns the hash algorithm this ODB was opened with.
func (db *ODB) Algorithm() hash.Algorithm { return db.algo }

// Exists reports whether oid is present in this ODB or any alternate.
func (db *ODB) Exists(oid hash.OID) bool {
	if db.loose.Exists(oid) {
		return true
	}
	if _, _, ok := db.findInPacks(oid); ok {
		return true
	}
	for _, alt := range db.alternates {
		if alt.Exists(oid) {
			return true
		}
	}
	return false
}

func (db *ODB) findInPacks(oid hash.OID) (*mappedPack, uint64, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, mp := range db.packs {
		if mp.deleted {
			continue
		}
		if off, ok := mp.pack.Find(oid); ok {
			return mp, off, true
		}
	}
	return nil, 0, false
}

// Read materializes oid's kind and payload, checking the loose store, then
// every mapped pack, then alternates in declared order.
func (db *ODB) Read(oid hash.OID) (object.Kind, []byte, error) {
	if db.loose.Exists(oid) {
		return db.loose.Read(oid)
	}
	if mp, off, ok := db.findInPacks(oid); ok {
		mp.acquire()
		defer mp.release()
		return mp.pack.ReadAt(off)
	}
	for _, alt := range db.alternates {
		if kind, payload, err := alt.Read(oid); err == nil {
			return kind, payload, nil
		}
	}
	return object.KindInvalid, nil, fmt.Errorf("%w: %s", giterrors.ErrNotFound, oid)
}

// ReadHeader returns oid's kind and declared payload size without
// necessarily materializing a delta chain's base objects.
func (db *ODB) ReadHeader(oid hash.OID) (object.Kind, int, error) {
	if db.loose.Exists(oid) {
		return db.loose.ReadHeader(oid)
	}
	kind, payload, err := db.Read(oid)
	if err != nil {
		return object.KindInvalid, 0, err
	}
	return kind, len(payload), nil
}

// InsertLoose writes obj as a loose object, the only direct write path
// (pack writes happen through WritePack during receive-pack).
func (db *ODB) InsertLoose(kind object.Kind, payload []byte) (hash.OID, error) {
	return db.loose.Insert(kind, payload)
}

// IterOIDs returns the deduplicated union of every OID in the loose store
// and every mapped pack (not following alternates).
func (db *ODB) IterOIDs() ([]hash.OID, error) {
	seen := make(map[string]hash.OID)

	looseOIDs, err := db.loose.IterOIDs()
	if err != nil {
		return nil, err
	}
	for _, oid := range looseOIDs {
		seen[oid.String()] = oid
	}

	db.mu.RLock()
	for _, mp := range db.packs {
		if mp.deleted {
			continue
		}
		for _, e := range mp.pack.idx.Entries() {
			seen[e.OID.String()] = e.OID
		}
	}
	db.mu.RUnlock()

	out := make([]hash.OID, 0, len(seen))
	for _, oid := range seen {
		out = append(out, oid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// ResolveAbbrev resolves a hex OID prefix to a unique full OID, searching
// the loose store and every mapped pack, failing with ErrAmbiguous if more
// than one object matches or ErrNotFound if none do.
func (db *ODB) ResolveAbbrev(prefixHex string) (hash.OID, error) {
	if len(prefixHex) < MinAbbrevLen {
		return hash.OID{}, fmt.Errorf("%w: abbreviation %q shorter than minimum %d", giterrors.ErrAmbiguous, prefixHex, MinAbbrevLen)
	}

	oids, err := db.IterOIDs()
	if err != nil {
		return hash.OID{}, err
	}

	var match hash.OID
	count := 0
	for _, oid := range oids {
		if len(oid.String()) >= len(prefixHex) && oid.String()[:len(prefixHex)] == prefixHex {
			match = oid
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
