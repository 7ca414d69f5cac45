// Server-side upload-pack: want/have negotiation followed by a packfile
// bridging the client's haves to its wants. Grounded on
// lxr-go.git-scm/protocol/upload-pack.go's UploadPack (want-line
// scanning, capability diff, negotiate-then-writePack shape), with the
// negotiation loop's ACK policy and the side-band-64k pack stream framing
// generalized from grafana-nanogit/protocol/model.go's side-band channel
// convention (1 = pack data, 2 = progress, 3 = error). Shallow/deepen
// handling (spec.md §4.2: "shallow <oid>", "deepen <n>", "deepen-since
// <ts>", "deepen-not <ref>") and the "filter <spec>" object filter are
// grounded directly on spec.md, since neither the teacher nor
// odvcencio-got ever serves a shallow or partial clone.
package protocol

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/forgecellar/gitcore/config"
	"github.com/forgecellar/gitcore/giterrors"
	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/object"
	"github.com/forgecellar/gitcore/odb"
	"github.com/forgecellar/gitcore/pktline"
	"github.com/forgecellar/gitcore/refs"
)

// wantRequest is the parsed want-phase block: the OIDs the client wants,
// its negotiated capabilities, and any shallow/deepen/filter parameters
// that came with it.
type wantRequest struct {
	wants         []hash.OID
	caps          CapList
	clientShallow []hash.OID
	deepen        int
	deepenSince   int64
	deepenNot     []string
	filterSpec    string
}

// UploadPack serves one fetch/clone session: it reads a pkt-line stream
// of "want"/"have" lines from r and writes a packfile bridging the two
// sets to w, using side-band-64k framing when the client asked for it.
// store resolves "deepen-not <ref>" lines; it may be nil if the caller
// knows the client will never send one (deepen-not then fails the
// session instead of silently ignoring it); validateWants also needs
// store, so with a nil store every want is rejected unless cfg enables
// uploadpack.allowTipSHA1InWant.
// cfg supplies uploadpack.allowTipSHA1InWant; a nil cfg behaves like
// Git's own default (wants restricted to advertised ref tips).
func UploadPack(ctx context.Context, db *odb.ODB, store *refs.Store, cfg *config.Config, w io.Writer, r io.Reader) error {
	pktr := pktline.NewReader(r)

	req, err := readWantRequest(pktr, db)
	if err != nil {
		return err
	}
	if len(req.wants) == 0 {
		return nil
	}
	if unknown := diff(req.caps, UploadPackCapabilities); len(unknown) > 0 {
		return fmt.Errorf("%w: unrecognized capabilities: %s", giterrors.ErrProtocolViolation, strings.Join(unknown, " "))
	}
	if err := validateWants(db, store, req.wants, cfg); err != nil {
		return err
	}

	pktw := pktline.NewWriter(w)

	var shallowBoundary, unshallow, excludeRoots []hash.OID
	if req.deepen > 0 || req.deepenSince > 0 || len(req.deepenNot) > 0 {
		shallowBoundary, unshallow, excludeRoots, err = computeShallowBoundary(db, store, req)
		if err != nil {
			return err
		}
		for _, oid := range shallowBoundary {
			if err := pktw.WriteString(fmt.Sprintf("shallow %s\n", oid.String())); err != nil {
				return err
			}
		}
		for _, oid := range unshallow {
			if err := pktw.WriteString(fmt.Sprintf("unshallow %s\n", oid.String())); err != nil {
				return err
			}
		}
		if err := pktw.WriteFlush(); err != nil {
			return err
		}
	}

	filter, err := parsePackFilter(req.filterSpec)
	if err != nil {
		return err
	}

	haves, done, err := negotiateHaves(pktr, db)
	if err != nil {
		return err
	}

	if err := acknowledge(pktw, db, haves, req.caps, done); err != nil {
		return err
	}
	if !done {
		// The client will continue negotiating in a later request; no
		// packfile is sent until it says "done".
		return nil
	}

	wants := req.wants
	if req.caps.Has("include-tag") && store != nil {
		extra, err := closeOverWants(db, store, wants, haves)
		if err != nil {
			return err
		}
		wants = append(wants, extra...)
	}

	packBytes, _, _, err := odb.WritePack(ctx, db.Algorithm(), db, wants, haves, odb.PackWriterOptions{
		Shallow:      shallowBoundary,
		ExcludeRoots: excludeRoots,
		Filter:       filter,
	})
	if err != nil {
		return err
	}

	if req.caps.Has("side-band-64k") {
		if err := pktw.WriteSideBand(1, packBytes, pktline.SideBand64kDataSize); err != nil {
			return err
		}
		return pktw.WriteFlush()
	}
	if _, err := w.Write(packBytes); err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return nil
}

// readWantRequest reads the initial block of "want"/"shallow"/"deepen"/
// "deepen-since"/"deepen-not"/"filter" lines up to the terminating
// flush-pkt, per spec.md §4.2's WantPhase.
func readWantRequest(pktr *pktline.Reader, db *odb.ODB) (wantRequest, error) {
	var req wantRequest
	sawWant := false
	for {
		line, err := pktr.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return wantRequest{}, err
		}
		fields := strings.Fields(strings.TrimRight(string(line), "\n"))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "want":
			if len(fields) < 2 {
				return wantRequest{}, fmt.Errorf("%w: malformed want line %q", giterrors.ErrProtocolViolation, line)
			}
			oid, err := db.Algorithm().FromHex(fields[1])
			if err != nil {
				return wantRequest{}, fmt.Errorf("%w: bad want oid: %s", giterrors.ErrProtocolViolation, err)
			}
			req.wants = append(req.wants, oid)
			if !sawWant && len(fields) > 2 {
				req.caps = ParseCapList(strings.Join(fields[2:], " "))
			}
			sawWant = true
		case "shallow":
			if len(fields) != 2 {
				return wantRequest{}, fmt.Errorf("%w: malformed shallow line %q", giterrors.ErrProtocolViolation, line)
			}
			oid, err := db.Algorithm().FromHex(fields[1])
			if err != nil {
				return wantRequest{}, fmt.Errorf("%w: bad shallow oid: %s", giterrors.ErrProtocolViolation, err)
			}
			req.clientShallow = append(req.clientShallow, oid)
		case "deepen":
			if len(fields) != 2 {
				return wantRequest{}, fmt.Errorf("%w: malformed deepen line %q", giterrors.ErrProtocolViolation, line)
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil || n <= 0 {
				return wantRequest{}, fmt.Errorf("%w: bad deepen count: %q", giterrors.ErrProtocolViolation, fields[1])
			}
			req.deepen = n
		case "deepen-since":
			if len(fields) != 2 {
				return wantRequest{}, fmt.Errorf("%w: malformed deepen-since line %q", giterrors.ErrProtocolViolation, line)
			}
			ts, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return wantRequest{}, fmt.Errorf("%w: bad deepen-since timestamp: %q", giterrors.ErrProtocolViolation, fields[1])
			}
			req.deepenSince = ts
		case "deepen-not":
			if len(fields) != 2 {
				return wantRequest{}, fmt.Errorf("%w: malformed deepen-not line %q", giterrors.ErrProtocolViolation, line)
			}
			req.deepenNot = append(req.deepenNot, fields[1])
		case "filter":
			req.filterSpec = strings.Join(fields[1:], " ")
		default:
			return wantRequest{}, fmt.Errorf("%w: unexpected line %q", giterrors.ErrProtocolViolation, line)
		}
	}
	return req, nil
}

// validateWants enforces spec.md §4.8.2 step 2: each want OID must have
// been advertised, unless uploadpack.allowTipSHA1InWant permits
// requesting any object this server has, not just a current ref tip.
func validateWants(db *odb.ODB, store *refs.Store, wants []hash.OID, cfg *config.Config) error {
	if cfg != nil && cfg.AllowTipSHA1InWant {
		for _, w := range wants {
			if !db.Exists(w) {
				return fmt.Errorf("%w: want %s not found", giterrors.ErrProtocolViolation, w)
			}
		}
		return nil
	}
	if store == nil {
		return fmt.Errorf("%w: no ref store available to validate want", giterrors.ErrProtocolViolation)
	}
	advertised, err := advertisedOIDs(db, store)
	if err != nil {
		return err
	}
	for _, w := range wants {
		if _, ok := advertised[w.String()]; !ok {
			return fmt.Errorf("%w: want %s not advertised", giterrors.ErrProtocolViolation, w)
		}
	}
	return nil
}

// advertisedOIDs is the set of OIDs AdvertiseRefs offers a client: every
// ref tip plus, for annotated tags, the peeled target it also lists on a
// "^{}" line.
func advertisedOIDs(db *odb.ODB, store *refs.Store) (map[string]hash.OID, error) {
	all, err := store.ListAll("")
	if err != nil {
		return nil, err
	}
	out := make(map[string]hash.OID, len(all))
	for _, oid := range all {
		out[oid.String()] = oid
		if peeled, ok := peelTag(db, oid); ok {
			out[peeled.String()] = peeled
		}
	}
	return out, nil
}

// computeShallowBoundary walks the commit ancestry of req.wants,
// recording where a deepen limit, a deepen-since cutoff, or a
// deepen-not exclusion truncates it. A commit is a new shallow boundary
// when it has parents but none of them survive that truncation; a
// commit the client already listed as shallow but which now has all of
// its parents included is reported as unshallow.
func computeShallowBoundary(db *odb.ODB, store *refs.Store, req wantRequest) (boundary, unshallow, excludeRoots []hash.OID, err error) {
	for _, name := range req.deepenNot {
		if store == nil {
			return nil, nil, nil, fmt.Errorf("%w: deepen-not %q: no ref store available", giterrors.ErrProtocolViolation, name)
		}
		oid, rErr := store.Resolve(name)
		if rErr != nil {
			return nil, nil, nil, fmt.Errorf("%w: deepen-not %q: %s", giterrors.ErrProtocolViolation, name, rErr)
		}
		excludeRoots = append(excludeRoots, oid)
	}

	var excludedSet map[string]hash.OID
	if len(excludeRoots) > 0 {
		excludedSet, err = odb.Reachable(db.Algorithm(), db, excludeRoots)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	clientShallow := make(map[string]bool, len(req.clientShallow))
	for _, oid := range req.clientShallow {
		clientShallow[oid.String()] = true
	}

	type node struct {
		oid   hash.OID
		depth int
	}
	visited := make(map[string]bool)
	queue := make([]node, 0, len(req.wants))
	for _, w := range req.wants {
		queue = append(queue, node{oid: w, depth: 0})
	}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		key := n.oid.String()
		if visited[key] {
			continue
		}
		visited[key] = true

		kind, payload, rErr := db.Read(n.oid)
		if rErr != nil {
			return nil, nil, nil, rErr
		}
		if kind != object.KindCommit {
			continue
		}
		commit, rErr := object.ParseCommit(db.Algorithm(), payload)
		if rErr != nil {
			return nil, nil, nil, rErr
		}

		depthCut := req.deepen > 0 && n.depth >= req.deepen-1

		var includedParents []hash.OID
		if !depthCut {
			for _, p := range commit.Parents {
				if _, excluded := excludedSet[p.String()]; excluded {
					continue
				}
				if req.deepenSince > 0 {
					pTime, tErr := commitTimestamp(db, p)
					if tErr != nil {
						return nil, nil, nil, tErr
					}
					if pTime < req.deepenSince {
						continue
					}
				}
				includedParents = append(includedParents, p)
			}
		}

		if len(commit.Parents) > 0 && len(includedParents) == 0 {
			boundary = append(boundary, n.oid)
			continue
		}
		if clientShallow[key] {
			unshallow = append(unshallow, n.oid)
		}
		for _, p := range includedParents {
			queue = append(queue, node{oid: p, depth: n.depth + 1})
		}
	}

	return boundary, unshallow, excludeRoots, nil
}

func commitTimestamp(db *odb.ODB, oid hash.OID) (int64, error) {
	kind, payload, err := db.Read(oid)
	if err != nil {
		return 0, err
	}
	if kind != object.KindCommit {
		return 0, fmt.Errorf("%s is not a commit", oid)
	}
	commit, err := object.ParseCommit(db.Algorithm(), payload)
	if err != nil {
		return 0, err
	}
	return commit.Committer.Timestamp, nil
}

// closeOverWants finds every annotated tag ref whose peeled target is
// already in wants' reachable closure minus haves, per the include-tag
// capability (spec.md §9: tag objects are never themselves subject to
// filter, only their targets are). The returned tag OIDs are meant to
// be unioned into wants before the pack is written.
func closeOverWants(db *odb.ODB, store *refs.Store, wants, haves []hash.OID) ([]hash.OID, error) {
	objSet, err := odb.ReachableExcluding(db.Algorithm(), db, wants, haves)
	if err != nil {
		return nil, err
	}
	allRefs, err := store.ListAll("")
	if err != nil {
		return nil, err
	}

	var extra []hash.OID
	for _, oid := range allRefs {
		kind, payload, rErr := db.Read(oid)
		if rErr != nil || kind != object.KindTag {
			continue
		}
		tag, tErr := object.ParseTag(db.Algorithm(), payload)
		if tErr != nil {
			continue
		}
		if _, ok := objSet[tag.ObjectOID.String()]; ok {
			extra = append(extra, oid)
		}
	}
	return extra, nil
}

// parsePackFilter parses a "filter <spec>" value per the two forms
// spec.md §4.2 names: "blob:none" and "blob:limit=<n>". An empty spec
// disables filtering.
func parsePackFilter(spec string) (odb.PackFilter, error) {
	if spec == "" {
		return odb.PackFilter{}, nil
	}
	if spec == "blob:none" {
		return odb.PackFilter{ExcludeBlobs: true}, nil
	}
	if rest, ok := strings.CutPrefix(spec, "blob:limit="); ok {
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || n < 0 {
			return odb.PackFilter{}, fmt.Errorf("%w: bad blob:limit value %q", giterrors.ErrProtocolViolation, rest)
		}
		return odb.PackFilter{BlobSizeLimit: n}, nil
	}
	return odb.PackFilter{}, fmt.Errorf("%w: unsupported filter spec %q", giterrors.ErrProtocolViolation, spec)
}

// negotiateHaves reads "have <oid>" lines until a "done" line or a
// flush-pkt, returning whether "done" was seen (ending negotiation and
// triggering a pack response) versus a flush (the client pausing to wait
// for ACKs before sending more haves).
func negotiateHaves(pktr *pktline.Reader, db *odb.ODB) (haves []hash.OID, done bool, err error) {
	for {
		line, err := pktr.ReadLine()
		if err == io.EOF {
			return haves, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		str := strings.TrimRight(string(line), "\n")
		if str == "done" {
			return haves, true, nil
		}
		fields := strings.Fields(str)
		if len(fields) != 2 || fields[0] != "have" {
			return nil, false, fmt.Errorf("%w: expected have line, got %q", giterrors.ErrProtocolViolation, str)
		}
		oid, err := db.Algorithm().FromHex(fields[1])
		if err != nil {
			return nil, false, fmt.Errorf("%w: bad have oid: %s", giterrors.ErrProtocolViolation, err)
		}
		haves = append(haves, oid)
	}
}

// acknowledge reports which haves this server already possesses, per the
// multi_ack_detailed convention when negotiated, falling back to a single
// NAK/ACK line otherwise.
func acknowledge(pktw *pktline.Writer, db *odb.ODB, haves []hash.OID, caps CapList, done bool) error {
	multiAck := caps.Has("multi_ack_detailed")
	var lastCommon hash.OID
	haveCommon := false
	for _, h := range haves {
		if db.Exists(h) {
			haveCommon = true
			lastCommon = h
			if multiAck {
				if err := pktw.WriteString(fmt.Sprintf("ACK %s common\n", h.String())); err != nil {
					return err
				}
			}
		}
	}
	if !done {
		return nil
	}
	if !haveCommon {
		return pktw.WriteString("NAK\n")
	}
	if multiAck {
		return pktw.WriteString(fmt.Sprintf("ACK %s ready\n", lastCommon.String()))
	}
	return pktw.WriteString(fmt.Sprintf("ACK %s\n", lastCommon.String()))
}
