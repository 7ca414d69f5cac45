// Server-side receive-pack: a command list of ref updates, a packfile of
// the objects those updates require, validation, and a transactional
// application of the commands with per-ref status reporting. Grounded on
// lxr-go.git-scm/protocol/receive-pack.go's ReceivePack (command-line
// scanning with a null-terminated capability announcement on the first
// line, "unpack ok"/"ng" + "ok"/"ng <name> <reason>" report-status
// format), generalized from its one-ref-at-a-time repository.UpdateRef
// call to this repository's refs.Transaction (atomic iff the "atomic"
// capability was negotiated). Hook dispatch points (pre-receive veto,
// per-ref update veto, post-receive notify) follow spec.md §4.9's
// placement: after the packfile is unpacked, before refs are updated.
package protocol

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/forgecellar/gitcore/config"
	"github.com/forgecellar/gitcore/giterrors"
	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/hooks"
	"github.com/forgecellar/gitcore/odb"
	"github.com/forgecellar/gitcore/pktline"
	"github.com/forgecellar/gitcore/refs"
)

// receiveCommand is one ref update line of a push.
type receiveCommand struct {
	old  hash.OID
	new  hash.OID
	name string
}

// pushCert holds the header fields of a push certificate, per spec.md
// §6: a signed statement of pusher identity, remote URL and the nonce
// the server issued at advertisement, followed by the commands it
// covers and a trailing GPG signature. Cryptographic verification of
// that signature is out of scope here (it is accepted and stored, not
// checked); only the nonce, which this server issued itself, is
// verified.
type pushCert struct {
	pusher    string
	pushee    string
	nonce     string
	signature string
}

// ReceivePack serves one push session: it reads a command list and a
// packfile from r, stores the packfile's objects, and applies the ref
// updates transactionally, writing a report-status reply to w when the
// client negotiated report-status. dispatcher may be nil, in which case
// no hooks run. expectedNonce is the value AdvertiseRefs returned for
// this session; a push-cert block whose nonce line does not match it is
// rejected, per spec.md §6's "servers MUST reject stale/missing
// nonces". expectedNonce may be empty when no push-cert is expected.
// cfg supplies receive.denyNonFastForwards; a nil cfg behaves like Git's
// own default of not enforcing fast-forwards.
func ReceivePack(ctx context.Context, db *odb.ODB, store *refs.Store, dispatcher *hooks.Dispatcher, cfg *config.Config, expectedNonce string, w io.Writer, r io.Reader) error {
	pktr := pktline.NewReader(r)

	var lines []string
	var caps CapList
	first := true
	for {
		line, err := pktr.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		str := string(line)
		if first {
			if nul := strings.IndexByte(str, 0); nul >= 0 {
				caps = ParseCapList(strings.TrimRight(str[nul+1:], "\n"))
				str = str[:nul]
			}
			first = false
		}
		lines = append(lines, strings.TrimRight(str, "\n"))
	}
	if len(lines) == 0 {
		return nil
	}
	if unknown := diff(caps, ReceivePackCapabilities); len(unknown) > 0 {
		return fmt.Errorf("%w: unrecognized capabilities: %s", giterrors.ErrProtocolViolation, strings.Join(unknown, " "))
	}

	if lines[0] == "push-cert" {
		cert, cmdLines, err := parsePushCert(lines[1:])
		if err != nil {
			return err
		}
		if cert.nonce == "" || expectedNonce == "" || cert.nonce != expectedNonce {
			return fmt.Errorf("%w: stale or missing push-cert nonce", giterrors.ErrProtocolViolation)
		}
		lines = cmdLines
	}

	cmds, err := parseCommands(db, lines)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return nil
	}

	var unpackErr error
	if !allDeletes(cmds) {
		unpackErr = unpack(db, pktr.Underlying())
	}

	var out io.Writer = io.Discard
	reportStatus := caps.Has("report-status")
	if reportStatus {
		out = w
	}
	pktw := pktline.NewWriter(out)

	if unpackErr == nil {
		if err := pktw.WriteString("unpack ok\n"); err != nil {
			return err
		}
	} else if err := pktw.WriteString(fmt.Sprintf("unpack %s\n", unpackErr)); err != nil {
		return err
	}

	if unpackErr == nil {
		denyNonFastForwards := cfg != nil && cfg.DenyNonFastForwards
		valid, rejections := validateCommands(db, cmds, denyNonFastForwards)
		for _, c := range cmds {
			if reason, rejected := rejections[c.name]; rejected {
				_ = pktw.WriteString(fmt.Sprintf("ng %s %s\n", c.name, reason))
			}
		}
		applyCommands(ctx, store, dispatcher, valid, caps.Has("atomic"), pktw)
	} else {
		for _, c := range cmds {
			_ = pktw.WriteString(fmt.Sprintf("ng %s %s\n", c.name, unpackErr))
		}
	}

	if reportStatus {
		return pktw.WriteFlush()
	}
	return nil
}

// parseCommands turns plain "<old> <new> <ref>" lines, stripped of any
// capability announcement, into receiveCommands.
func parseCommands(db *odb.ODB, lines []string) ([]receiveCommand, error) {
	cmds := make([]receiveCommand, 0, len(lines))
	for _, str := range lines {
		fields := strings.Fields(str)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: malformed command line %q", giterrors.ErrProtocolViolation, str)
		}
		oldOID, err := db.Algorithm().FromHex(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: bad old oid: %s", giterrors.ErrProtocolViolation, err)
		}
		newOID, err := db.Algorithm().FromHex(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: bad new oid: %s", giterrors.ErrProtocolViolation, err)
		}
		cmds = append(cmds, receiveCommand{old: oldOID, new: newOID, name: fields[2]})
	}
	return cmds, nil
}

// parsePushCert parses the body of a push-cert block (everything after
// the "push-cert\0<caps>" line, with that line already stripped): a
// header section ("certificate version", "pusher", "pushee", "nonce",
// zero or more "push-option" lines) up to a blank line, the commands it
// covers, and a trailing signature block ending in "push-cert-end".
func parsePushCert(lines []string) (*pushCert, []string, error) {
	cert := &pushCert{}
	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++
			break
		}
		switch {
		case strings.HasPrefix(line, "nonce "):
			cert.nonce = strings.TrimPrefix(line, "nonce ")
		case strings.HasPrefix(line, "pusher "):
			cert.pusher = strings.TrimPrefix(line, "pusher ")
		case strings.HasPrefix(line, "pushee "):
			cert.pushee = strings.TrimPrefix(line, "pushee ")
		}
	}

	var cmdLines []string
	inSignature := false
	ended := false
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "push-cert-end" {
			ended = true
			break
		}
		if !inSignature {
			if fields := strings.Fields(line); len(fields) == 3 && !strings.HasPrefix(line, "-----BEGIN") {
				cmdLines = append(cmdLines, line)
				continue
			}
			inSignature = true
		}
		cert.signature += line + "\n"
	}
	if !ended {
		return nil, nil, fmt.Errorf("%w: push-cert block missing push-cert-end", giterrors.ErrProtocolViolation)
	}
	return cert, cmdLines, nil
}

func allDeletes(cmds []receiveCommand) bool {
	for _, c := range cmds {
		if !c.new.IsZero() {
			return false
		}
	}
	return true
}

// unpack decodes the incoming packfile and stores each object loose in
// db, per lxr-go.git-scm's unpack helper (one repo.PutObject call per
// decoded entry) adapted to this repository's index-less pack recovery.
// Git clients send thin packs on push unconditionally (deltifying new
// objects against commits/trees the receiver already has rather than
// resending them), independent of any capability negotiation, so a
// ref-delta base missing from the pack itself is resolved against db.
func unpack(db *odb.ODB, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	entries, trailer, err := odb.IndexPackThin(db.Algorithm(), data, db)
	if err != nil {
		return err
	}
	idxBytes, err := odb.WriteIndex(db.Algorithm(), entries, trailer)
	if err != nil {
		return err
	}
	idx, err := odb.ReadIndex(db.Algorithm(), idxBytes)
	if err != nil {
		return err
	}
	pack, err := odb.OpenThinPack(db.Algorithm(), data, idx, db)
	if err != nil {
		return err
	}
	for _, e := range entries {
		kind, payload, err := pack.ReadAt(e.Offset)
		if err != nil {
			return err
		}
		if _, err := db.InsertLoose(kind, payload); err != nil {
			return err
		}
	}
	return nil
}

// validateCommands implements the Validate step of spec.md §4.8.3 (step
// 5): every command's new OID must already exist in db (the push-cert
// and packfile phases only guarantee the pack itself was valid, not that
// every referenced command target survived unpacking), and, when
// denyNonFastForwards is set, an update command's new OID must be a
// descendant of its old OID. Delete commands (new is zero) are exempt
// from both checks. Returns the commands that passed and, for every
// command that did not, the report-status reason to send back.
func validateCommands(db *odb.ODB, cmds []receiveCommand, denyNonFastForwards bool) (valid []receiveCommand, rejections map[string]string) {
	rejections = make(map[string]string)
	for _, c := range cmds {
		if c.new.IsZero() {
			valid = append(valid, c)
			continue
		}
		if !db.Exists(c.new) {
			rejections[c.name] = "missing necessary objects"
			continue
		}
		if denyNonFastForwards && !c.old.IsZero() {
			ok, err := isFastForward(db, c.old, c.new)
			if err != nil {
				rejections[c.name] = err.Error()
				continue
			}
			if !ok {
				rejections[c.name] = "non-fast-forward"
				continue
			}
		}
		valid = append(valid, c)
	}
	return valid, rejections
}

// isFastForward reports whether old is reachable from new, i.e. new's
// history already contains old as an ancestor.
func isFastForward(db *odb.ODB, old, new hash.OID) (bool, error) {
	reachable, err := odb.Reachable(db.Algorithm(), db, []hash.OID{new})
	if err != nil {
		return false, err
	}
	_, ok := reachable[old.String()]
	return ok, nil
}

func toRefUpdates(cmds []receiveCommand) []hooks.RefUpdate {
	out := make([]hooks.RefUpdate, len(cmds))
	for i, c := range cmds {
		out[i] = hooks.RefUpdate{Name: c.name, Old: c.old, New: c.new}
	}
	return out
}

func applyCommands(ctx context.Context, store *refs.Store, dispatcher *hooks.Dispatcher, cmds []receiveCommand, atomic bool, pktw *pktline.Writer) {
	if dispatcher != nil {
		if err := dispatcher.PreReceive(ctx, toRefUpdates(cmds)); err != nil {
			for _, c := range cmds {
				_ = pktw.WriteString(fmt.Sprintf("ng %s pre-receive hook declined: %s\n", c.name, err))
			}
			return
		}
	}

	accepted := cmds[:0:0]
	for _, c := range cmds {
		if dispatcher != nil {
			if err := dispatcher.Update(ctx, hooks.RefUpdate{Name: c.name, Old: c.old, New: c.new}); err != nil {
				_ = pktw.WriteString(fmt.Sprintf("ng %s update hook declined: %s\n", c.name, err))
				continue
			}
		}
		accepted = append(accepted, c)
	}
	if len(accepted) == 0 {
		return
	}

	tx := refs.NewTransaction(store, atomic)
	for _, c := range accepted {
		old := c.old
		tx.AddUpdate(c.name, c.new, &old, "push")
	}
	result, err := tx.Commit()
	if result == nil {
		for _, c := range accepted {
			_ = pktw.WriteString(fmt.Sprintf("ng %s %s\n", c.name, err))
		}
		return
	}
	applied := make(map[string]bool, len(result.Applied))
	for _, name := range result.Applied {
		applied[name] = true
	}
	var appliedUpdates []hooks.RefUpdate
	for _, c := range accepted {
		if applied[c.name] {
			_ = pktw.WriteString(fmt.Sprintf("ok %s\n", c.name))
			appliedUpdates = append(appliedUpdates, hooks.RefUpdate{Name: c.name, Old: c.old, New: c.new})
			continue
		}
		reason := "failed"
		if result.Failed != nil {
			if e, ok := result.Failed[c.name]; ok {
				reason = e.Error()
			}
		}
		_ = pktw.WriteString(fmt.Sprintf("ng %s %s\n", c.name, reason))
	}

	if dispatcher != nil && len(appliedUpdates) > 0 {
		dispatcher.PostReceive(ctx, appliedUpdates)
	}
}
