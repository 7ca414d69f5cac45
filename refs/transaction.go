// Transactional multi-ref updates: every ref in the batch is locked in
// sorted name order (avoiding A-locks-X-then-Y while B-locks-Y-then-X
// deadlocks), each update's compare-and-swap precondition is checked
// before any ref is actually written, and only then are the writes
// committed in the same sorted order. Grounded on
// odvcencio-got/pkg/repo/init.go's UpdateRefCAS (lockfile + rename +
// CAS-mismatch detection) generalized from one ref at a time to an
// all-or-nothing (or best-effort) batch, per spec.md §4.5's transaction
// modes.
package refs

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/forgecellar/gitcore/giterrors"
	"github.com/forgecellar/gitcore/hash"
)

// Command is one ref update or deletion within a Transaction.
type Command struct {
	Name string
	// OldOID, if non-nil, is the value Name must currently resolve to
	// (a zero OID meaning "must not currently exist") for this command
	// to proceed. Nil means no precondition.
	OldOID *hash.OID
	// NewOID is the value to write. A zero OID deletes the ref.
	NewOID hash.OID
	Reason string
}

// Transaction batches ref updates so they take effect together.
type Transaction struct {
	store    *Store
	atomic   bool
	commands []Command
}

// NewTransaction starts a batch of ref updates against store. When atomic
// is true, a failure partway through rolls back every already-applied
// command on a best-effort basis and returns ErrPartialCommit only if that
// rollback itself could not fully succeed; when false, commands already
// applied are left in place and ErrPartialCommit reports which commands
// did and didn't land.
func NewTransaction(store *Store, atomic bool) *Transaction {
	return &Transaction{store: store, atomic: atomic}
}

// AddUpdate queues name to be set to newOID, optionally preconditioned on
// its current value being oldOID.
func (tx *Transaction) AddUpdate(name string, newOID hash.OID, oldOID *hash.OID, reason string) {
	tx.commands = append(tx.commands, Command{Name: name, OldOID: oldOID, NewOID: newOID, Reason: reason})
}

// AddDelete queues name for deletion, optionally preconditioned on its
// current value being oldOID.
func (tx *Transaction) AddDelete(name string, oldOID *hash.OID, reason string) {
	tx.commands = append(tx.commands, Command{Name: name, OldOID: oldOID, NewOID: tx.store.algo.Zero(), Reason: reason})
}

type preparedCommand struct {
	cmd     Command
	lock    *lockfile
	current hash.OID
	wasSet  bool
}

// TransactionResult reports which commands succeeded when Commit returns
// ErrPartialCommit.
type TransactionResult struct {
	Applied []string
	Failed  map[string]error
}

// Commit executes every queued command. On success every ref named in the
// transaction reflects its NewOID (or is deleted).
func (tx *Transaction) Commit() (*TransactionResult, error) {
	if len(tx.commands) == 0 {
		return &TransactionResult{}, nil
	}

	ordered := append([]Command{}, tx.commands...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	prepared := make([]preparedCommand, 0, len(ordered))
	abortAll := func() {
		for _, p := range prepared {
			p.lock.abort()
		}
	}
	failed := make(map[string]error)
	var firstFailure error

	for _, cmd := range ordered {
		lock, err := acquireLock(tx.store.loosePath(cmd.Name), tx.store.staleLockTTL)
		if err != nil {
			abortAll()
			return nil, fmt.Errorf("preparing %s: %w", cmd.Name, err)
		}

		current, err := tx.store.Resolve(cmd.Name)
		wasSet := err == nil
		if err != nil && !isNotFound(err) {
			lock.abort()
			abortAll()
			return nil, fmt.Errorf("reading current value of %s: %w", cmd.Name, err)
		}

		if cmd.OldOID != nil {
			want := *cmd.OldOID
			gotMismatch := (want.IsZero() && wasSet) || (!want.IsZero() && (!wasSet || !current.Equal(want)))
			if gotMismatch {
				lock.abort()
				staleErr := fmt.Errorf("%w: %s expected %s, found %s", giterrors.ErrStalePrecondition, cmd.Name, preconditionString(want), currentString(wasSet, current))
				if !tx.atomic {
					failed[cmd.Name] = staleErr
					if firstFailure == nil {
						firstFailure = staleErr
					}
					continue
				}
				abortAll()
				return nil, staleErr
			}
		}

		prepared = append(prepared, preparedCommand{cmd: cmd, lock: lock, current: current, wasSet: wasSet})
	}

	result := &TransactionResult{Failed: failed}

	for i, p := range prepared {
		if err := tx.applyOne(p); err != nil {
			result.Failed[p.cmd.Name] = err
			if firstFailure == nil {
				firstFailure = err
			}
			if tx.atomic {
				return tx.rollback(prepared[:i], result, firstFailure)
			}
			continue
		}
		result.Applied = append(result.Applied, p.cmd.Name)
		_ = tx.store.appendReflog(p.cmd.Name, p.current, p.cmd.NewOID, p.cmd.Reason)
	}

	if len(result.Failed) > 0 {
		return result, fmt.Errorf("%w: %d of %d commands failed: %w", giterrors.ErrPartialCommit, len(result.Failed), len(ordered), firstFailure)
	}
	return result, nil
}

func (tx *Transaction) applyOne(p preparedCommand) error {
	if p.cmd.NewOID.IsZero() {
		p.lock.abort()
		if err := removeRefFile(tx.store.loosePath(p.cmd.Name)); err != nil {
			return err
		}
		return tx.store.removeFromPackedRefs(p.cmd.Name)
	}
	if err := p.lock.write(p.cmd.NewOID.String() + "\n"); err != nil {
		p.lock.abort()
		return err
	}
	return p.lock.commit()
}

// rollback is invoked only in atomic mode: it restores every already
// applied command's pre-image and aborts every not-yet-applied lock.
func (tx *Transaction) rollback(applied []preparedCommand, result *TransactionResult, cause error) (*TransactionResult, error) {
	for _, p := range applied {
		if !p.wasSet {
			_ = removeRefFile(tx.store.loosePath(p.cmd.Name))
			continue
		}
		if err := restoreRefFile(tx.store.loosePath(p.cmd.Name), p.current); err != nil {
			return result, fmt.Errorf("%w: rollback of %s failed after %s: %s", giterrors.ErrPartialCommit, p.cmd.Name, cause, err)
		}
	}
	return result, fmt.Errorf("%w: %s", giterrors.ErrStalePrecondition, cause)
}

func preconditionString(oid hash.OID) string {
	if oid.IsZero() {
		return "<absent>"
	}
	return oid.String()
}

func currentString(wasSet bool, oid hash.OID) string {
	if !wasSet {
		return "<absent>"
	}
	return oid.String()
}

func isNotFound(err error) bool {
	return errors.Is(err, giterrors.ErrNotFound)
}

func removeRefFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return nil
}

func restoreRefFile(path string, oid hash.OID) error {
	if err := os.WriteFile(path, []byte(oid.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return nil
}
