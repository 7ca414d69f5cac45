// Reflog append/read: one line per update under logs/<refname>, each line
// "<old> <new> <unix-ts> <reason>". Grounded on
// odvcencio-got/pkg/repo/reflog.go's appendReflog/ReadReflog, generalized
// from a fixed 4-column split to one that tolerates a reason containing
// spaces (Git's real reflog reason is free text, e.g. "commit: message").
package refs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/forgecellar/gitcore/giterrors"
	"github.com/forgecellar/gitcore/hash"
)

// ReflogEntry is one recorded update to a reference.
type ReflogEntry struct {
	Ref       string
	Old       hash.OID
	New       hash.OID
	Timestamp int64
	Reason    string
}

func (s *Store) reflogPath(name string) string {
	return filepath.Join(s.gitDir, "logs", filepath.FromSlash(name))
}

// appendReflog records one update line, creating parent directories as
// needed. A reflog append failure after a successful ref write is
// reported to the caller but never un-does the ref write.
func (s *Store) appendReflog(name string, oldOID, newOID hash.OID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "update"
	}
	path := s.reflogPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s %d %s\n", oidOrZero(s.algo, oldOID), oidOrZero(s.algo, newOID), time.Now().Unix(), reason)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return nil
}

func oidOrZero(algo hash.Algorithm, oid hash.OID) string {
	if oid.IsZero() || oid.String() == "" {
		return algo.Zero().String()
	}
	return oid.String()
}

// ReadReflog returns the entries recorded for name, newest first. limit <=
// 0 means unlimited.
func (s *Store) ReadReflog(name string, limit int) ([]ReflogEntry, error) {
	path := s.reflogPath(name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	defer f.Close()

	var entries []ReflogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 4)
		if len(parts) < 4 {
			continue
		}
		ts, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		oldOID, err := s.algo.FromHex(parts[0])
		if err != nil {
			continue
		}
		newOID, err := s.algo.FromHex(parts[1])
		if err != nil {
			continue
		}
		entries = append(entries, ReflogEntry{
			Ref:       name,
			Old:       oldOID,
			New:       newOID,
			Timestamp: ts,
			Reason:    parts[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
