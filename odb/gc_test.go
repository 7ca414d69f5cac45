package odb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/object"
)

func TestCollectKeepsReachableAndRecentUnreachable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db, err := Open(hash.SHA1, dir)
	require.NoError(t, err)

	kept, err := db.InsertLoose(object.KindBlob, []byte("kept, reachable\n"))
	require.NoError(t, err)

	recent, err := db.InsertLoose(object.KindBlob, []byte("unreachable but fresh\n"))
	require.NoError(t, err)

	old, err := db.InsertLoose(object.KindBlob, []byte("unreachable and stale\n"))
	require.NoError(t, err)
	oldPath := db.loose.pathFor(old)
	stale := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, stale, stale))

	result, err := db.Collect([]hash.OID{kept}, GCOptions{GraceWindow: time.Hour})
	require.NoError(t, err)

	require.Contains(t, result.Removed, old)
	require.NotContains(t, result.Removed, recent)
	require.NotContains(t, result.Removed, kept)

	require.True(t, db.loose.Exists(kept))
	require.True(t, db.loose.Exists(recent))
	require.False(t, db.loose.Exists(old))
}

func TestCollectDryRunRemovesNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db, err := Open(hash.SHA1, dir)
	require.NoError(t, err)

	old, err := db.InsertLoose(object.KindBlob, []byte("stale\n"))
	require.NoError(t, err)
	oldPath := db.loose.pathFor(old)
	stale := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, stale, stale))

	result, err := db.Collect(nil, GCOptions{GraceWindow: time.Hour, DryRun: true})
	require.NoError(t, err)
	require.Contains(t, result.Removed, old)
	require.True(t, db.loose.Exists(old))
}

func TestPruneEmptyShardRemovesEmptyDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	shard := filepath.Join(dir, "ab")
	require.NoError(t, os.MkdirAll(shard, 0o755))
	pruneEmptyShard(shard)
	_, err := os.Stat(shard)
	require.True(t, os.IsNotExist(err))
}
