package refs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireLockCreatesAndCommits(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	target := filepath.Join(dir, "refs", "heads", "main")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))

	lock, err := acquireLock(target, DefaultStaleLockTTL)
	require.NoError(t, err)
	require.NoError(t, lock.write("deadbeef\n"))
	require.NoError(t, lock.commit())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "deadbeef\n", string(data))

	_, err = os.Stat(target + ".lock")
	require.True(t, os.IsNotExist(err))
}

func TestAcquireLockAbortLeavesTargetUntouched(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	target := filepath.Join(dir, "ref")

	lock, err := acquireLock(target, DefaultStaleLockTTL)
	require.NoError(t, err)
	lock.abort()

	_, err = os.Stat(target + ".lock")
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(target)
	require.True(t, os.IsNotExist(err))
}

func TestAcquireLockContendedWhenFresh(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	target := filepath.Join(dir, "ref")

	first, err := acquireLock(target, DefaultStaleLockTTL)
	require.NoError(t, err)
	defer first.abort()

	_, err = acquireLock(target, DefaultStaleLockTTL)
	require.Error(t, err)
}

func TestAcquireLockReclaimsStaleLock(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	target := filepath.Join(dir, "ref")

	first, err := acquireLock(target, DefaultStaleLockTTL)
	require.NoError(t, err)
	require.NoError(t, first.write("stale\n"))
	require.NoError(t, first.f.Close())

	staleTime := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(target+".lock", staleTime, staleTime))

	second, err := acquireLock(target, time.Minute)
	require.NoError(t, err)
	require.NoError(t, second.write("fresh\n"))
	require.NoError(t, second.commit())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "fresh\n", string(data))
}
