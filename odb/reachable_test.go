package odb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgecellar/gitcore/hash"
)

func TestReachableWalksCommitTreeBlobGraph(t *testing.T) {
	t.Parallel()

	src := newMemSource(hash.SHA1)
	root, all := buildCommitGraph(t, src)

	got, err := Reachable(hash.SHA1, src, []hash.OID{root})
	require.NoError(t, err)
	require.Equal(t, len(all), len(got))
	for _, oid := range all {
		_, ok := got[oid.String()]
		require.True(t, ok, "expected %s reachable", oid)
	}
}

func TestReachableExcludingComputesSetDifference(t *testing.T) {
	t.Parallel()

	src := newMemSource(hash.SHA1)
	root, all := buildCommitGraph(t, src)
	c1 := all[4]

	got, err := ReachableExcluding(hash.SHA1, src, []hash.OID{root}, []hash.OID{c1})
	require.NoError(t, err)

	_, hasC1 := got[c1.String()]
	require.False(t, hasC1)

	c2 := all[5]
	_, hasC2 := got[c2.String()]
	require.True(t, hasC2)
}

func TestReachableIsIdempotentOnCycleFreeGraph(t *testing.T) {
	t.Parallel()

	src := newMemSource(hash.SHA1)
	root, _ := buildCommitGraph(t, src)

	first, err := Reachable(hash.SHA1, src, []hash.OID{root, root})
	require.NoError(t, err)
	second, err := Reachable(hash.SHA1, src, []hash.OID{root})
	require.NoError(t, err)
	require.Equal(t, len(first), len(second))
}
