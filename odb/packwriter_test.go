package odb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/object"
)

func buildCommitGraph(t *testing.T, src *memSource) (root hash.OID, all []hash.OID) {
	t.Helper()

	blobA := src.put(&object.Blob{Data: []byte("hello world\n")})
	blobB := src.put(&object.Blob{Data: []byte("hello world, but different enough to not delta trivially\n")})

	tree1 := src.put(&object.Tree{Entries: []object.TreeEntry{
		{Mode: object.ModeFile, Name: "a.txt", OID: blobA},
	}})
	tree2 := src.put(&object.Tree{Entries: []object.TreeEntry{
		{Mode: object.ModeFile, Name: "a.txt", OID: blobA},
		{Mode: object.ModeFile, Name: "b.txt", OID: blobB},
	}})

	id := object.Identity{Name: "Test", Email: "test@example.com", Timestamp: 1000, Timezone: "+0000"}

	c1 := src.put(&object.Commit{TreeOID: tree1, Author: id, Committer: id, Message: "first\n"})
	c2 := src.put(&object.Commit{TreeOID: tree2, Parents: []hash.OID{c1}, Author: id, Committer: id, Message: "second\n"})

	return c2, []hash.OID{blobA, blobB, tree1, tree2, c1, c2}
}

func TestWritePackAndReadBack(t *testing.T) {
	t.Parallel()

	src := newMemSource(hash.SHA1)
	root, all := buildCommitGraph(t, src)

	packBytes, idxBytes, trailer, err := WritePack(context.Background(), hash.SHA1, src, []hash.OID{root}, nil, PackWriterOptions{})
	require.NoError(t, err)
	require.False(t, trailer.IsZero())

	idx, err := ReadIndex(hash.SHA1, idxBytes)
	require.NoError(t, err)
	require.Equal(t, len(all), idx.Len())

	pack, err := OpenPack(hash.SHA1, packBytes, idx)
	require.NoError(t, err)

	for _, oid := range all {
		off, ok := pack.Find(oid)
		require.True(t, ok, "oid %s not found in pack", oid)

		wantKind, wantPayload, err := src.Read(oid)
		require.NoError(t, err)

		gotKind, gotPayload, err := pack.ReadAt(off)
		require.NoError(t, err)
		require.Equal(t, wantKind, gotKind)
		require.Equal(t, wantPayload, gotPayload)
	}
}

func TestWritePackExcludesHaves(t *testing.T) {
	t.Parallel()

	src := newMemSource(hash.SHA1)
	root, all := buildCommitGraph(t, src)
	firstParent := all[4] // c1

	_, idxBytes, _, err := WritePack(context.Background(), hash.SHA1, src, []hash.OID{root}, []hash.OID{firstParent}, PackWriterOptions{})
	require.NoError(t, err)

	idx, err := ReadIndex(hash.SHA1, idxBytes)
	require.NoError(t, err)

	_, ok := idx.Find(firstParent)
	require.False(t, ok, "excluded commit should not appear in the pack")

	_, ok = idx.Find(root)
	require.True(t, ok)
}

func TestIndexPackRecoversFromPackAlone(t *testing.T) {
	t.Parallel()

	src := newMemSource(hash.SHA1)
	root, all := buildCommitGraph(t, src)

	packBytes, _, trailer, err := WritePack(context.Background(), hash.SHA1, src, []hash.OID{root}, nil, PackWriterOptions{})
	require.NoError(t, err)

	entries, recoveredTrailer, err := IndexPack(hash.SHA1, packBytes)
	require.NoError(t, err)
	require.True(t, recoveredTrailer.Equal(trailer))
	require.Equal(t, len(all), len(entries))

	seen := make(map[string]bool)
	for _, e := range entries {
		seen[e.OID.String()] = true
	}
	for _, oid := range all {
		require.True(t, seen[oid.String()], "missing %s from recovered index", oid)
	}
}
