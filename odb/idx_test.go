package odb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgecellar/gitcore/giterrors"
	"github.com/forgecellar/gitcore/hash"
)

func mustOID(t *testing.T, hex string) hash.OID {
	t.Helper()
	oid, err := hash.SHA1.FromHex(hex)
	require.NoError(t, err)
	return oid
}

func TestIndexRoundtrip(t *testing.T) {
	t.Parallel()

	entries := []IndexEntry{
		{OID: mustOID(t, "0000000000000000000000000000000000000001"), CRC32: 1, Offset: 12},
		{OID: mustOID(t, "0000000000000000000000000000000000000002"), CRC32: 2, Offset: 500},
		{OID: mustOID(t, "ffffffffffffffffffffffffffffffffffffffff"), CRC32: 3, Offset: 0x80000001},
	}
	trailer := mustOID(t, "1111111111111111111111111111111111111111")

	data, err := WriteIndex(hash.SHA1, entries, trailer)
	require.NoError(t, err)

	idx, err := ReadIndex(hash.SHA1, data)
	require.NoError(t, err)
	require.Equal(t, 3, idx.Len())
	require.True(t, idx.PackTrailer.Equal(trailer))

	for _, e := range entries {
		off, ok := idx.Find(e.OID)
		require.True(t, ok)
		require.Equal(t, e.Offset, off)

		crc, ok := idx.CRC32(e.OID)
		require.True(t, ok)
		require.Equal(t, e.CRC32, crc)
	}

	_, ok := idx.Find(mustOID(t, "2222222222222222222222222222222222222222"))
	require.False(t, ok)
}

func TestIndexRejectsUnsortedEntries(t *testing.T) {
	t.Parallel()

	entries := []IndexEntry{
		{OID: mustOID(t, "ffffffffffffffffffffffffffffffffffffffff"), Offset: 12},
		{OID: mustOID(t, "0000000000000000000000000000000000000001"), Offset: 20},
	}

	_, err := WriteIndex(hash.SHA1, entries, hash.OID{})
	require.Error(t, err)
}

func TestIndexResolveAbbrev(t *testing.T) {
	t.Parallel()

	entries := []IndexEntry{
		{OID: mustOID(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), Offset: 12},
		{OID: mustOID(t, "aaaabbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"), Offset: 20},
	}
	data, err := WriteIndex(hash.SHA1, entries, hash.OID{})
	require.NoError(t, err)
	idx, err := ReadIndex(hash.SHA1, data)
	require.NoError(t, err)

	_, err = idx.ResolveAbbrev("aaaa")
	require.ErrorIs(t, err, giterrors.ErrAmbiguous)

	oid, err := idx.ResolveAbbrev("aaaab")
	require.NoError(t, err)
	require.True(t, oid.Equal(entries[1].OID))
}
