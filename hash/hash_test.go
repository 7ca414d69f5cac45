package hash_test

import (
	"testing"

	"github.com/forgecellar/gitcore/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlgorithmByName(t *testing.T) {
	a, err := hash.AlgorithmByName("")
	require.NoError(t, err)
	assert.Equal(t, hash.SHA1, a)

	a, err = hash.AlgorithmByName("sha256")
	require.NoError(t, err)
	assert.Equal(t, hash.SHA256, a)

	_, err = hash.AlgorithmByName("md5")
	assert.ErrorIs(t, err, hash.ErrInvalidFormat)
}

func TestOIDRoundtrip(t *testing.T) {
	oid := hash.SHA1.Sum([]byte("blob 4\x00test"))
	s := oid.String()
	assert.Len(t, s, 40)

	parsed, err := hash.SHA1.FromHex(s)
	require.NoError(t, err)
	assert.True(t, oid.Equal(parsed))
}

func TestOIDFromHexOddLength(t *testing.T) {
	_, err := hash.SHA1.FromHex("abc")
	assert.ErrorIs(t, err, hash.ErrInvalidFormat)
}

func TestZeroOID(t *testing.T) {
	z := hash.SHA1.Zero()
	assert.True(t, z.IsZero())
	assert.Equal(t, "0000000000000000000000000000000000000000", z.String())
}

func TestOIDLess(t *testing.T) {
	a, _ := hash.SHA1.FromHex("0000000000000000000000000000000000000001")
	b, _ := hash.SHA1.FromHex("0000000000000000000000000000000000000002")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestHasherWritesHeaderFirst(t *testing.T) {
	h, err := hash.NewHasher(hash.SHA1, []byte("blob 4\x00"))
	require.NoError(t, err)
	_, err = h.Write([]byte("test"))
	require.NoError(t, err)

	want := hash.SHA1.Sum([]byte("blob 4\x00test"))
	assert.True(t, h.OID().Equal(want))
}
