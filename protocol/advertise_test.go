package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/object"
	"github.com/forgecellar/gitcore/pktline"
	"github.com/forgecellar/gitcore/refs"
)

func TestAdvertiseRefsEmptyRepoWritesCapabilitiesLine(t *testing.T) {
	t.Parallel()
	db := newTestODB(t)
	store := newTestRefStore(t)

	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	nonce, err := AdvertiseRefs(store, db, ServiceUploadPack, nil, w)
	require.NoError(t, err)
	require.Empty(t, nonce)

	r := pktline.NewReader(&buf)
	line, err := r.ReadLine()
	require.NoError(t, err)
	require.Contains(t, string(line), "capabilities^{}")
	require.Contains(t, string(line), "side-band-64k")
	require.NotContains(t, string(line), "nonce=")

	_, err = r.ReadLine()
	require.ErrorIs(t, err, io.EOF)
}

func TestAdvertiseRefsReceivePackIncludesNonceCapability(t *testing.T) {
	t.Parallel()
	db := newTestODB(t)
	store := newTestRefStore(t)

	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	nonce, err := AdvertiseRefs(store, db, ServiceReceivePack, nil, w)
	require.NoError(t, err)
	require.NotEmpty(t, nonce)

	r := pktline.NewReader(&buf)
	line, err := r.ReadLine()
	require.NoError(t, err)
	require.Contains(t, string(line), "nonce="+nonce)
	require.Contains(t, string(line), "push-cert")
}

func TestAdvertiseRefsIssuesFreshNoncePerCall(t *testing.T) {
	t.Parallel()
	db := newTestODB(t)
	store := newTestRefStore(t)

	var buf1, buf2 bytes.Buffer
	nonce1, err := AdvertiseRefs(store, db, ServiceReceivePack, nil, pktline.NewWriter(&buf1))
	require.NoError(t, err)
	nonce2, err := AdvertiseRefs(store, db, ServiceReceivePack, nil, pktline.NewWriter(&buf2))
	require.NoError(t, err)
	require.NotEqual(t, nonce1, nonce2)
}

func TestAdvertiseRefsListsHeadFirstThenRefs(t *testing.T) {
	t.Parallel()
	db := newTestODB(t)
	store := newTestRefStore(t)

	blob := insertBlob(t, db, "hello\n")
	tree := insertTree(t, db, []object.TreeEntry{{Mode: object.ModeFile, Name: "f", OID: blob}})
	commit := insertCommit(t, db, tree, nil, "first\n")

	zero := hash.SHA1.Zero()
	tx := refs.NewTransaction(store, false)
	tx.AddUpdate("HEAD", commit, &zero, "test")
	tx.AddUpdate("refs/heads/main", commit, &zero, "test")
	_, err := tx.Commit()
	require.NoError(t, err)

	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	_, err = AdvertiseRefs(store, db, ServiceUploadPack, nil, w)
	require.NoError(t, err)

	r := pktline.NewReader(&buf)
	head, err := r.ReadLine()
	require.NoError(t, err)
	require.Contains(t, string(head), " HEAD\x00")

	ref, err := r.ReadLine()
	require.NoError(t, err)
	require.Equal(t, commit.String()+" refs/heads/main\n", string(ref))
}
