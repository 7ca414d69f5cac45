package protocol

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/hooks"
	"github.com/forgecellar/gitcore/object"
	"github.com/forgecellar/gitcore/odb"
	"github.com/forgecellar/gitcore/pktline"
	"github.com/forgecellar/gitcore/refs"
)

func newTestRefStore(t *testing.T) *refs.Store {
	t.Helper()
	return refs.NewStore(t.TempDir(), hash.SHA1)
}

func TestReceivePackCreatesRefAndStoresObjects(t *testing.T) {
	t.Parallel()
	db := newTestODB(t)
	store := newTestRefStore(t)

	blob := insertBlob(t, db, "payload\n")
	tree := insertTree(t, db, []object.TreeEntry{{Mode: object.ModeFile, Name: "f", OID: blob}})
	commit := insertCommit(t, db, tree, nil, "push me\n")

	packBytes, _, _, err := odb.WritePack(context.Background(), hash.SHA1, db, []hash.OID{commit}, nil, odb.PackWriterOptions{})
	require.NoError(t, err)

	targetDB := newTestODB(t)

	var req bytes.Buffer
	reqw := pktline.NewWriter(&req)
	zero := hash.SHA1.Zero()
	require.NoError(t, reqw.WriteString(zero.String()+" "+commit.String()+" refs/heads/main\x00report-status\n"))
	require.NoError(t, reqw.WriteFlush())
	req.Write(packBytes)

	var resp bytes.Buffer
	err = ReceivePack(context.Background(), targetDB, store, nil, nil, "", &resp, &req)
	require.NoError(t, err)

	respr := pktline.NewReader(&resp)
	unpackLine, err := respr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "unpack ok\n", string(unpackLine))

	statusLine, err := respr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "ok refs/heads/main\n", string(statusLine))

	got, err := store.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.True(t, got.Equal(commit))

	require.True(t, targetDB.Exists(commit))
	require.True(t, targetDB.Exists(tree))
	require.True(t, targetDB.Exists(blob))
}

func TestReceivePackRejectsStaleOldOID(t *testing.T) {
	t.Parallel()
	db := newTestODB(t)
	store := newTestRefStore(t)

	blob := insertBlob(t, db, "x\n")
	tree := insertTree(t, db, []object.TreeEntry{{Mode: object.ModeFile, Name: "f", OID: blob}})
	existing := insertCommit(t, db, tree, nil, "existing\n")
	newCommit := insertCommit(t, db, tree, []hash.OID{existing}, "new\n")

	zero := hash.SHA1.Zero()
	setup := refs.NewTransaction(store, true)
	setup.AddUpdate("refs/heads/main", existing, &zero, "setup")
	_, err := setup.Commit()
	require.NoError(t, err)

	packBytes, _, _, err := odb.WritePack(context.Background(), hash.SHA1, db, []hash.OID{newCommit}, []hash.OID{existing}, odb.PackWriterOptions{})
	require.NoError(t, err)

	var req bytes.Buffer
	reqw := pktline.NewWriter(&req)
	stale := mustOIDHex(t, "ffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, reqw.WriteString(stale.String()+" "+newCommit.String()+" refs/heads/main\x00report-status\n"))
	require.NoError(t, reqw.WriteFlush())
	req.Write(packBytes)

	var resp bytes.Buffer
	err = ReceivePack(context.Background(), db, store, nil, nil, "", &resp, &req)
	require.NoError(t, err)

	respr := pktline.NewReader(&resp)
	unpackLine, err := respr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "unpack ok\n", string(unpackLine))

	statusLine, err := respr.ReadLine()
	require.NoError(t, err)
	require.Contains(t, string(statusLine), "ng refs/heads/main")
}

func TestReceivePackRejectsAllRefsWhenPreReceiveDeclines(t *testing.T) {
	t.Parallel()
	db := newTestODB(t)
	store := newTestRefStore(t)

	blob := insertBlob(t, db, "payload\n")
	tree := insertTree(t, db, []object.TreeEntry{{Mode: object.ModeFile, Name: "f", OID: blob}})
	commit := insertCommit(t, db, tree, nil, "push me\n")

	packBytes, _, _, err := odb.WritePack(context.Background(), hash.SHA1, db, []hash.OID{commit}, nil, odb.PackWriterOptions{})
	require.NoError(t, err)

	hooksDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(hooksDir, "pre-receive"), []byte("#!/bin/sh\nexit 1\n"), 0o755))
	dispatcher := hooks.NewDispatcher(hooks.Options{HooksDir: hooksDir, RepoRoot: t.TempDir()})

	var req bytes.Buffer
	reqw := pktline.NewWriter(&req)
	zero := hash.SHA1.Zero()
	require.NoError(t, reqw.WriteString(zero.String()+" "+commit.String()+" refs/heads/main\x00report-status\n"))
	require.NoError(t, reqw.WriteFlush())
	req.Write(packBytes)

	var resp bytes.Buffer
	err = ReceivePack(context.Background(), db, store, dispatcher, nil, "", &resp, &req)
	require.NoError(t, err)

	respr := pktline.NewReader(&resp)
	_, err = respr.ReadLine()
	require.NoError(t, err)
	statusLine, err := respr.ReadLine()
	require.NoError(t, err)
	require.Contains(t, string(statusLine), "ng refs/heads/main")
	require.Contains(t, string(statusLine), "pre-receive hook declined")

	_, err = store.Resolve("refs/heads/main")
	require.Error(t, err)
}

func TestReceivePackAcceptsPushCertWithMatchingNonce(t *testing.T) {
	t.Parallel()
	db := newTestODB(t)
	store := newTestRefStore(t)

	blob := insertBlob(t, db, "payload\n")
	tree := insertTree(t, db, []object.TreeEntry{{Mode: object.ModeFile, Name: "f", OID: blob}})
	commit := insertCommit(t, db, tree, nil, "push me\n")

	packBytes, _, _, err := odb.WritePack(context.Background(), hash.SHA1, db, []hash.OID{commit}, nil, odb.PackWriterOptions{})
	require.NoError(t, err)

	zero := hash.SHA1.Zero()
	cmdLine := zero.String() + " " + commit.String() + " refs/heads/main"

	var req bytes.Buffer
	reqw := pktline.NewWriter(&req)
	require.NoError(t, reqw.WriteString("push-cert\x00report-status\n"))
	require.NoError(t, reqw.WriteString("certificate version 0.1\n"))
	require.NoError(t, reqw.WriteString("pusher Jane Dev <jane@example.com> 1700000000 +0000\n"))
	require.NoError(t, reqw.WriteString("pushee git://example.com/demo.git\n"))
	require.NoError(t, reqw.WriteString("nonce abc123\n"))
	require.NoError(t, reqw.WriteString("\n"))
	require.NoError(t, reqw.WriteString(cmdLine+"\n"))
	require.NoError(t, reqw.WriteString("-----BEGIN PGP SIGNATURE-----\n"))
	require.NoError(t, reqw.WriteString("not-a-real-signature\n"))
	require.NoError(t, reqw.WriteString("-----END PGP SIGNATURE-----\n"))
	require.NoError(t, reqw.WriteString("push-cert-end\n"))
	require.NoError(t, reqw.WriteFlush())
	req.Write(packBytes)

	var resp bytes.Buffer
	err = ReceivePack(context.Background(), db, store, nil, nil, "abc123", &resp, &req)
	require.NoError(t, err)

	respr := pktline.NewReader(&resp)
	unpackLine, err := respr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "unpack ok\n", string(unpackLine))

	statusLine, err := respr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "ok refs/heads/main\n", string(statusLine))

	got, err := store.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.True(t, got.Equal(commit))
}

func TestReceivePackRejectsPushCertWithStaleNonce(t *testing.T) {
	t.Parallel()
	db := newTestODB(t)
	store := newTestRefStore(t)

	blob := insertBlob(t, db, "payload\n")
	tree := insertTree(t, db, []object.TreeEntry{{Mode: object.ModeFile, Name: "f", OID: blob}})
	commit := insertCommit(t, db, tree, nil, "push me\n")

	packBytes, _, _, err := odb.WritePack(context.Background(), hash.SHA1, db, []hash.OID{commit}, nil, odb.PackWriterOptions{})
	require.NoError(t, err)

	zero := hash.SHA1.Zero()
	cmdLine := zero.String() + " " + commit.String() + " refs/heads/main"

	var req bytes.Buffer
	reqw := pktline.NewWriter(&req)
	require.NoError(t, reqw.WriteString("push-cert\x00report-status\n"))
	require.NoError(t, reqw.WriteString("certificate version 0.1\n"))
	require.NoError(t, reqw.WriteString("nonce stale-nonce\n"))
	require.NoError(t, reqw.WriteString("\n"))
	require.NoError(t, reqw.WriteString(cmdLine+"\n"))
	require.NoError(t, reqw.WriteString("push-cert-end\n"))
	require.NoError(t, reqw.WriteFlush())
	req.Write(packBytes)

	var resp bytes.Buffer
	err = ReceivePack(context.Background(), db, store, nil, nil, "current-nonce", &resp, &req)
	require.Error(t, err)

	_, err = store.Resolve("refs/heads/main")
	require.Error(t, err)
}

func mustOIDHex(t *testing.T, hex string) hash.OID {
	t.Helper()
	oid, err := hash.SHA1.FromHex(hex)
	require.NoError(t, err)
	return oid
}
