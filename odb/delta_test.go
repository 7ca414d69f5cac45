package odb

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaRoundtripSimilarBuffers(t *testing.T) {
	base := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 20)
	target := append(append([]byte{}, base[:200]...), []byte("EXTRA INSERTED TEXT HERE")...)
	target = append(target, base[200:]...)

	delta := EncodeDelta(base, target)
	got, err := ApplyDelta(base, delta)
	require.NoError(t, err)
	assert.Equal(t, target, got)
	assert.Less(t, len(delta), len(target), "delta should be smaller than a literal copy for repetitive input")
}

func TestDeltaRoundtripRandomData(t *testing.T) {
	base := make([]byte, 4096)
	_, err := rand.Read(base)
	require.NoError(t, err)
	target := make([]byte, 4096)
	_, err = rand.Read(target)
	require.NoError(t, err)

	delta := EncodeDelta(base, target)
	got, err := ApplyDelta(base, delta)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestDeltaRoundtripEmptyTarget(t *testing.T) {
	base := []byte("something")
	delta := EncodeDelta(base, nil)
	got, err := ApplyDelta(base, delta)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeltaRoundtripLargeCopy(t *testing.T) {
	base := bytes.Repeat([]byte{0xAB}, 300000)
	target := base
	delta := EncodeDelta(base, target)
	got, err := ApplyDelta(base, delta)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestApplyDeltaRejectsSourceSizeMismatch(t *testing.T) {
	delta := EncodeDelta([]byte("hello"), []byte("hello world"))
	_, err := ApplyDelta([]byte("wrong base"), delta)
	assert.ErrorIs(t, err, ErrInvalidDelta)
}
