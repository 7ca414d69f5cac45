package pktline

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAndReadDataPackets(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteString("want deadbeef\n"))
	require.NoError(t, w.WriteString("have cafef00d\n"))
	require.NoError(t, w.WriteFlush())

	r := NewReader(&buf)
	first, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, KindData, first.Kind)
	require.Equal(t, "want deadbeef\n", string(first.Data))

	second, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, "have cafef00d\n", string(second.Data))

	flush, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, KindFlush, flush.Kind)
}

func TestReadLineStopsAtFlush(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteString("hello"))
	require.NoError(t, w.WriteFlush())

	r := NewReader(&buf)
	line, err := r.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "hello", string(line))

	_, err = r.ReadLine()
	require.ErrorIs(t, err, io.EOF)
}

func TestDelimAndResponseEndPackets(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteDelim())
	require.NoError(t, w.WriteResponseEnd())

	r := NewReader(&buf)
	delim, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, KindDelim, delim.Kind)

	respEnd, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, KindResponseEnd, respEnd.Kind)
}

func TestWriteDataRejectsOversizedPayload(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	err := w.WriteData(make([]byte, MaxDataSize+1))
	require.ErrorIs(t, err, ErrTooLong)
}

func TestWriteSideBandSplitsAcrossFrames(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	payload := bytes.Repeat([]byte{0x42}, 10)
	require.NoError(t, w.WriteSideBand(1, payload, 4))
	require.NoError(t, w.WriteFlush())

	r := NewReader(&buf)
	var reassembled []byte
	for {
		pkt, err := r.ReadPacket()
		require.NoError(t, err)
		if pkt.Kind == KindFlush {
			break
		}
		require.Equal(t, byte(1), pkt.Data[0])
		reassembled = append(reassembled, pkt.Data[1:]...)
	}
	require.Equal(t, payload, reassembled)
}

func TestReadPacketRejectsMalformedLength(t *testing.T) {
	t.Parallel()
	r := NewReader(bytes.NewReader([]byte("abcd")))
	_, err := r.ReadPacket()
	require.Error(t, err)
}
