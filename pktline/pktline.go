// Package pktline implements Git's pkt-line wire framing: a 4-hex-digit
// length prefix followed by that many bytes total (prefix included), plus
// the three zero-length special packets (flush, delimiter, response-end).
// Grounded on lxr-go.git-scm/pktline/pktline.go's streaming Reader/Writer
// (io.Reader/io.Writer based, rather than grafana-nanogit's
// protocol/pack.go whole-buffer FormatPacket/ParsePacket, since a server
// reads requests incrementally off a live connection), with the special
// packet constants taken from grafana-nanogit's naming.
package pktline

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/forgecellar/gitcore/giterrors"
)

const (
	// LengthSize is the width of the hex length prefix.
	LengthSize = 4
	// MaxDataSize is the largest payload a single pkt-line may carry.
	MaxDataSize = 65516
	// MaxPacketSize is MaxDataSize plus its length prefix.
	MaxPacketSize = MaxDataSize + LengthSize

	// SideBandDataSize is the payload cap negotiated for the side-band
	// capability, leaving one byte in a 1000-byte frame for the channel
	// marker.
	SideBandDataSize = 999
	// SideBand64kDataSize is the payload cap requested for side-band-64k.
	// WriteSideBand also keeps every frame within MaxDataSize, which holds
	// side-band-64k frames to MaxDataSize-1 payload bytes.
	SideBand64kDataSize = 65519
)

// special packet length markers.
const (
	flushLen    = 0
	delimLen    = 1
	respEndLen  = 2
	minDataLine = 4
)

// ErrTooLong is returned when a payload exceeds MaxDataSize.
var ErrTooLong = errors.New("pktline: payload exceeds maximum pkt-line size")

// Kind classifies a decoded packet.
type Kind int

const (
	// KindData carries a non-empty or empty data payload.
	KindData Kind = iota
	// KindFlush is "0000", ending a section.
	KindFlush
	// KindDelim is "0001", separating sections within protocol v2.
	KindDelim
	// KindResponseEnd is "0002", ending a protocol v2 response.
	KindResponseEnd
)

// Packet is one decoded pkt-line unit.
type Packet struct {
	Kind Kind
	Data []byte
}

// Reader decodes a stream of pkt-lines from an underlying reader.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for pkt-line decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, MaxPacketSize)}
}

// Underlying returns the reader pkt-lines are decoded from. A caller that
// needs to read raw (non-pkt-line) bytes immediately following the last
// decoded packet — a packfile trailing a command list, for instance —
// must read from this rather than the io.Reader originally passed to
// NewReader, since buffered-but-unconsumed bytes live here.
func (r *Reader) Underlying() io.Reader {
	return r.br
}

// ReadPacket decodes the next pkt-line, including the special zero-length
// packets.
func (r *Reader) ReadPacket() (Packet, error) {
	var lenBuf [LengthSize]byte
	if _, err := io.ReadFull(r.br, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Packet{}, io.EOF
		}
		return Packet{}, fmt.Errorf("%w: reading pkt-line length: %s", giterrors.ErrProtocolViolation, err)
	}

	var length int
	if _, err := fmt.Sscanf(string(lenBuf[:]), "%04x", &length); err != nil {
		return Packet{}, fmt.Errorf("%w: bad pkt-line length %q: %s", giterrors.ErrProtocolViolation, lenBuf[:], err)
	}

	switch length {
	case flushLen:
		return Packet{Kind: KindFlush}, nil
	case delimLen:
		return Packet{Kind: KindDelim}, nil
	case respEndLen:
		return Packet{Kind: KindResponseEnd}, nil
	}
	if length < minDataLine {
		return Packet{}, fmt.Errorf("%w: invalid pkt-line length %d", giterrors.ErrProtocolViolation, length)
	}
	if length-LengthSize > MaxDataSize {
		return Packet{}, fmt.Errorf("%w: pkt-line declares %d bytes of payload", giterrors.ErrProtocolViolation, length-LengthSize)
	}

	data := make([]byte, length-LengthSize)
	if _, err := io.ReadFull(r.br, data); err != nil {
		return Packet{}, fmt.Errorf("%w: reading pkt-line payload: %s", giterrors.ErrProtocolViolation, err)
	}
	return Packet{Kind: KindData, Data: data}, nil
}

// ReadLine reads the next pkt-line, returning io.EOF when it is a
// flush-pkt. A convenience over ReadPacket for callers only dealing with
// data lines terminated by flush.
func (r *Reader) ReadLine() ([]byte, error) {
	pkt, err := r.ReadPacket()
	if err != nil {
		return nil, err
	}
	if pkt.Kind != KindData {
		return nil, io.EOF
	}
	return pkt.Data, nil
}

// Writer encodes pkt-lines to an underlying writer.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w for pkt-line encoding.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteData encodes p as a single data pkt-line.
func (w *Writer) WriteData(p []byte) error {
	if len(p) > MaxDataSize {
		return ErrTooLong
	}
	if _, err := fmt.Fprintf(w.w, "%04x", len(p)+LengthSize); err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	if _, err := w.w.Write(p); err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return nil
}

// WriteString encodes s as a single data pkt-line.
func (w *Writer) WriteString(s string) error {
	return w.WriteData([]byte(s))
}

// WriteFlush writes a flush-pkt.
func (w *Writer) WriteFlush() error {
	return w.writeSpecial("0000")
}

// WriteDelim writes a delim-pkt.
func (w *Writer) WriteDelim() error {
	return w.writeSpecial("0001")
}

// WriteResponseEnd writes a response-end-pkt.
func (w *Writer) WriteResponseEnd() error {
	return w.writeSpecial("0002")
}

func (w *Writer) writeSpecial(s string) error {
	if _, err := io.WriteString(w.w, s); err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return nil
}

// WriteSideBand frames payload on side-band channel (1 = pack data, 2 =
// progress, 3 = error), splitting it into frames that each carry the
// channel byte plus at most maxData payload bytes (SideBandDataSize or
// SideBand64kDataSize depending on the negotiated capability), and never
// more than MaxDataSize bytes in all.
func (w *Writer) WriteSideBand(channel byte, payload []byte, maxData int) error {
	budget := maxData
	if budget > MaxDataSize-1 {
		budget = MaxDataSize - 1
	}
	if budget <= 0 {
		return fmt.Errorf("%w: side-band frame budget must be positive", giterrors.ErrProtocolViolation)
	}
	if len(payload) == 0 {
		return w.WriteData([]byte{channel})
	}
	for len(payload) > 0 {
		n := len(payload)
		if n > budget {
			n = budget
		}
		frame := make([]byte, n+1)
		frame[0] = channel
		copy(frame[1:], payload[:n])
		if err := w.WriteData(frame); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}
