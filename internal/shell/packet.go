// Package shell implements the shell v2 framing carried inside WRTE
// payloads: a one-byte channel id, a little-endian u32 length, then data.
package shell

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/postalsys/adbridge/internal/protocol"
)

// ErrPacketTooLarge is returned by Decoder.Feed when a header declares more
// data than the decoder accepts.
var ErrPacketTooLarge = errors.New("shell packet too large")

// ID identifies the channel a packet belongs to.
type ID uint8

const (
	IDStdin ID = iota
	IDStdout
	IDStderr
	IDExit
	IDCloseStdin
	IDWindowSize
)

// HeaderSize is the size of a packet header.
const HeaderSize = 5

// String returns a human-readable name for the id.
func (id ID) String() string {
	switch id {
	case IDStdin:
		return "STDIN"
	case IDStdout:
		return "STDOUT"
	case IDStderr:
		return "STDERR"
	case IDExit:
		return "EXIT"
	case IDCloseStdin:
		return "CLOSE_STDIN"
	case IDWindowSize:
		return "WINDOW_SIZE"
	default:
		return fmt.Sprintf("ID(%d)", uint8(id))
	}
}

// Packet is one shell v2 packet.
type Packet struct {
	ID   ID
	Data []byte
}

// Encode returns the wire form of the packet.
func (p Packet) Encode() []byte {
	return Encode(p.ID, p.Data)
}

// ExitCode returns the exit status carried by an IDExit packet.
func (p Packet) ExitCode() (int, error) {
	if p.ID != IDExit {
		return 0, fmt.Errorf("not an exit packet: %s", p.ID)
	}
	if len(p.Data) < 1 {
		return 0, fmt.Errorf("exit packet has no status")
	}
	return int(p.Data[0]), nil
}

// Encode frames data for channel id.
func Encode(id ID, data []byte) []byte {
	buf := make([]byte, HeaderSize+len(data))
	buf[0] = byte(id)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(data)))
	copy(buf[HeaderSize:], data)
	return buf
}

// WindowSizePayload returns the data of an IDWindowSize packet.
func WindowSizePayload(rows, cols int) []byte {
	return []byte(fmt.Sprintf("%dx%d,0x0\x00", rows, cols))
}

// NewWindowSize returns a window size packet.
func NewWindowSize(rows, cols int) Packet {
	return Packet{ID: IDWindowSize, Data: WindowSizePayload(rows, cols)}
}

// Decoder reassembles packets from a byte stream. Packets may be split
// across or concatenated within WRTE payloads.
type Decoder struct {
	// Max bounds the declared data length. 0 means protocol.MaxPayload.
	Max int

	buf []byte
	err error
}

// Feed appends b and returns every packet now complete, in order. Once a
// header declares more than Max bytes the decoder stops and every call
// returns ErrPacketTooLarge.
func (d *Decoder) Feed(b []byte) ([]Packet, error) {
	if d.err != nil {
		return nil, d.err
	}
	limit := d.Max
	if limit <= 0 {
		limit = protocol.MaxPayload
	}

	d.buf = append(d.buf, b...)

	var out []Packet
	for len(d.buf) >= HeaderSize {
		declared := binary.LittleEndian.Uint32(d.buf[1:5])
		if uint64(declared) > uint64(limit) {
			d.err = fmt.Errorf("%w: %s declares %d bytes, limit %d", ErrPacketTooLarge, ID(d.buf[0]), declared, limit)
			d.buf = nil
			return out, d.err
		}
		n := int(declared)
		if len(d.buf)-HeaderSize < n {
			break
		}
		data := make([]byte, n)
		copy(data, d.buf[HeaderSize:HeaderSize+n])
		out = append(out, Packet{ID: ID(d.buf[0]), Data: data})
		d.buf = d.buf[HeaderSize+n:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out, nil
}

// Buffered returns the number of bytes held for an incomplete packet.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
