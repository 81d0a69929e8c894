package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFraming is returned when a header is the wrong size or its magic does not match.
	ErrFraming = errors.New("framing error")

	// ErrIntegrity is returned when a payload checksum does not match the header.
	ErrIntegrity = errors.New("integrity error")

	// ErrPayloadTooLarge is returned when a payload exceeds the maximum size.
	ErrPayloadTooLarge = fmt.Errorf("%w: payload exceeds maximum size", ErrFraming)
)

// Header is the decoded 24-byte message header.
// Wire format (little-endian u32 each):
//
//	Command  - command code
//	Arg0     - first argument
//	Arg1     - second argument
//	Length   - payload length
//	Checksum - additive payload checksum
//	Magic    - Command ^ 0xFFFFFFFF
type Header struct {
	Command  Command
	Arg0     uint32
	Arg1     uint32
	Length   uint32
	Checksum uint32
	Magic    uint32
}

// Message is a single protocol message.
type Message struct {
	Command Command
	Arg0    uint32
	Arg1    uint32
	Payload []byte
}

// Checksum returns the additive sum of payload bytes modulo 2^32.
// It is not a CRC; peers compute the same weak sum.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// VerifyChecksum checks payload against the checksum declared in its header.
func VerifyChecksum(payload []byte, declared uint32) error {
	if got := Checksum(payload); got != declared {
		return fmt.Errorf("%w: checksum 0x%08x, header declares 0x%08x", ErrIntegrity, got, declared)
	}
	return nil
}

// Encode serializes the message as header followed by payload.
func (m *Message) Encode() ([]byte, error) {
	if len(m.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(m.Payload))
	m.Header().put(buf)
	copy(buf[HeaderSize:], m.Payload)

	return buf, nil
}

// put writes h into the first HeaderSize bytes of buf.
func (h Header) put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Command))
	binary.LittleEndian.PutUint32(buf[4:8], h.Arg0)
	binary.LittleEndian.PutUint32(buf[8:12], h.Arg1)
	binary.LittleEndian.PutUint32(buf[12:16], h.Length)
	binary.LittleEndian.PutUint32(buf[16:20], h.Checksum)
	binary.LittleEndian.PutUint32(buf[20:24], h.Magic)
}

// Header returns the header that Encode would produce for the message.
func (m *Message) Header() Header {
	return Header{
		Command:  m.Command,
		Arg0:     m.Arg0,
		Arg1:     m.Arg1,
		Length:   uint32(len(m.Payload)),
		Checksum: Checksum(m.Payload),
		Magic:    m.Command.Magic(),
	}
}

// DecodeHeader decodes a header from exactly HeaderSize bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("%w: header is %d bytes, want %d", ErrFraming, len(buf), HeaderSize)
	}

	h := Header{
		Command:  Command(binary.LittleEndian.Uint32(buf[0:4])),
		Arg0:     binary.LittleEndian.Uint32(buf[4:8]),
		Arg1:     binary.LittleEndian.Uint32(buf[8:12]),
		Length:   binary.LittleEndian.Uint32(buf[12:16]),
		Checksum: binary.LittleEndian.Uint32(buf[16:20]),
		Magic:    binary.LittleEndian.Uint32(buf[20:24]),
	}

	if h.Magic != h.Command.Magic() {
		return Header{}, fmt.Errorf("%w: magic 0x%08x does not match command 0x%08x", ErrFraming, h.Magic, uint32(h.Command))
	}

	return h, nil
}

// Validate checks that the declared payload length is within limit.
func (h Header) Validate(limit uint32) error {
	if h.Length > limit {
		return fmt.Errorf("%w: declared length %d, limit %d", ErrPayloadTooLarge, h.Length, limit)
	}
	return nil
}

// Decode decodes a header-only buffer into a message with no payload.
func Decode(buf []byte) (*Message, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	return &Message{Command: h.Command, Arg0: h.Arg0, Arg1: h.Arg1}, nil
}

// String returns a debug representation of the message.
func (m *Message) String() string {
	if m.Command == CmdAuth {
		return fmt.Sprintf("Message{%s, Type=%s, Len=%d}", m.Command, AuthTypeName(m.Arg0), len(m.Payload))
	}
	return fmt.Sprintf("Message{%s, Arg0=%d, Arg1=%d, Len=%d}", m.Command, m.Arg0, m.Arg1, len(m.Payload))
}

// NewConnect builds the CNXN message advertising the given host features.
func NewConnect(features []string) *Message {
	return &Message{
		Command: CmdCnxn,
		Arg0:    Version,
		Arg1:    ConnectMaxData,
		Payload: []byte("host::features=" + strings.Join(features, ",")),
	}
}

// NewAuth builds an AUTH message of the given token type.
func NewAuth(authType uint32, data []byte) *Message {
	return &Message{Command: CmdAuth, Arg0: authType, Payload: data}
}

// NewOpen builds an OPEN message for a NUL-terminated destination service.
func NewOpen(localID uint32, destination string) *Message {
	return &Message{Command: CmdOpen, Arg0: localID, Payload: append([]byte(destination), 0)}
}

// NewWrite builds a WRTE message.
func NewWrite(localID, remoteID uint32, data []byte) *Message {
	return &Message{Command: CmdWrte, Arg0: localID, Arg1: remoteID, Payload: data}
}

// NewOkay builds an OKAY message.
func NewOkay(localID, remoteID uint32) *Message {
	return &Message{Command: CmdOkay, Arg0: localID, Arg1: remoteID}
}

// NewClose builds a CLSE message.
func NewClose(localID, remoteID uint32) *Message {
	return &Message{Command: CmdClse, Arg0: localID, Arg1: remoteID}
}
