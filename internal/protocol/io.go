package protocol

import (
	"context"
	"sync"
)

// ExactReader reads exactly n bytes or fails.
type ExactReader interface {
	ReadExact(ctx context.Context, n int) ([]byte, error)
}

// ExactWriter writes every byte of b or fails.
type ExactWriter interface {
	WriteAll(ctx context.Context, b []byte) error
}

// MessageReader reads messages from an ExactReader.
type MessageReader struct {
	r          ExactReader
	maxPayload uint32
}

// NewMessageReader creates a MessageReader. A maxPayload of 0 means MaxPayload.
func NewMessageReader(r ExactReader, maxPayload uint32) *MessageReader {
	if maxPayload == 0 {
		maxPayload = MaxPayload
	}
	return &MessageReader{r: r, maxPayload: maxPayload}
}

// Read reads the next message: the header, then the payload if its length is non-zero.
// When verify is true the payload checksum is checked against the header.
func (mr *MessageReader) Read(ctx context.Context, verify bool) (*Message, error) {
	buf, err := mr.r.ReadExact(ctx, HeaderSize)
	if err != nil {
		return nil, err
	}

	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if err := h.Validate(mr.maxPayload); err != nil {
		return nil, err
	}

	msg := &Message{Command: h.Command, Arg0: h.Arg0, Arg1: h.Arg1}
	if h.Length == 0 {
		return msg, nil
	}

	payload, err := mr.r.ReadExact(ctx, int(h.Length))
	if err != nil {
		return nil, err
	}
	if verify {
		if err := VerifyChecksum(payload, h.Checksum); err != nil {
			return nil, err
		}
	}
	msg.Payload = payload

	return msg, nil
}

// MessageWriter writes messages to an ExactWriter. Writes are serialised so
// header and payload of concurrent messages never interleave.
type MessageWriter struct {
	mu sync.Mutex
	w  ExactWriter
}

// NewMessageWriter creates a MessageWriter.
func NewMessageWriter(w ExactWriter) *MessageWriter {
	return &MessageWriter{w: w}
}

// Write encodes and writes a message.
func (mw *MessageWriter) Write(ctx context.Context, m *Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}

	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.w.WriteAll(ctx, data)
}
