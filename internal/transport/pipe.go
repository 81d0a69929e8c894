package transport

import (
	"bytes"
	"io"
	"sync"
)

// Pipe returns two connected in-memory Raw ends. Unlike net.Pipe, writes are
// buffered and never wait for the reader, so both sides may write at once.
func Pipe() (Raw, Raw) {
	ab := newPipeBuffer()
	ba := newPipeBuffer()
	return &pipeEnd{r: ba, w: ab}, &pipeEnd{r: ab, w: ba}
}

type pipeBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newPipeBuffer() *pipeBuffer {
	b := &pipeBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *pipeBuffer) read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.buf.Len() == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.buf.Len() == 0 {
		return 0, io.EOF
	}
	return b.buf.Read(p)
}

func (b *pipeBuffer) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := b.buf.Write(p)
	b.cond.Broadcast()
	return n, nil
}

func (b *pipeBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

type pipeEnd struct {
	r, w *pipeBuffer
}

func (e *pipeEnd) Read(p []byte) (int, error)  { return e.r.read(p) }
func (e *pipeEnd) Write(p []byte) (int, error) { return e.w.write(p) }

// Close shuts both directions; pending data stays readable by the peer.
func (e *pipeEnd) Close() error {
	e.r.close()
	e.w.close()
	return nil
}
