// Package stream implements ADB logical streams multiplexed over one session.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/adbridge/internal/logging"
	"github.com/postalsys/adbridge/internal/metrics"
	"github.com/postalsys/adbridge/internal/protocol"
)

var (
	// ErrStreamClosed is returned by operations on a closing or closed stream.
	ErrStreamClosed = errors.New("stream closed")

	// ErrOverflow faults a stream whose inbound buffer filled up, either
	// because the device sent WRTEs without waiting for OKAY or because
	// nothing reads the stream.
	ErrOverflow = errors.New("stream receive buffer overflow")
)

// dataBuffer is how many unread WRTE payloads a stream holds.
const dataBuffer = 16

// State represents the state of a stream.
type State int32

const (
	StateOpening State = iota // OPEN sent, waiting for the device's OKAY
	StateOpen
	StateClosing // we sent CLSE, waiting for the device's CLSE
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Sender writes a message to the device.
type Sender interface {
	Send(ctx context.Context, m *protocol.Message) error
}

// Stream is one logical channel. Inbound payloads are read with Recv or
// Data; each one must be acknowledged with Ack before the device sends the
// next. Writes are lock-step: one WRTE in flight until the device's OKAY.
type Stream struct {
	localID     uint32
	remoteID    atomic.Uint32
	destination string
	maxData     int
	addressMode AddressMode

	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
	err   error

	writeMu sync.Mutex
	ackCh   chan struct{}
	data    chan []byte

	openedAt  time.Time
	readyOnce sync.Once
	ready     chan struct{}
	closing   chan struct{}
	done      chan struct{}
	finish    sync.Once
	onRelease func(*Stream)
}

func newStream(localID uint32, destination string, cfg Config, onRelease func(*Stream)) *Stream {
	s := &Stream{
		localID:     localID,
		destination: destination,
		maxData:     cfg.MaxData,
		addressMode: cfg.AddressMode,
		sender:      cfg.Sender,
		logger:      logging.OrNop(cfg.Logger).With(logging.KeyStreamID, localID),
		metrics:     cfg.Metrics,
		state:       StateOpening,
		ackCh:       make(chan struct{}, 1),
		data:        make(chan []byte, dataBuffer),
		openedAt:    time.Now(),
		ready:       make(chan struct{}),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
		onRelease:   onRelease,
	}
	if s.maxData <= 0 || s.maxData > protocol.MaxPayload {
		s.maxData = protocol.MaxPayload
	}
	return s
}

// LocalID returns the id this side assigned.
func (s *Stream) LocalID() uint32 {
	return s.localID
}

// RemoteID returns the device's id for the stream, or 0 while unclaimed.
func (s *Stream) RemoteID() uint32 {
	return s.remoteID.Load()
}

// Destination returns the service string the stream was opened with.
func (s *Stream) Destination() string {
	return s.destination
}

// State returns the current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fault that terminated the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Data returns the channel of inbound WRTE payloads.
func (s *Stream) Data() <-chan []byte {
	return s.data
}

// Done is closed once the stream reaches StateClosed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Ready is closed when the device acknowledges the OPEN.
func (s *Stream) Ready() <-chan struct{} {
	return s.ready
}

// peerID is arg1 of outbound messages. It is the local id unless
// AddressRemote is set and the device's id is known.
func (s *Stream) peerID() uint32 {
	if s.addressMode == AddressRemote {
		if id := s.RemoteID(); id != 0 {
			return id
		}
	}
	return s.localID
}

// Open sends the OPEN message.
func (s *Stream) Open(ctx context.Context) error {
	if err := s.sender.Send(ctx, protocol.NewOpen(s.localID, s.destination)); err != nil {
		s.Fault(err)
		return err
	}
	return nil
}

// Recv returns the next inbound payload. Buffered payloads are returned
// before io.EOF (clean close) or the fault error.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.data:
		return b, nil
	default:
	}

	select {
	case b := <-s.data:
		return b, nil
	case <-s.done:
		select {
		case b := <-s.data:
			return b, nil
		default:
		}
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack acknowledges the last received payload so the device may send the next.
func (s *Stream) Ack(ctx context.Context) error {
	if s.State() == StateClosed {
		return ErrStreamClosed
	}
	return s.sender.Send(ctx, protocol.NewOkay(s.localID, s.peerID()))
}

// Write sends b as one or more WRTE messages, waiting for the device's OKAY
// after each. Payloads larger than the negotiated maximum are split.
func (s *Stream) Write(ctx context.Context, b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.waitReady(ctx); err != nil {
		return err
	}

	for len(b) > 0 {
		n := min(len(b), s.maxData)
		if err := s.writeOne(ctx, b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (s *Stream) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.usable()
	case <-s.closing:
		return s.closedErr()
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) usable() error {
	switch s.State() {
	case StateClosing, StateClosed:
		return s.closedErr()
	}
	return nil
}

func (s *Stream) closedErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrStreamClosed
}

func (s *Stream) writeOne(ctx context.Context, chunk []byte) error {
	if err := s.usable(); err != nil {
		return err
	}

	// Drop an ack that arrived without a pending write.
	select {
	case <-s.ackCh:
	default:
	}

	start := time.Now()
	if err := s.sender.Send(ctx, protocol.NewWrite(s.localID, s.peerID(), chunk)); err != nil {
		return err
	}

	select {
	case <-s.ackCh:
		s.metrics.RecordWriteAck(time.Since(start).Seconds())
		return nil
	case <-s.closing:
		return s.closedErr()
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle processes a message routed to this stream by the dispatcher.
func (s *Stream) Handle(ctx context.Context, m *protocol.Message) {
	switch m.Command {
	case protocol.CmdOkay:
		s.handleOkay()
	case protocol.CmdWrte:
		s.handleWrite(ctx, m.Payload)
	case protocol.CmdClse:
		s.handleClose(ctx)
	default:
		s.logger.Debug("ignoring message", logging.KeyCommand, m.Command.String())
	}
}

func (s *Stream) handleOkay() {
	s.mu.Lock()
	opening := s.state == StateOpening
	if opening {
		s.state = StateOpen
	}
	s.mu.Unlock()

	if opening {
		s.markReady()
		return
	}

	select {
	case s.ackCh <- struct{}{}:
	default:
	}
}

func (s *Stream) markReady() {
	s.readyOnce.Do(func() {
		s.metrics.RecordStreamReady(time.Since(s.openedAt).Seconds())
		close(s.ready)
	})
}

// handleWrite never blocks the dispatcher: a full buffer faults the stream
// and closes it on the device.
func (s *Stream) handleWrite(ctx context.Context, payload []byte) {
	s.mu.Lock()
	opening := s.state == StateOpening
	if opening {
		s.state = StateOpen
	}
	s.mu.Unlock()
	if opening {
		s.markReady()
	}

	select {
	case s.data <- payload:
		return
	case <-s.done:
		return
	default:
	}

	s.logger.Warn("dropping stream with full receive buffer", logging.KeyCount, dataBuffer)
	s.Fault(ErrOverflow)
	s.send(ctx, protocol.NewClose(s.localID, s.peerID()))
}

// handleClose answers the device's CLSE. If we had not closed, the stream
// closes now and replies OKAY then CLSE. If we had, the device's CLSE
// completes our close and is answered with one more CLSE.
func (s *Stream) handleClose(ctx context.Context) {
	s.mu.Lock()
	prev := s.state
	if prev != StateClosed {
		s.state = StateClosed
	}
	s.mu.Unlock()

	switch prev {
	case StateOpening, StateOpen:
		s.complete()
		s.send(ctx, protocol.NewOkay(s.localID, s.peerID()))
		s.send(ctx, protocol.NewClose(s.localID, s.peerID()))
	case StateClosing:
		s.send(ctx, protocol.NewClose(s.localID, s.peerID()))
		s.complete()
	}
}

// Close starts a local close: CLSE is sent without waiting for the device.
// The stream reaches StateClosed when the device's CLSE arrives or the
// session ends. Blocked writers return ErrStreamClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	prev := s.state
	if prev == StateOpening || prev == StateOpen {
		s.state = StateClosing
		close(s.closing)
	}
	s.mu.Unlock()

	if prev == StateOpening || prev == StateOpen {
		s.send(context.Background(), protocol.NewClose(s.localID, s.peerID()))
	}
	return nil
}

// Wait blocks until the stream is closed or ctx is done.
func (s *Stream) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fault terminates the stream with err without sending anything.
func (s *Stream) Fault(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.state != StateClosing {
		close(s.closing)
	}
	s.state = StateClosed
	s.err = err
	s.mu.Unlock()

	s.complete()
}

// complete publishes the closed state and releases the stream.
func (s *Stream) complete() {
	s.finish.Do(func() {
		close(s.done)
		if s.onRelease != nil {
			s.onRelease(s)
		}
	})
}

func (s *Stream) send(ctx context.Context, m *protocol.Message) {
	if err := s.sender.Send(ctx, m); err != nil {
		s.logger.Debug("send failed",
			logging.KeyCommand, m.Command.String(),
			logging.KeyError, err)
	}
}

// String returns a debug representation.
func (s *Stream) String() string {
	return fmt.Sprintf("Stream{local=%d, remote=%d, state=%s, dest=%q}",
		s.localID, s.RemoteID(), s.State(), s.destination)
}
