// Package session runs one ADB connection: the CNXN/AUTH handshake, the
// dispatcher that demultiplexes inbound messages onto streams, and stream
// opening and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/adbridge/internal/adbkey"
	"github.com/postalsys/adbridge/internal/logging"
	"github.com/postalsys/adbridge/internal/metrics"
	"github.com/postalsys/adbridge/internal/protocol"
	"github.com/postalsys/adbridge/internal/stream"
	"github.com/postalsys/adbridge/internal/transport"
)

var (
	// ErrNotConnected is returned by queries and stream opens issued before
	// the handshake completes.
	ErrNotConnected = errors.New("not connected")

	// ErrProtocolFault wraps the cause that stopped the dispatcher. It is
	// delivered to every live stream.
	ErrProtocolFault = errors.New("protocol fault")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// State represents the handshake state of a session.
type State int32

const (
	StateDisconnected State = iota
	StateAwaitingAuth
	StateConnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateAwaitingAuth:
		return "AWAITING_AUTH"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Config contains configuration for a session.
type Config struct {
	// Features advertised in the CNXN banner. Empty means protocol.DefaultFeatures.
	Features []string

	// Identity is appended to the public key sent on AUTH. Empty means adbkey.Identity().
	Identity string

	// Key answers AUTH challenges. When nil an ephemeral key is generated
	// on the first challenge; the device will prompt for it every time.
	Key *adbkey.Key

	// VerifyChecksums enables payload checksum checks on the dispatcher loop.
	VerifyChecksums bool

	BindMode stream.BindMode

	// AddressMode selects arg1 of outbound OKAY, WRTE and CLSE. The zero
	// value addresses every message to the local id.
	AddressMode stream.AddressMode

	MaxStreams int

	// MaxPayload bounds inbound payloads and outbound WRTE chunks. 0 means protocol.MaxPayload.
	MaxPayload uint32

	Retry   transport.RetryPolicy
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnConnected is called on its own goroutine when the device's CNXN arrives.
	OnConnected func(*Session)
}

// Session is one ADB connection over a raw transport.
type Session struct {
	cfg      Config
	port     *transport.Port
	reader   *protocol.MessageReader
	writer   *protocol.MessageWriter
	registry *stream.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	state atomic.Int32

	mu      sync.RWMutex
	banner  protocol.Banner
	version uint32
	maxData uint32

	connected   chan struct{}
	connectOnce sync.Once
	connectAt   atomic.Int64

	authOnce       sync.Once
	authPayload    []byte
	authErr        error
	authChallenges atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error

	closing   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	shellMu sync.Mutex
}

// New wraps raw and starts the dispatcher. Call Connect to perform the handshake.
func New(raw transport.Raw, cfg Config) *Session {
	if len(cfg.Features) == 0 {
		cfg.Features = protocol.DefaultFeatures
	}
	if cfg.Identity == "" {
		cfg.Identity = adbkey.Identity()
	}
	if cfg.MaxPayload == 0 || cfg.MaxPayload > protocol.MaxPayload {
		cfg.MaxPayload = protocol.MaxPayload
	}

	logger := logging.Component(cfg.Logger, "session")
	ctx, cancel := context.WithCancel(context.Background())

	port := transport.NewPort(raw, transport.PortConfig{
		Retry:   cfg.Retry,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})

	s := &Session{
		cfg:       cfg,
		port:      port,
		reader:    protocol.NewMessageReader(port, cfg.MaxPayload),
		writer:    protocol.NewMessageWriter(port),
		logger:    logger,
		metrics:   cfg.Metrics,
		connected: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.registry = stream.NewRegistry(stream.Config{
		Sender:      s,
		BindMode:    cfg.BindMode,
		AddressMode: cfg.AddressMode,
		MaxStreams:  cfg.MaxStreams,
		MaxData:     int(cfg.MaxPayload),
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})

	go s.loop()
	return s
}

// Connect sends CNXN and waits for the device's CNXN. If ctx expires first
// the session stays usable and Connect may be called again.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.connected:
		return nil
	default:
	}
	if err := s.Err(); err != nil {
		return err
	}

	s.connectAt.CompareAndSwap(0, time.Now().UnixNano())
	s.state.CompareAndSwap(int32(StateDisconnected), int32(StateAwaitingAuth))

	if err := s.Send(ctx, protocol.NewConnect(s.cfg.Features)); err != nil {
		return fmt.Errorf("send CNXN: %w", err)
	}

	select {
	case <-s.connected:
		return nil
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return fmt.Errorf("connect: %w", ctx.Err())
	}
}

// Send writes a message to the device.
func (s *Session) Send(ctx context.Context, m *protocol.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.writer.Write(ctx, m); err != nil {
		return err
	}
	s.metrics.RecordMessageSent(m.Command.String())
	s.logger.Debug("sent",
		logging.KeyCommand, m.Command.String(),
		logging.KeyArg0, m.Arg0,
		logging.KeyArg1, m.Arg1,
		logging.KeyLength, len(m.Payload))
	return nil
}

// State returns the handshake state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connected is closed when the handshake completes.
func (s *Session) Connected() <-chan struct{} {
	return s.connected
}

// IsConnected reports whether the handshake has completed and the session is live.
func (s *Session) IsConnected() bool {
	if s.State() != StateConnected {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// ProtocolVersion returns the version the device sent in its CNXN.
func (s *Session) ProtocolVersion() (uint32, error) {
	if s.State() != StateConnected {
		return 0, ErrNotConnected
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

// MaxData returns the largest payload the device accepts.
func (s *Session) MaxData() (uint32, error) {
	if s.State() != StateConnected {
		return 0, ErrNotConnected
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxData, nil
}

// Environment returns the device's banner environment, e.g. "device".
func (s *Session) Environment() (string, error) {
	if s.State() != StateConnected {
		return "", ErrNotConnected
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.banner.Environment, nil
}

// Variables returns a copy of the device's banner key/value pairs.
func (s *Session) Variables() (map[string]string, error) {
	if s.State() != StateConnected {
		return nil, ErrNotConnected
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.banner.Variables))
	maps.Copy(out, s.banner.Variables)
	return out, nil
}

// Features returns a copy of the device's feature list.
func (s *Session) Features() ([]string, error) {
	if s.State() != StateConnected {
		return nil, ErrNotConnected
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.banner.Features), nil
}

// HasFeature reports whether the device advertised name. It is false before connection.
func (s *Session) HasFeature(name string) bool {
	features, err := s.Features()
	if err != nil {
		return false
	}
	return slices.Contains(features, name)
}

// ShellLock returns the lock that serialises shell executions on this
// session. Every Device built on the session shares it.
func (s *Session) ShellLock() sync.Locker {
	return &s.shellMu
}

// OpenStream registers a stream and sends OPEN for destination. The
// stream accepts writes once the device acknowledges the OPEN.
func (s *Session) OpenStream(ctx context.Context, destination string) (*stream.Stream, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}
	if s.State() != StateConnected {
		return nil, ErrNotConnected
	}

	st, err := s.registry.Create(destination)
	if err != nil {
		return nil, err
	}
	if err := st.Open(ctx); err != nil {
		return nil, fmt.Errorf("open %q: %w", destination, err)
	}

	s.logger.Debug("stream opened",
		logging.KeyStreamID, st.LocalID(),
		logging.KeyDestination, destination)
	return st, nil
}

// AuthChallenges returns how many AUTH TOKEN challenges the device sent.
func (s *Session) AuthChallenges() int {
	return int(s.authChallenges.Load())
}

// Streams returns the number of live streams.
func (s *Session) Streams() int {
	return s.registry.Len()
}

// Err returns the error that stopped the session, or nil while it runs.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Done is closed when the dispatcher exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close sends CLSE for every live stream, stops the dispatcher and closes
// the transport. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.registry.CloseAll()
		s.closed.Store(true)

		s.cancel()
		s.closeErr = s.port.Close()
		<-s.done

		s.registry.FaultAll(ErrClosed)
		if s.State() == StateConnected {
			s.metrics.RecordDisconnected()
		}
		s.logger.Debug("session closed")
	})
	return s.closeErr
}
