package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/postalsys/adbridge/internal/metrics"
	"github.com/postalsys/adbridge/internal/protocol"
)

// ErrTooManyStreams is returned when the live stream limit is reached.
var ErrTooManyStreams = errors.New("too many streams")

// BindMode selects how an inbound message finds a stream whose device id
// is not yet known.
type BindMode int

const (
	// BindFirstUnclaimed gives the message to the oldest stream with no
	// device id. Streams opened back to back before the device answers may
	// be paired with the wrong device socket.
	BindFirstUnclaimed BindMode = iota

	// BindByLocalID pairs the message with the stream whose local id equals
	// arg1, falling back to BindFirstUnclaimed when none matches.
	BindByLocalID
)

// String returns the config name of the mode.
func (m BindMode) String() string {
	switch m {
	case BindFirstUnclaimed:
		return "first-unclaimed"
	case BindByLocalID:
		return "local-id"
	default:
		return "unknown"
	}
}

// ParseBindMode parses a config name.
func ParseBindMode(s string) (BindMode, error) {
	switch s {
	case "", "first-unclaimed":
		return BindFirstUnclaimed, nil
	case "local-id":
		return BindByLocalID, nil
	default:
		return 0, fmt.Errorf("unknown bind mode: %q", s)
	}
}

// AddressMode selects the arg1 of outbound WRTE, OKAY and CLSE.
type AddressMode int

const (
	// AddressLocal sends the local id in both arguments, the shape adbd
	// has always accepted from this client.
	AddressLocal AddressMode = iota

	// AddressRemote sends the device's id in arg1 once it is known, as
	// the reference adb host does.
	AddressRemote
)

// String returns the config name of the mode.
func (m AddressMode) String() string {
	switch m {
	case AddressLocal:
		return "local"
	case AddressRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// ParseAddressMode parses a config name.
func ParseAddressMode(s string) (AddressMode, error) {
	switch s {
	case "", "local":
		return AddressLocal, nil
	case "remote":
		return AddressRemote, nil
	default:
		return 0, fmt.Errorf("unknown address mode: %q", s)
	}
}

// retiredLimit bounds how many closed device ids are remembered.
const retiredLimit = 64

// Config configures streams created by a Registry.
type Config struct {
	Sender      Sender
	BindMode    BindMode
	AddressMode AddressMode
	MaxStreams  int // 0 means unlimited
	MaxData     int // largest WRTE payload; 0 means protocol.MaxPayload
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Registry is the lock-protected set of live streams on one session. It
// allocates local ids from a counter that never repeats within a session.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	nextID  uint32
	streams []*Stream
	retired map[uint32]struct{}
	order   []uint32
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg,
		retired: make(map[uint32]struct{}),
	}
}

// SetMaxData updates the WRTE payload bound for streams created afterwards.
func (r *Registry) SetMaxData(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.MaxData = n
}

// Create allocates a local id and registers a new stream in StateOpening.
// Nothing is sent; call Open on the result.
func (r *Registry) Create(destination string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.MaxStreams > 0 && len(r.streams) >= r.cfg.MaxStreams {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyStreams, r.cfg.MaxStreams)
	}

	r.nextID++
	s := newStream(r.nextID, destination, r.cfg, r.release)
	r.streams = append(r.streams, s)
	r.cfg.Metrics.RecordStreamOpen()
	return s, nil
}

// Route finds the stream an inbound OKAY, WRTE or CLSE belongs to, binding
// the device id (arg0) to an unclaimed stream when no stream holds it yet.
// It returns nil when no stream can take the message; other commands never
// bind a stream.
func (r *Registry) Route(m *protocol.Message) *Stream {
	switch m.Command {
	case protocol.CmdOkay, protocol.CmdWrte, protocol.CmdClse:
	default:
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Arg0 != 0 {
		for _, s := range r.streams {
			if s.RemoteID() == m.Arg0 {
				return s
			}
		}
	}

	if r.cfg.BindMode == BindByLocalID {
		for _, s := range r.streams {
			if s.localID == m.Arg1 && s.RemoteID() == 0 {
				s.remoteID.Store(m.Arg0)
				return s
			}
		}
	}

	// A message for a device socket we already closed must not claim a new stream.
	if _, stale := r.retired[m.Arg0]; stale {
		return nil
	}

	for _, s := range r.streams {
		if s.RemoteID() == 0 {
			s.remoteID.Store(m.Arg0)
			return s
		}
	}
	return nil
}

// Len returns the number of live streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// All returns a snapshot of the live streams.
func (r *Registry) All() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Stream, len(r.streams))
	copy(out, r.streams)
	return out
}

// FaultAll terminates every live stream with err.
func (r *Registry) FaultAll(err error) {
	for _, s := range r.All() {
		s.Fault(err)
	}
}

// CloseAll starts a local close on every live stream.
func (r *Registry) CloseAll() {
	for _, s := range r.All() {
		s.Close()
	}
}

// release removes a closed stream and remembers its device id.
func (r *Registry) release(s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, x := range r.streams {
		if x == s {
			r.streams = append(r.streams[:i], r.streams[i+1:]...)
			r.cfg.Metrics.RecordStreamClose()
			break
		}
	}

	if id := s.RemoteID(); id != 0 {
		if _, ok := r.retired[id]; !ok {
			r.retired[id] = struct{}{}
			r.order = append(r.order, id)
			if len(r.order) > retiredLimit {
				delete(r.retired, r.order[0])
				r.order = r.order[1:]
			}
		}
	}
}
