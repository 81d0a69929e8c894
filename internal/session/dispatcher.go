package session

import (
	"errors"
	"fmt"

	"github.com/postalsys/adbridge/internal/logging"
	"github.com/postalsys/adbridge/internal/protocol"
	"github.com/postalsys/adbridge/internal/recovery"
	"github.com/postalsys/adbridge/internal/transport"
)

// loop reads and dispatches messages until the transport fails, a message
// cannot be decoded, or the session is closed.
func (s *Session) loop() {
	defer close(s.done)
	defer recovery.RecoverWithCallback(s.logger, "session dispatcher", s.fail)

	for {
		m, err := s.reader.Read(s.ctx, s.cfg.VerifyChecksums)
		if err != nil {
			s.fail(err)
			return
		}

		s.metrics.RecordMessageReceived(m.Command.String())
		s.logger.Debug("received",
			logging.KeyCommand, m.Command.String(),
			logging.KeyArg0, m.Arg0,
			logging.KeyArg1, m.Arg1,
			logging.KeyLength, len(m.Payload))

		s.dispatch(m)
	}
}

func (s *Session) dispatch(m *protocol.Message) {
	switch m.Command {
	case protocol.CmdCnxn:
		s.handleConnect(m)

	case protocol.CmdAuth:
		s.handleAuth(m)

	case protocol.CmdOpen:
		// Device-initiated streams are not served.
		s.logger.Debug("refusing device-initiated stream", logging.KeyRemoteID, m.Arg0)
		if err := s.Send(s.ctx, protocol.NewClose(0, m.Arg0)); err != nil {
			s.logger.Debug("refuse failed", logging.KeyError, err)
		}

	case protocol.CmdSync:
		s.logger.Debug("ignoring SYNC")

	case protocol.CmdOkay, protocol.CmdWrte, protocol.CmdClse:
		st := s.registry.Route(m)
		if st == nil {
			s.metrics.RecordUnrouted(m.Command.String())
			s.logger.Debug("no stream for message",
				logging.KeyCommand, m.Command.String(),
				logging.KeyRemoteID, m.Arg0,
				logging.KeyStreamID, m.Arg1)
			return
		}
		st.Handle(s.ctx, m)

	default:
		// Valid framing but a command this host does not speak (STLS and
		// friends). It must never bind a stream.
		label := m.Command.String()
		if !m.Command.Known() {
			label = "UNKNOWN"
		}
		s.metrics.RecordUnrouted(label)
		s.logger.Debug("dropping unsupported command",
			logging.KeyCommand, m.Command.String(),
			logging.KeyArg0, m.Arg0,
			logging.KeyArg1, m.Arg1)
	}
}

// fail records why the dispatcher stopped and faults every live stream.
func (s *Session) fail(cause error) {
	var err error
	if s.closing.Load() {
		err = ErrClosed
	} else {
		err = fmt.Errorf("%w: %w", ErrProtocolFault, cause)
		s.metrics.RecordFault(faultCause(cause))
		s.logger.Error("dispatcher stopped", logging.KeyError, cause)
	}

	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	err = s.err
	s.errMu.Unlock()

	s.registry.FaultAll(err)
}

// faultCause classifies an error for the faults metric.
func faultCause(err error) string {
	switch {
	case errors.Is(err, protocol.ErrIntegrity):
		return "integrity"
	case errors.Is(err, protocol.ErrFraming):
		return "framing"
	case errors.Is(err, transport.ErrTransport):
		return "transport"
	case errors.Is(err, recovery.ErrPanic):
		return "panic"
	default:
		return "other"
	}
}
