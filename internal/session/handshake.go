package session

import (
	"fmt"
	"time"

	"github.com/postalsys/adbridge/internal/adbkey"
	"github.com/postalsys/adbridge/internal/logging"
	"github.com/postalsys/adbridge/internal/protocol"
	"github.com/postalsys/adbridge/internal/recovery"
)

// authWarnEvery throttles repeated-challenge warnings once the first few
// have been logged.
const authWarnEvery = 10

// handleConnect completes the handshake from the device's CNXN banner.
func (s *Session) handleConnect(m *protocol.Message) {
	banner := protocol.ParseBanner(m.Payload)

	s.mu.Lock()
	s.version = m.Arg0
	s.maxData = m.Arg1
	s.banner = banner
	s.mu.Unlock()

	if m.Arg1 > 0 {
		s.registry.SetMaxData(int(min(m.Arg1, s.cfg.MaxPayload)))
	}

	s.state.Store(int32(StateConnected))

	first := false
	s.connectOnce.Do(func() {
		first = true
		close(s.connected)
	})
	if !first {
		s.logger.Info("device re-sent CNXN", logging.KeyEnvironment, banner.Environment)
		return
	}

	var latency time.Duration
	if at := s.connectAt.Load(); at != 0 {
		latency = time.Since(time.Unix(0, at))
	}
	s.metrics.RecordConnected(latency.Seconds())

	s.logger.Info("connected",
		logging.Hex32(logging.KeyVersion, m.Arg0),
		logging.KeyEnvironment, banner.Environment,
		logging.KeyCount, len(banner.Features),
		logging.KeyDuration, latency)

	if cb := s.cfg.OnConnected; cb != nil {
		go func() {
			defer recovery.RecoverWithLog(s.logger, "connected callback")
			cb(s)
		}()
	}
}

// handleAuth answers a TOKEN challenge with the public key. Signing the
// token is not attempted, so the device prompts the user to accept the key.
func (s *Session) handleAuth(m *protocol.Message) {
	if m.Arg0 != protocol.AuthToken {
		s.logger.Debug("ignoring AUTH", "type", protocol.AuthTypeName(m.Arg0))
		return
	}

	s.state.CompareAndSwap(int32(StateDisconnected), int32(StateAwaitingAuth))
	s.metrics.RecordAuthChallenge()

	if n := s.authChallenges.Add(1); n > 1 && (n <= authWarnEvery || n%authWarnEvery == 0) {
		s.logger.Warn("device repeated AUTH challenge; key not accepted yet",
			logging.KeyCount, n)
	}

	payload, err := s.publicKeyPayload()
	if err != nil {
		s.logger.Error("cannot answer AUTH", logging.KeyError, err)
		return
	}
	if err := s.Send(s.ctx, protocol.NewAuth(protocol.AuthRSAPublic, payload)); err != nil {
		s.logger.Warn("AUTH reply failed", logging.KeyError, err)
	}
}

// publicKeyPayload builds the AUTH RSA_PUBLIC payload once per session.
func (s *Session) publicKeyPayload() ([]byte, error) {
	s.authOnce.Do(func() {
		key := s.cfg.Key
		if key == nil {
			s.logger.Warn("no adb key configured; using an ephemeral key")
			key, s.authErr = adbkey.Generate()
			if s.authErr != nil {
				return
			}
		}
		s.authPayload, s.authErr = adbkey.TransportString(key.Blob, s.cfg.Identity)
		if s.authErr != nil {
			s.authErr = fmt.Errorf("encode public key: %w", s.authErr)
		}
	})
	return s.authPayload, s.authErr
}
