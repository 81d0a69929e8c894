// Package agent owns one device connection built from configuration.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/adbridge/internal/adbkey"
	"github.com/postalsys/adbridge/internal/config"
	"github.com/postalsys/adbridge/internal/device"
	"github.com/postalsys/adbridge/internal/health"
	"github.com/postalsys/adbridge/internal/logging"
	"github.com/postalsys/adbridge/internal/metrics"
	"github.com/postalsys/adbridge/internal/session"
	"github.com/postalsys/adbridge/internal/stream"
	"github.com/postalsys/adbridge/internal/transport"
)

// ErrNotStarted is returned by accessors used before Start succeeded.
var ErrNotStarted = errors.New("agent not started")

// Agent connects to the configured device and serves health endpoints for it.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	bindMode stream.BindMode
	addrMode stream.AddressMode

	key        *adbkey.Key
	keyCreated bool

	mu           sync.RWMutex
	sess         *session.Session
	dev          *device.Device
	healthServer *health.Server

	running  atomic.Bool
	stopOnce sync.Once
}

// New loads the adb key and prepares an agent; nothing is dialed until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bindMode, err := stream.ParseBindMode(cfg.Session.BindMode)
	if err != nil {
		return nil, err
	}
	addrMode, err := stream.ParseAddressMode(cfg.Session.AddressMode)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	}

	key, created, err := adbkey.LoadOrCreate(config.ExpandHome(cfg.Auth.KeyDir), identity(cfg))
	if err != nil {
		return nil, fmt.Errorf("load adb key: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &Agent{
		cfg:        cfg,
		logger:     logging.Component(logger, "agent"),
		registry:   reg,
		metrics:    metrics.NewMetricsWithRegistry(reg),
		bindMode:   bindMode,
		addrMode:   addrMode,
		key:        key,
		keyCreated: created,
	}
	if created {
		a.logger.Info("generated adb key",
			"dir", cfg.Auth.KeyDir,
			"fingerprint", key.Fingerprint())
	}
	return a, nil
}

func identity(cfg *config.Config) string {
	if cfg.Auth.Identity != "" {
		return cfg.Auth.Identity
	}
	return adbkey.Identity()
}

// Start starts the health server if enabled, then dials the device and
// completes the handshake within the configured connect timeout.
func (a *Agent) Start(ctx context.Context) error {
	if a.running.Swap(true) {
		return fmt.Errorf("agent already running")
	}

	if a.cfg.Health.Enabled {
		srv := health.NewServer(health.ServerConfig{
			Address:      a.cfg.Health.Address,
			ReadTimeout:  a.cfg.Health.ReadTimeout,
			WriteTimeout: a.cfg.Health.WriteTimeout,
			Gatherer:     a.registry,
		}, a)
		if err := srv.Start(); err != nil {
			a.running.Store(false)
			return fmt.Errorf("start HTTP server: %w", err)
		}
		a.mu.Lock()
		a.healthServer = srv
		a.mu.Unlock()
		a.logger.Info("HTTP server started", logging.KeyAddress, srv.Address().String())
	}

	if err := a.connect(ctx); err != nil {
		a.Stop()
		return err
	}
	return nil
}

func (a *Agent) connect(ctx context.Context) error {
	if a.cfg.Device.KillServer {
		if err := device.KillServer(ctx, a.cfg.Device.ServerAddress); err != nil {
			a.logger.Warn("failed to stop adb server",
				logging.KeyAddress, a.cfg.Device.ServerAddress,
				logging.KeyError, err)
		}
	}

	dialOpts := transport.DefaultDialOptions()
	dialOpts.Timeout = a.cfg.Transport.DialTimeout
	dialOpts.ProxyURL = a.cfg.Device.Proxy

	a.logger.Info("connecting to device",
		logging.KeyTransport, a.cfg.Device.Transport,
		logging.KeyAddress, a.cfg.Device.Address)

	raw, err := transport.Dial(ctx, transport.Type(a.cfg.Device.Transport), a.cfg.Device.Address, dialOpts)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.Device.Address, err)
	}

	sess := session.New(raw, session.Config{
		Features:        a.cfg.Session.Features,
		Identity:        identity(a.cfg),
		Key:             a.key,
		VerifyChecksums: a.cfg.Session.VerifyChecksums,
		BindMode:        a.bindMode,
		AddressMode:     a.addrMode,
		MaxStreams:      a.cfg.Session.MaxStreams,
		MaxPayload:      a.cfg.Session.MaxPayload,
		Retry: transport.RetryPolicy{
			Attempts: a.cfg.Transport.RetryAttempts,
			Interval: a.cfg.Transport.RetryInterval,
		},
		Logger:  a.logger,
		Metrics: a.metrics,
	})

	a.mu.Lock()
	a.sess = sess
	a.dev = device.New(sess, device.Config{Logger: a.logger, Metrics: a.metrics})
	a.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.Session.ConnectTimeout)
	defer cancel()

	if err := sess.Connect(connectCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("device did not answer within %s (accept the authorization prompt on the device): %w",
				a.cfg.Session.ConnectTimeout, err)
		}
		return err
	}
	return nil
}

// Stop closes the session and the health server.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.running.Store(false)

		a.mu.RLock()
		sess, srv := a.sess, a.healthServer
		a.mu.RUnlock()

		if sess != nil {
			err = sess.Close()
		}
		if srv != nil {
			if serr := srv.Stop(); serr != nil && err == nil {
				err = serr
			}
		}
		a.logger.Info("agent stopped")
	})
	return err
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true between a successful Start and Stop.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Session returns the device session.
func (a *Agent) Session() (*session.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sess == nil {
		return nil, ErrNotStarted
	}
	return a.sess, nil
}

// Device returns the feature layer over the session.
func (a *Agent) Device() (*device.Device, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.dev == nil {
		return nil, ErrNotStarted
	}
	return a.dev, nil
}

// Key returns the adb key and whether New generated it.
func (a *Agent) Key() (*adbkey.Key, bool) {
	return a.key, a.keyCreated
}

// HealthAddress returns the bound health server address, or "" when disabled.
func (a *Agent) HealthAddress() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.healthServer == nil || a.healthServer.Address() == nil {
		return ""
	}
	return a.healthServer.Address().String()
}

// Done is closed when the session ends.
func (a *Agent) Done() <-chan struct{} {
	sess, err := a.Session()
	if err != nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sess.Done()
}

// IsConnected implements health.StatsProvider.
func (a *Agent) IsConnected() bool {
	sess, err := a.Session()
	return err == nil && sess.IsConnected()
}

// Stats implements health.StatsProvider.
func (a *Agent) Stats() health.Stats {
	stats := health.Stats{
		State:   session.StateDisconnected.String(),
		Address: a.cfg.Device.Address,
	}

	sess, err := a.Session()
	if err != nil {
		return stats
	}

	stats.State = sess.State().String()
	stats.StreamCount = sess.Streams()
	if err := sess.Err(); err != nil {
		stats.Error = err.Error()
	}
	if env, err := sess.Environment(); err == nil {
		stats.Environment = env
	}
	if v, err := sess.ProtocolVersion(); err == nil {
		stats.ProtocolVersion = fmt.Sprintf("0x%08x", v)
	}
	if n, err := sess.MaxData(); err == nil {
		stats.MaxData = n
	}
	if f, err := sess.Features(); err == nil {
		stats.Features = f
	}
	return stats
}
