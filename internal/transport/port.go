package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/postalsys/adbridge/internal/logging"
	"github.com/postalsys/adbridge/internal/metrics"
)

// PortConfig configures a Port.
type PortConfig struct {
	Retry   RetryPolicy
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Port performs exact-size reads and writes over a Raw link. Transient
// failures are retried at a fixed interval; a call that moves bytes resets
// the failure count. Either the full count transfers or the call fails with
// ErrTransport.
type Port struct {
	raw     Raw
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
	closeErr  error
}

// NewPort wraps raw.
func NewPort(raw Raw, cfg PortConfig) *Port {
	return &Port{
		raw:     raw,
		policy:  cfg.Retry.normalize(),
		logger:  logging.Component(cfg.Logger, "transport"),
		metrics: cfg.Metrics,
	}
}

// ReadExact reads exactly n bytes.
func (p *Port) ReadExact(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := p.transfer(ctx, "read", buf, p.raw.Read); err != nil {
		return nil, err
	}
	p.metrics.RecordBytesReceived(n)
	return buf, nil
}

// WriteAll writes all of b.
func (p *Port) WriteAll(ctx context.Context, b []byte) error {
	if err := p.transfer(ctx, "write", b, p.raw.Write); err != nil {
		return err
	}
	p.metrics.RecordBytesSent(len(b))
	return nil
}

// transfer drives op until buf is fully moved.
func (p *Port) transfer(ctx context.Context, name string, buf []byte, op func([]byte) (int, error)) error {
	var (
		done     int
		failures int
		limiter  *rate.Limiter
	)

	for done < len(buf) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", name, err)
		}

		k, err := op(buf[done:])
		if k > 0 {
			done += k
			failures = 0
		}
		if done == len(buf) {
			return nil
		}
		if err == nil {
			if k > 0 {
				continue
			}
			err = errNoProgress
		}

		if IsPermanent(err) {
			p.metrics.RecordTransportFailure(name)
			return fmt.Errorf("%w: %s: %w", ErrTransport, name, err)
		}

		failures++
		if failures >= p.policy.Attempts {
			p.metrics.RecordTransportFailure(name)
			p.logger.Warn("transport operation failed",
				"op", name,
				logging.KeyAttempt, failures,
				logging.KeyError, err)
			return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrTransport, name, failures, err)
		}

		p.metrics.RecordTransportRetry(name)
		p.logger.Debug("retrying transport operation",
			"op", name,
			logging.KeyAttempt, failures,
			logging.KeyError, err)

		if limiter == nil {
			// Burst of one, spent immediately, so every Wait paces a full interval.
			limiter = rate.NewLimiter(rate.Every(p.policy.Interval), 1)
			limiter.Allow()
		}
		if werr := limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("%s cancelled: %w", name, werr)
		}
	}

	return nil
}

// Close closes the underlying link. It is safe to call more than once.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.raw.Close()
	})
	return p.closeErr
}
