// Package transport provides retried exact-size I/O over the raw link to a
// device and the dialers that produce such links.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// ErrTransport is returned when I/O fails permanently or exhausts its retries.
var ErrTransport = errors.New("transport error")

// errNoProgress stands in for a read or write that moved no bytes without an error.
var errNoProgress = errors.New("no progress")

// Raw is the blocking byte link to a device: a USB bulk endpoint pair,
// an adbd TCP socket, or a WebSocket bridge.
type Raw interface {
	io.Reader
	io.Writer
	io.Closer
}

// Type identifies a dialable transport.
type Type string

const (
	TypeTCP       Type = "tcp"
	TypeWebSocket Type = "ws"
)

// RetryPolicy bounds retries of a single transport operation.
type RetryPolicy struct {
	// Attempts is the number of consecutive failures tolerated before giving up.
	Attempts int

	// Interval is the fixed pause between attempts.
	Interval time.Duration
}

// DefaultRetryPolicy returns 10 attempts spaced 100ms apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 10,
		Interval: 100 * time.Millisecond,
	}
}

// normalize fills zero fields with defaults.
func (p RetryPolicy) normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	return p
}

// DialOptions contains options for dialing a device.
type DialOptions struct {
	// Timeout bounds connection establishment.
	Timeout time.Duration

	// ProxyURL routes TCP dials through a SOCKS5 proxy (socks5://[user:pass@]host:port)
	// and WebSocket dials through an HTTP proxy.
	ProxyURL string

	// InsecureSkipVerify disables TLS verification for wss:// bridges.
	InsecureSkipVerify bool
}

// DefaultDialOptions returns DialOptions with defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 10 * time.Second,
	}
}

// Dial connects using the named transport type.
func Dial(ctx context.Context, t Type, addr string, opts DialOptions) (Raw, error) {
	switch t {
	case TypeTCP, "":
		return DialTCP(ctx, addr, opts)
	case TypeWebSocket:
		return DialWebSocket(ctx, addr, opts)
	default:
		return nil, fmt.Errorf("unknown transport type: %q", t)
	}
}

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
