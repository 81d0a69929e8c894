// Package probe checks that a device answers the ADB handshake.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/postalsys/adbridge/internal/adbkey"
	"github.com/postalsys/adbridge/internal/protocol"
	"github.com/postalsys/adbridge/internal/session"
	"github.com/postalsys/adbridge/internal/transport"
)

// Options contains configuration for a connectivity probe.
type Options struct {
	// Transport type: "tcp" or "ws"
	Transport string

	// Address is host:port for tcp or a ws:// URL
	Address string

	// Proxy is an optional socks5:// URL for tcp
	Proxy string

	// Timeout for the entire probe operation
	Timeout time.Duration

	// Key answers AUTH challenges; nil uses an ephemeral key
	Key      *adbkey.Key
	Identity string

	Logger *slog.Logger
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	Success   bool
	Transport string
	Address   string

	Environment     string
	ProtocolVersion uint32
	MaxData         uint32
	Features        []string
	Variables       map[string]string

	// AuthChallenged is true if the device asked for authentication.
	AuthChallenged bool

	// RTT is the time from dial to the device's CNXN.
	RTT time.Duration

	Error       error
	ErrorDetail string
}

// Probe dials the device and performs the handshake.
func Probe(ctx context.Context, opts Options) *Result {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Transport == "" {
		opts.Transport = string(transport.TypeTCP)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	dialOpts := transport.DefaultDialOptions()
	dialOpts.Timeout = opts.Timeout
	dialOpts.ProxyURL = opts.Proxy

	raw, err := transport.Dial(ctx, transport.Type(opts.Transport), opts.Address, dialOpts)
	if err != nil {
		return failed(opts, err)
	}

	return probeRaw(ctx, raw, opts, start)
}

// probeRaw runs the handshake over an established link and closes it.
func probeRaw(ctx context.Context, raw transport.Raw, opts Options, start time.Time) *Result {
	sess := session.New(raw, session.Config{
		Key:      opts.Key,
		Identity: opts.Identity,
		Logger:   opts.Logger,
	})
	defer sess.Close()

	if err := sess.Connect(ctx); err != nil {
		return failed(opts, err)
	}

	result := &Result{
		Success:        true,
		Transport:      opts.Transport,
		Address:        opts.Address,
		AuthChallenged: sess.AuthChallenges() > 0,
		RTT:            time.Since(start),
	}
	result.Environment, _ = sess.Environment()
	result.ProtocolVersion, _ = sess.ProtocolVersion()
	result.MaxData, _ = sess.MaxData()
	result.Features, _ = sess.Features()
	result.Variables, _ = sess.Variables()
	return result
}

func failed(opts Options, err error) *Result {
	return &Result{
		Transport:   opts.Transport,
		Address:     opts.Address,
		Error:       err,
		ErrorDetail: classifyError(err),
	}
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if strings.Contains(errStr, "connection refused") {
			return "Connection refused - adbd not listening (run 'adb tcpip 5555' on the device)"
		}
		if strings.Contains(errStr, "no route to host") {
			return "No route to host - network unreachable"
		}
		if strings.Contains(errStr, "network is unreachable") {
			return "Network unreachable"
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "Timed out waiting for the device - accept the authorization prompt on the device screen"
	}

	if errors.Is(err, protocol.ErrFraming) || errors.Is(err, protocol.ErrIntegrity) {
		return "Connected but received invalid data - not an adbd endpoint?"
	}

	if errors.Is(err, transport.ErrTransport) {
		return fmt.Sprintf("Connection lost during handshake: %v", err)
	}

	return errStr
}
