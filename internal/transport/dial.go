package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/proxy"
	"nhooyr.io/websocket"
)

const (
	// DefaultTCPPort is the port adbd listens on in tcpip mode.
	DefaultTCPPort = "5555"

	// wsReadLimit caps a single WebSocket message; one ADB message plus slack.
	wsReadLimit = 2 << 20
)

// DialTCP connects to adbd over TCP. A missing port defaults to 5555.
func DialTCP(ctx context.Context, addr string, opts DialOptions) (Raw, error) {
	addr = withDefaultPort(addr, DefaultTCPPort)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dialer, err := tcpDialer(opts)
	if err != nil {
		return nil, err
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s failed: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// tcpDialer returns a direct dialer, or a SOCKS5 dialer when a proxy is configured.
func tcpDialer(opts DialOptions) (proxy.ContextDialer, error) {
	if opts.ProxyURL == "" {
		return &net.Dialer{}, nil
	}

	u, err := url.Parse(opts.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("unsupported proxy: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy %s does not support context dialing", u.Scheme)
	}
	return cd, nil
}

// DialWebSocket connects to a WebSocket bridge that relays raw ADB bytes in
// binary messages, such as a WebUSB relay. Bare host:port addresses get ws://.
func DialWebSocket(ctx context.Context, addr string, opts DialOptions) (Raw, error) {
	wsURL := addr
	if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
		wsURL = "ws://" + addr
	}

	dialCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: buildHTTPClient(opts),
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s failed: %w", wsURL, err)
	}
	conn.SetReadLimit(wsReadLimit)

	// The NetConn context governs the connection lifetime, not the dial.
	return websocket.NetConn(context.Background(), conn, websocket.MessageBinary), nil
}

func buildHTTPClient(opts DialOptions) *http.Client {
	tr := &http.Transport{}
	if opts.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if opts.ProxyURL != "" {
		if u, err := url.Parse(opts.ProxyURL); err == nil && strings.HasPrefix(u.Scheme, "http") {
			tr.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Transport: tr}
}

func withDefaultPort(addr, port string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), port)
}
