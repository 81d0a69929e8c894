package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// DefaultServerAddr is where a host ADB server listens.
const DefaultServerAddr = "127.0.0.1:5037"

// KillServer asks a running host ADB server to exit so it releases the
// device. No server listening is not an error.
func KillServer(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultServerAddr
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil
		}
		return fmt.Errorf("connect to adb server: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(5 * time.Second))
	}

	if _, err := conn.Write(smartSocketRequest("host:kill")); err != nil {
		return fmt.Errorf("send kill request: %w", err)
	}

	// The server answers OKAY and exits; it may also drop the connection first.
	status := make([]byte, 4)
	if _, err := io.ReadFull(conn, status); err != nil {
		return nil
	}
	if string(status) != "OKAY" {
		return fmt.Errorf("adb server replied %q", status)
	}
	return nil
}

// smartSocketRequest frames a host service request with its 4-hex-digit length.
func smartSocketRequest(service string) []byte {
	return []byte(fmt.Sprintf("%04x%s", len(service), service))
}
