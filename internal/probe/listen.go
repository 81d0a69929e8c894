package probe

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/postalsys/adbridge/internal/adbkey"
	"github.com/postalsys/adbridge/internal/protocol"
	"github.com/postalsys/adbridge/internal/transport"
)

// ListenOptions configures a listener that answers the handshake the way a
// device does, for checking relay paths without a phone attached.
type ListenOptions struct {
	// Address is the listen address (e.g., "127.0.0.1:5555")
	Address string

	// Banner is the CNXN payload to send, e.g. "device::features=shell_v2,cmd;"
	Banner string

	// RequireAuth sends an AUTH TOKEN challenge before CNXN.
	RequireAuth bool

	// Ready, if set, receives the bound address once listening.
	Ready chan<- net.Addr
}

// ConnectionEvent represents a connection attempt result.
type ConnectionEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RemoteAddr string    `json:"remote_addr"`
	Banner     string    `json:"banner,omitempty"`
	Identity   string    `json:"identity,omitempty"`
	KeyBits    int       `json:"key_bits,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	RTTMs      float64   `json:"rtt_ms,omitempty"`
}

// DefaultBanner is sent when ListenOptions.Banner is empty.
const DefaultBanner = "device::ro.product.name=adbridge;ro.product.model=probe;features=shell_v2,cmd;"

// Listen accepts connections until ctx is cancelled, answering each
// handshake and reporting it on eventChan.
func Listen(ctx context.Context, opts ListenOptions, eventChan chan<- ConnectionEvent) error {
	if opts.Banner == "" {
		opts.Banner = DefaultBanner
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", opts.Address)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	defer ln.Close()

	if opts.Ready != nil {
		opts.Ready <- ln.Addr()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			continue
		}

		go func(conn net.Conn) {
			defer conn.Close()
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()

			event := handleProbeConnection(ctx, conn, opts)
			select {
			case eventChan <- event:
			case <-ctx.Done():
				return
			}

			// Stay attached like a device would until the client hangs up.
			if event.Success {
				conn.SetDeadline(time.Time{})
				io.Copy(io.Discard, conn)
			}
		}(conn)
	}
}

// handleProbeConnection plays the device side of one handshake.
func handleProbeConnection(ctx context.Context, conn net.Conn, opts ListenOptions) ConnectionEvent {
	event := ConnectionEvent{
		Timestamp:  time.Now(),
		RemoteAddr: conn.RemoteAddr().String(),
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	port := transport.NewPort(conn, transport.PortConfig{})
	reader := protocol.NewMessageReader(port, 0)
	writer := protocol.NewMessageWriter(port)

	m, err := reader.Read(ctx, true)
	if err != nil {
		event.Error = fmt.Sprintf("failed to read CNXN: %v", err)
		return event
	}
	if m.Command != protocol.CmdCnxn {
		event.Error = fmt.Sprintf("unexpected %s (expected CNXN)", m.Command)
		return event
	}
	event.Banner = strings.TrimRight(string(m.Payload), "\x00")

	if opts.RequireAuth {
		token := make([]byte, 20)
		rand.Read(token)
		if err := writer.Write(ctx, protocol.NewAuth(protocol.AuthToken, token)); err != nil {
			event.Error = fmt.Sprintf("failed to send AUTH: %v", err)
			return event
		}

		reply, err := reader.Read(ctx, true)
		if err != nil {
			event.Error = fmt.Sprintf("failed to read AUTH: %v", err)
			return event
		}
		if reply.Command != protocol.CmdAuth || reply.Arg0 != protocol.AuthRSAPublic {
			event.Error = fmt.Sprintf("unexpected %v (expected AUTH RSA_PUBLIC)", reply)
			return event
		}
		blob, identity, err := adbkey.ParseTransportString(reply.Payload)
		if err != nil {
			event.Error = fmt.Sprintf("invalid public key: %v", err)
			return event
		}
		event.Identity = identity
		event.KeyBits = blob.PublicKey().N.BitLen()
	}

	cnxn := &protocol.Message{
		Command: protocol.CmdCnxn,
		Arg0:    protocol.Version,
		Arg1:    protocol.ConnectMaxData,
		Payload: []byte(opts.Banner),
	}
	if err := writer.Write(ctx, cnxn); err != nil {
		event.Error = fmt.Sprintf("failed to send CNXN: %v", err)
		return event
	}

	event.Success = true
	event.RTTMs = float64(time.Since(start).Milliseconds())
	return event
}
