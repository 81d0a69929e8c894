package probe

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/postalsys/adbridge/internal/adbkey"
	"github.com/postalsys/adbridge/internal/protocol"
	"github.com/postalsys/adbridge/internal/transport"
)

func startListener(t *testing.T, opts ListenOptions) (string, <-chan ConnectionEvent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan net.Addr, 1)
	events := make(chan ConnectionEvent, 4)
	opts.Address = "127.0.0.1:0"
	opts.Ready = ready
	go Listen(ctx, opts, events)

	select {
	case addr := <-ready:
		return addr.String(), events
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not start")
		return "", nil
	}
}

func TestProbeAgainstListener(t *testing.T) {
	addr, events := startListener(t, ListenOptions{})

	res := Probe(context.Background(), Options{Transport: "tcp", Address: addr, Timeout: 2 * time.Second, Identity: "me@here"})
	if !res.Success {
		t.Fatalf("Probe() failed: %v (%s)", res.Error, res.ErrorDetail)
	}
	if res.Environment != "device" || res.ProtocolVersion != protocol.Version || res.MaxData != protocol.ConnectMaxData {
		t.Errorf("result = %+v", res)
	}
	if res.Variables["ro.product.model"] != "probe" {
		t.Errorf("Variables = %v", res.Variables)
	}
	if len(res.Features) != 2 || res.AuthChallenged {
		t.Errorf("Features = %v, AuthChallenged = %v", res.Features, res.AuthChallenged)
	}

	select {
	case ev := <-events:
		if !ev.Success || ev.Banner == "" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection event")
	}
}

func TestProbeWithAuth(t *testing.T) {
	key, err := adbkey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	addr, events := startListener(t, ListenOptions{RequireAuth: true, Banner: "device::features=cmd;"})

	res := Probe(context.Background(), Options{Address: addr, Timeout: 2 * time.Second, Key: key, Identity: "me@here"})
	if !res.Success {
		t.Fatalf("Probe() failed: %v", res.Error)
	}
	if !res.AuthChallenged {
		t.Error("AuthChallenged = false")
	}

	ev := <-events
	if ev.Identity != "me@here" || ev.KeyBits != adbkey.KeyBits {
		t.Errorf("event = %+v", ev)
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	res := Probe(context.Background(), Options{Address: addr, Timeout: time.Second})
	if res.Success || res.Error == nil {
		t.Fatal("Probe() succeeded against a closed port")
	}
	if res.ErrorDetail == "" {
		t.Error("ErrorDetail is empty")
	}
}

func TestProbeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	res := Probe(context.Background(), Options{Address: ln.Addr().String(), Timeout: 100 * time.Millisecond})
	if res.Success {
		t.Fatal("Probe() succeeded against a silent peer")
	}
	if !errors.Is(res.Error, context.DeadlineExceeded) {
		t.Errorf("Error = %v, want DeadlineExceeded", res.Error)
	}
}

func TestProbeRawFramingError(t *testing.T) {
	host, dev := transport.Pipe()
	go func() {
		buf := make([]byte, 1024)
		dev.Read(buf)
		dev.Write(make([]byte, protocol.HeaderSize)) // zero header: magic mismatch
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res := probeRaw(ctx, host, Options{Identity: "x@y"}, time.Now())
	if res.Success {
		t.Fatal("probeRaw() succeeded")
	}
	if !errors.Is(res.Error, protocol.ErrFraming) {
		t.Errorf("Error = %v, want framing error", res.Error)
	}
	if res.ErrorDetail != "Connected but received invalid data - not an adbd endpoint?" {
		t.Errorf("ErrorDetail = %q", res.ErrorDetail)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, "Timed out waiting for the device - accept the authorization prompt on the device screen"},
		{"framing", protocol.ErrFraming, "Connected but received invalid data - not an adbd endpoint?"},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}
