package chaos

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

// memConn is an in-memory io.ReadWriteCloser.
type memConn struct {
	bytes.Buffer
	closed bool
}

func (m *memConn) Close() error {
	m.closed = true
	return nil
}

func TestFaultInjectorAlways(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{Type: FaultDisconnect, Probability: 1.0})

	if fault, _ := injector.Next(OpRead); fault != FaultDisconnect {
		t.Errorf("Next() = %v, want disconnect", fault)
	}
	if stats := injector.GetStats(); stats[FaultDisconnect] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestFaultInjectorDisabled(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{Type: FaultError, Probability: 1.0})
	injector.FailNext(OpRead, 3)
	injector.Disable()

	if injector.IsEnabled() {
		t.Error("IsEnabled() = true after Disable")
	}
	if fault, _ := injector.Next(OpRead); fault != FaultNone {
		t.Errorf("Next() = %v, want none", fault)
	}

	injector.Enable()
	if fault, _ := injector.Next(OpRead); fault != FaultError {
		t.Errorf("Next() = %v after Enable, want error", fault)
	}
}

func TestFaultInjectorZeroProbability(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{Type: FaultError, Probability: 0})
	for i := 0; i < 100; i++ {
		if fault, _ := injector.Next(OpWrite); fault != FaultNone {
			t.Fatalf("Next() = %v with zero probability", fault)
		}
	}
}

func TestFaultInjectorOpFilter(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{Type: FaultError, Probability: 1.0, Op: OpWrite})

	if fault, _ := injector.Next(OpRead); fault != FaultNone {
		t.Errorf("read fault = %v, want none", fault)
	}
	if fault, _ := injector.Next(OpWrite); fault != FaultError {
		t.Errorf("write fault = %v, want error", fault)
	}
}

func TestFaultInjectorScriptOrder(t *testing.T) {
	injector := NewFaultInjector()
	injector.Script(OpRead, FaultError, FaultShort)
	injector.Script(OpAny, FaultDisconnect)

	want := []FaultType{FaultError, FaultShort, FaultDisconnect, FaultNone}
	for i, w := range want {
		if got, _ := injector.Next(OpRead); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}

	injector.FailNext(OpWrite, 2)
	injector.Reset()
	if got, _ := injector.Next(OpWrite); got != FaultNone {
		t.Errorf("Next() after Reset = %v, want none", got)
	}
}

func TestFaultInjectorDelay(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDelay,
		Probability: 1.0,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
	})

	for i := 0; i < 20; i++ {
		fault, d := injector.Next(OpAny)
		if fault != FaultDelay {
			t.Fatalf("Next() = %v, want delay", fault)
		}
		if d < 10*time.Millisecond || d >= 20*time.Millisecond {
			t.Errorf("delay = %v, want in [10ms, 20ms)", d)
		}
	}
}

func TestConnFaults(t *testing.T) {
	inner := &memConn{}
	inner.WriteString("abcdef")

	injector := NewFaultInjector()
	conn := Wrap(inner, injector)

	injector.Script(OpRead, FaultError)
	buf := make([]byte, 4)
	if _, err := conn.Read(buf); !errors.Is(err, ErrInjected) {
		t.Errorf("Read() error = %v, want ErrInjected", err)
	}

	injector.Script(OpRead, FaultShort)
	n, err := conn.Read(buf)
	if err != nil || n != 1 || buf[0] != 'a' {
		t.Errorf("short Read() = %d, %v, %q", n, err, buf[:n])
	}

	n, err = conn.Read(buf)
	if err != nil || string(buf[:n]) != "bcde" {
		t.Errorf("Read() = %q, %v", buf[:n], err)
	}

	injector.Script(OpWrite, FaultShort)
	n, err = conn.Write([]byte("xyz"))
	if n != 1 || !errors.Is(err, io.ErrShortWrite) {
		t.Errorf("short Write() = %d, %v", n, err)
	}

	injector.Script(OpWrite, FaultDisconnect)
	if _, err := conn.Write([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Write() error = %v, want ErrClosedPipe", err)
	}
	if !inner.closed {
		t.Error("disconnect fault did not close the inner link")
	}
}

func TestFaultTypeString(t *testing.T) {
	tests := map[FaultType]string{
		FaultNone:       "none",
		FaultDisconnect: "disconnect",
		FaultDelay:      "delay",
		FaultError:      "error",
		FaultShort:      "short",
		FaultType(99):   "unknown",
	}
	for ft, want := range tests {
		if got := ft.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(ft), got, want)
		}
	}
}
