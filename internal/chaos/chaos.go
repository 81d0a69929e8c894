// Package chaos injects faults into device links for resilience testing.
package chaos

import (
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"
)

// ErrInjected is the transient error returned by an injected FaultError.
var ErrInjected = errors.New("chaos: injected I/O error")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultNone means no fault.
	FaultNone FaultType = iota - 1
	// FaultDisconnect closes the link.
	FaultDisconnect
	// FaultDelay adds latency before the operation.
	FaultDelay
	// FaultError fails the operation with ErrInjected and moves no bytes.
	FaultError
	// FaultShort moves at most one byte.
	FaultShort
)

// String returns the fault name.
func (t FaultType) String() string {
	switch t {
	case FaultNone:
		return "none"
	case FaultDisconnect:
		return "disconnect"
	case FaultDelay:
		return "delay"
	case FaultError:
		return "error"
	case FaultShort:
		return "short"
	default:
		return "unknown"
	}
}

// Op selects which direction a fault applies to.
type Op int

const (
	OpAny Op = iota
	OpRead
	OpWrite
)

// FaultConfig configures probabilistic fault injection.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// Op restricts the fault to reads or writes.
	Op Op

	// MinDelay and MaxDelay bound FaultDelay.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// FaultInjector decides which fault, if any, hits each operation.
// Scripted faults queued with Script take precedence over probabilistic ones.
type FaultInjector struct {
	mu        sync.Mutex
	configs   []FaultConfig
	enabled   bool
	rng       *rand.Rand
	script    map[Op][]FaultType
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		script:    make(map[Op][]FaultType),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Script queues faults for the next operations of kind op, in order.
func (f *FaultInjector) Script(op Op, faults ...FaultType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[op] = append(f.script[op], faults...)
}

// FailNext queues n consecutive FaultError faults for op.
func (f *FaultInjector) FailNext(op Op, n int) {
	faults := make([]FaultType, n)
	for i := range faults {
		faults[i] = FaultError
	}
	f.Script(op, faults...)
}

// Next returns the fault for the next operation of kind op and, for
// FaultDelay, how long to wait.
func (f *FaultInjector) Next(op Op) (FaultType, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return FaultNone, 0
	}

	for _, key := range []Op{op, OpAny} {
		if q := f.script[key]; len(q) > 0 {
			f.script[key] = q[1:]
			f.faultHits[q[0]]++
			return q[0], 0
		}
	}

	for _, c := range f.configs {
		if c.Op != OpAny && c.Op != op {
			continue
		}
		if f.rng.Float64() < c.Probability {
			f.faultHits[c.Type]++
			if c.Type == FaultDelay {
				return FaultDelay, f.randomDelay(c.MinDelay, c.MaxDelay)
			}
			return c.Type, 0
		}
	}

	return FaultNone, 0
}

// GetStats returns the number of times each fault fired.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset clears statistics and any queued faults.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
	f.script = make(map[Op][]FaultType)
}

// randomDelay must be called with f.mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// Conn wraps a link and applies injected faults to each Read and Write.
type Conn struct {
	inner    io.ReadWriteCloser
	injector *FaultInjector
}

// Wrap returns inner with faults from injector applied.
func Wrap(inner io.ReadWriteCloser, injector *FaultInjector) *Conn {
	return &Conn{inner: inner, injector: injector}
}

// Read implements io.Reader.
func (c *Conn) Read(p []byte) (int, error) {
	fault, delay := c.injector.Next(OpRead)
	switch fault {
	case FaultDisconnect:
		c.inner.Close()
		return 0, io.ErrClosedPipe
	case FaultDelay:
		time.Sleep(delay)
	case FaultError:
		return 0, ErrInjected
	case FaultShort:
		if len(p) > 1 {
			p = p[:1]
		}
	}
	return c.inner.Read(p)
}

// Write implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) {
	fault, delay := c.injector.Next(OpWrite)
	switch fault {
	case FaultDisconnect:
		c.inner.Close()
		return 0, io.ErrClosedPipe
	case FaultDelay:
		time.Sleep(delay)
	case FaultError:
		return 0, ErrInjected
	case FaultShort:
		if len(p) > 1 {
			n, err := c.inner.Write(p[:1])
			if err == nil {
				err = io.ErrShortWrite
			}
			return n, err
		}
	}
	return c.inner.Write(p)
}

// Close implements io.Closer.
func (c *Conn) Close() error {
	return c.inner.Close()
}
