// Package device implements user-facing features on top of a session:
// command execution, interactive shells, reboots and property queries.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/postalsys/adbridge/internal/logging"
	"github.com/postalsys/adbridge/internal/metrics"
	"github.com/postalsys/adbridge/internal/shell"
	"github.com/postalsys/adbridge/internal/stream"
)

// execWindow is the window size sent before a non-interactive command, wide
// enough that the device's pty does not wrap output lines.
const execWindow = 500

// Opener opens streams on a connected session.
type Opener interface {
	OpenStream(ctx context.Context, destination string) (*stream.Stream, error)

	// ShellLock serialises shell executions across every Device that
	// shares the session.
	ShellLock() sync.Locker
}

// Config configures a Device.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Device runs features over one session. Shell executions are serialised
// per session, not per Device.
type Device struct {
	sess    Opener
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Device.
func New(sess Opener, cfg Config) *Device {
	return &Device{
		sess:    sess,
		logger:  logging.Component(cfg.Logger, "device"),
		metrics: cfg.Metrics,
	}
}

// Result is the outcome of a command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ShellDestination returns the service string for a shell v2 command. An
// empty command starts an interactive shell.
func ShellDestination(command string) string {
	return "shell,v2,TERM=xterm-256color,pty:" + command
}

// Exec runs command and collects its output with terminal escape sequences
// removed. ExitCode is -1 if the device closed the stream without one.
func (d *Device) Exec(ctx context.Context, command string) (*Result, error) {
	mu := d.sess.ShellLock()
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	res, err := d.exec(ctx, command)

	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case res.ExitCode != 0:
		result = "nonzero"
	}
	d.metrics.RecordShellCommand(result, time.Since(start).Seconds())

	if err != nil {
		d.logger.Debug("exec failed", "command", command, logging.KeyError, err)
		return nil, err
	}
	d.logger.Debug("exec finished",
		"command", command,
		"exit_code", res.ExitCode,
		logging.KeyDuration, time.Since(start))
	return res, nil
}

func (d *Device) exec(ctx context.Context, command string) (*Result, error) {
	st, err := d.sess.OpenStream(ctx, ShellDestination(command))
	if err != nil {
		return nil, err
	}
	defer st.Close()

	if err := writePacket(ctx, st, shell.NewWindowSize(execWindow, execWindow)); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	exitCode, err := drain(ctx, st, &stdout, &stderr)
	if err != nil {
		return nil, err
	}

	return &Result{
		Stdout:   ansi.Strip(stdout.String()),
		Stderr:   ansi.Strip(stderr.String()),
		ExitCode: exitCode,
	}, nil
}

// writePacket writes one shell packet. A stream the device already closed
// cleanly is not an error; its output is still buffered for reading.
func writePacket(ctx context.Context, st *stream.Stream, p shell.Packet) error {
	err := st.Write(ctx, p.Encode())
	if errors.Is(err, stream.ErrStreamClosed) && st.Err() == nil {
		return nil
	}
	return err
}

// drain copies shell output to stdout and stderr until the stream closes,
// acknowledging each payload. It returns the exit status, or -1 if none arrived.
func drain(ctx context.Context, st *stream.Stream, stdout, stderr io.Writer) (int, error) {
	var dec shell.Decoder
	exitCode := -1

	for {
		b, err := st.Recv(ctx)
		if err == io.EOF {
			return exitCode, nil
		}
		if err != nil {
			return exitCode, err
		}

		packets, feedErr := dec.Feed(b)
		for _, p := range packets {
			switch p.ID {
			case shell.IDStdout:
				if _, err := stdout.Write(p.Data); err != nil {
					return exitCode, err
				}
			case shell.IDStderr:
				if _, err := stderr.Write(p.Data); err != nil {
					return exitCode, err
				}
			case shell.IDExit:
				if code, err := p.ExitCode(); err == nil {
					exitCode = code
				}
			}
		}
		if feedErr != nil {
			return exitCode, feedErr
		}

		if err := st.Ack(ctx); err != nil && !errors.Is(err, stream.ErrStreamClosed) {
			return exitCode, fmt.Errorf("ack: %w", err)
		}
	}
}
