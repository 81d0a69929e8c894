package device

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/postalsys/adbridge/internal/logging"
	"github.com/postalsys/adbridge/internal/shell"
	"github.com/postalsys/adbridge/internal/stream"
)

// ShellIO connects an interactive shell to local streams.
type ShellIO struct {
	In     io.Reader
	Out    io.Writer
	Err    io.Writer
	Size   shell.Size
	Resize <-chan shell.Size // optional
}

// Shell runs an interactive shell until the device closes it and returns
// the exit status. Output is written unmodified so the local terminal
// renders the device's escape sequences.
func (d *Device) Shell(ctx context.Context, sio ShellIO) (int, error) {
	mu := d.sess.ShellLock()
	mu.Lock()
	defer mu.Unlock()

	st, err := d.sess.OpenStream(ctx, ShellDestination(""))
	if err != nil {
		return -1, err
	}
	defer st.Close()

	size := sio.Size
	if size.Rows <= 0 || size.Cols <= 0 {
		size = shell.DefaultSize
	}
	if err := writePacket(ctx, st, shell.NewWindowSize(size.Rows, size.Cols)); err != nil {
		return -1, err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reading In blocks without observing ctx, so the input pump is not
	// waited for; it ends on its next read after the stream closes.
	go d.pumpInput(sessionCtx, st, sio.In)

	g, gctx := errgroup.WithContext(sessionCtx)
	exitCode := -1

	g.Go(func() error {
		defer cancel()
		code, err := drain(gctx, st, sio.Out, sio.Err)
		exitCode = code
		return err
	})

	if sio.Resize != nil {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case sz, ok := <-sio.Resize:
					if !ok {
						return nil
					}
					if err := writePacket(gctx, st, shell.NewWindowSize(sz.Rows, sz.Cols)); err != nil {
						d.logger.Debug("resize failed", logging.KeyError, err)
						return nil
					}
				}
			}
		})
	}

	err = g.Wait()
	return exitCode, err
}

func (d *Device) pumpInput(ctx context.Context, st *stream.Stream, in io.Reader) {
	if in == nil {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if werr := st.Write(ctx, shell.Encode(shell.IDStdin, buf[:n])); werr != nil {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				st.Write(ctx, shell.Packet{ID: shell.IDCloseStdin}.Encode())
			}
			return
		}
	}
}
