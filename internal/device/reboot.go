package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/postalsys/adbridge/internal/transport"
)

// ErrUnknownRebootMode is returned for a reboot target the device does not define.
var ErrUnknownRebootMode = errors.New("unknown reboot mode")

// RebootModes lists the accepted reboot targets. The empty mode is a normal reboot.
var RebootModes = []string{"", "bootloader", "recovery", "fastboot", "sideload", "sideload-auto-reboot", "edl"}

// rebootWait bounds how long Reboot waits for the device to close the stream.
const rebootWait = 3 * time.Second

// Reboot asks the device to restart into mode. The link usually drops
// while the request is in flight; that is reported as success once the
// device has accepted the stream.
func (d *Device) Reboot(ctx context.Context, mode string) error {
	if !slices.Contains(RebootModes, mode) {
		return fmt.Errorf("%w: %q", ErrUnknownRebootMode, mode)
	}

	st, err := d.sess.OpenStream(ctx, "reboot:"+mode)
	if err != nil {
		return err
	}
	defer st.Close()

	waitCtx, cancel := context.WithTimeout(ctx, rebootWait)
	defer cancel()

	err = st.Wait(waitCtx)
	accepted := isClosed(st.Ready())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrTransport) && accepted:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && accepted:
		return nil
	default:
		return fmt.Errorf("reboot %q: %w", mode, err)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
