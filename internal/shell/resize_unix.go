//go:build !windows

package shell

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// NotifyResize delivers terminal resize signals to ch.
func NotifyResize(ch chan<- os.Signal) {
	signal.Notify(ch, unix.SIGWINCH)
}
