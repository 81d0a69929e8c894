//go:build windows

package shell

import (
	"os"
)

// NotifyResize is a no-op on Windows, which has no SIGWINCH.
func NotifyResize(ch chan<- os.Signal) {}
