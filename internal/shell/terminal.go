package shell

import (
	"os"

	"golang.org/x/term"
)

// Size is a terminal size in character cells.
type Size struct {
	Rows int
	Cols int
}

// DefaultSize is used when no terminal is attached.
var DefaultSize = Size{Rows: 24, Cols: 80}

// TerminalSize returns the size of the terminal on f, or DefaultSize.
func TerminalSize(f *os.File) Size {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return DefaultSize
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil || rows <= 0 || cols <= 0 {
		return DefaultSize
	}
	return Size{Rows: rows, Cols: cols}
}

// MakeRaw puts the terminal on f into raw mode and returns a function that
// restores it. It is a no-op when f is not a terminal.
func MakeRaw(f *os.File) (restore func(), err error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { term.Restore(fd, state) }, nil
}
