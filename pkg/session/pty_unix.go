package session

import (
	"fmt"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// configurePTYTerminal sets termios flags that match common node-pty/xterm
// expectations: canonical processing off is left to the child program, but
// output post-processing (ONLCR) and input CR/NL translation are enabled so
// line endings behave the way an interactive shell expects.
func configurePTYTerminal(ptmx *os.File) error {
	termios, err := unix.IoctlGetTermios(int(ptmx.Fd()), ioctlGetTermios)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	termios.Iflag |= unix.ICRNL
	termios.Oflag |= unix.OPOST | unix.ONLCR
	termios.Lflag |= unix.ICANON | unix.ISIG | unix.IEXTEN

	if err := unix.IoctlSetTermios(int(ptmx.Fd()), ioctlSetTermios, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// setPTYSize applies a window size to the PTY.
func setPTYSize(ptmx *os.File, cols, rows uint16) error {
	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}
