package terminal

import "io"

// ptyHandle abstracts PTY operations across Unix and Windows, mirroring the
// teacher's process.PtyHandle: on Unix it wraps creack/pty (*os.File), on
// Windows it wraps conpty.ConPty.
type ptyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
