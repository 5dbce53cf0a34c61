// Package localexec implements sandbox.Provider by running sandboxes as
// plain OS processes on the orchestrator host, useful for development and
// for any sandbox profile that opts out of container/remote isolation.
package localexec

import "io"

// ptyHandle abstracts PTY operations across Unix and Windows.
type ptyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
