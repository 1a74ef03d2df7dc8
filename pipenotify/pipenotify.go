// Package pipenotify provides a unidirectional packet pipe used for
// startup handshakes between a daemonizing parent and its descendants.
package pipenotify

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// pipeBuf is the POSIX atomic-write limit; O_DIRECT pipes carry one
// packet per write up to this size.
const pipeBuf = 4096

// Runnable lets blocking pipe operations observe termination instead of
// retrying EINTR forever.
type Runnable interface {
	IsRunning() bool
}

// Notifier is a packet pipe. The master side reads whole packets; the
// slave side writes them.
type Notifier struct {
	runnable Runnable
	r, w     *os.File
}

// New creates the pipe with O_DIRECT so writes stay atomic packets.
func New(runnable Runnable) (*Notifier, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_DIRECT); err != nil {
		return nil, fmt.Errorf("pipenotify: pipe2: %w", err)
	}
	return &Notifier{
		runnable: runnable,
		r:        os.NewFile(uintptr(fds[0]), "pipenotify-r"),
		w:        os.NewFile(uintptr(fds[1]), "pipenotify-w"),
	}, nil
}

// Reader returns the master-side descriptor.
func (n *Notifier) Reader() *os.File { return n.r }

// Writer returns the slave-side descriptor.
func (n *Notifier) Writer() *os.File { return n.w }

// Master reads one packet. An empty packet means the slave closed its
// end without writing.
func (n *Notifier) Master() ([]byte, error) {
	buf := make([]byte, pipeBuf)
	for {
		cnt, err := unix.Read(int(n.r.Fd()), buf)
		if err == unix.EINTR {
			if n.runnable != nil && !n.runnable.IsRunning() {
				return nil, fmt.Errorf("pipenotify: interrupted while reading from notification pipe")
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pipenotify: read: %w", err)
		}
		out := make([]byte, cnt)
		copy(out, buf[:cnt])
		return out, nil
	}
}

// Slave writes one packet. Payloads larger than the pipe's atomic
// write limit are rejected.
func (n *Notifier) Slave(b []byte) error {
	if len(b) > pipeBuf {
		return fmt.Errorf("pipenotify: notification too large (%d > %d)", len(b), pipeBuf)
	}
	for {
		_, err := unix.Write(int(n.w.Fd()), b)
		if err == unix.EINTR {
			if n.runnable != nil && !n.runnable.IsRunning() {
				return fmt.Errorf("pipenotify: interrupted while writing to notification pipe")
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("pipenotify: write: %w", err)
		}
		return nil
	}
}

// CloseReader closes the master end.
func (n *Notifier) CloseReader() error { return n.r.Close() }

// CloseWriter closes the slave end.
func (n *Notifier) CloseWriter() error { return n.w.Close() }

// Close closes both ends.
func (n *Notifier) Close() {
	n.r.Close()
	n.w.Close()
}
