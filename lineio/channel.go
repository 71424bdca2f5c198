// Package lineio implements newline-delimited text framing over a
// byte-stream socket with per-operation timeouts and half-close
// (spec.md §4.2). It is the transport the QMP client's two channels
// are built on.
package lineio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when a read or write does not complete within
// the requested timeout. Distinguishable from io.EOF and other I/O
// errors so the QMP client can tell a stalled peer from a closed one
// (spec.md §4.2).
var ErrTimeout = errors.New("lineio: timeout")

// ErrClosed is not returned by Channel's own methods: after Shutdown,
// reads report io.EOF and writes report a wrapped I/O error.
var ErrClosed = errors.New("lineio: channel shut down")

// Channel wraps a non-blocking byte stream with line framing.
type Channel struct {
	conn   net.Conn
	reader *bufio.Reader
}

// New wraps conn. conn must support SetReadDeadline/SetWriteDeadline
// (true of every net.Conn returned by net.Dial/net.Listen).
func New(conn net.Conn) *Channel {
	return &Channel{conn: conn, reader: bufio.NewReader(conn)}
}

// ReadLine reads up to the next newline. timeout of 0 means no
// timeout (spec.md §4.2). The trailing newline is stripped.
func (c *Channel) ReadLine(timeout time.Duration) (string, error) {
	if err := c.setReadDeadline(timeout); err != nil {
		return "", err
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", classifyErr(err)
	}

	return trimNewline(line), nil
}

// WriteAll writes buffer in full then flushes. timeout of 0 means no
// timeout.
func (c *Channel) WriteAll(buffer []byte, timeout time.Duration) error {
	if err := c.setWriteDeadline(timeout); err != nil {
		return err
	}

	_, err := c.conn.Write(buffer)
	if err != nil {
		return classifyErr(err)
	}

	return nil
}

// Shutdown half-closes the channel for both directions. Pending reads
// observe EOF afterwards (spec.md §4.2). Half-close (rather than a
// full Close) lets an in-flight read unblock with EOF while letting
// the caller still inspect/close the underlying conn itself.
func (c *Channel) Shutdown() error {
	sc, ok := c.conn.(syscall.Conn)
	if !ok {
		// Fall back to a full close for connection types (e.g. net.Pipe,
		// used heavily in tests) that have no OS-level half-close.
		return c.conn.Close()
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("lineio: shutdown: %w", err)
	}

	var shutdownErr error
	err = raw.Control(func(fd uintptr) {
		shutdownErr = unix.Shutdown(int(fd), unix.SHUT_RDWR)
	})
	if err != nil {
		return fmt.Errorf("lineio: shutdown: %w", err)
	}

	return shutdownErr
}

// Close releases the underlying connection entirely.
func (c *Channel) Close() error {
	return c.conn.Close()
}

func (c *Channel) setReadDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}

	return c.conn.SetReadDeadline(time.Now().Add(timeout))
}

func (c *Channel) setWriteDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return c.conn.SetWriteDeadline(time.Time{})
	}

	return c.conn.SetWriteDeadline(time.Now().Add(timeout))
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, io.EOF) {
		return io.EOF
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	return fmt.Errorf("lineio: %w", err)
}

func trimNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}

	if len(s) > 0 && s[len(s)-1] == '\r' {
		s = s[:len(s)-1]
	}

	return s
}
