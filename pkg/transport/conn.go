package transport

import (
	"fmt"
	"io"
	"net"
	"os/exec"
	"time"
)

// pipeConn joins one read side and one write side into a Conn.
type pipeConn struct {
	r io.ReadCloser
	w io.WriteCloser

	onClose func() error
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *pipeConn) CloseWrite() error { return c.w.Close() }

func (c *pipeConn) Close() error {
	c.w.Close()
	err := c.r.Close()
	if c.onClose != nil {
		if cerr := c.onClose(); err == nil {
			err = cerr
		}
	}
	return err
}

// netConn adapts a TCP connection, using half-close for CloseWrite and
// applying an optional IO deadline.
type netConn struct {
	conn    net.Conn
	timeout time.Duration
}

func (c *netConn) touch() {
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

func (c *netConn) Read(p []byte) (int, error) {
	c.touch()
	n, err := c.conn.Read(p)
	return n, wrapTimeout(err)
}

func (c *netConn) Write(p []byte) (int, error) {
	c.touch()
	n, err := c.conn.Write(p)
	return n, wrapTimeout(err)
}

func (c *netConn) CloseWrite() error {
	if hc, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

func (c *netConn) Close() error { return c.conn.Close() }

func wrapTimeout(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrTransport, err)
	}
	return err
}

// execConn runs a service as a subprocess, speaking over its stdio. The
// subprocess's stderr is drained by a copy goroutine so a chatty remote
// cannot stall the pipe.
type execConn struct {
	pipeConn
	cmd *exec.Cmd
}

func newExecConn(cmd *exec.Cmd, stderrSink io.Writer) (*execConn, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrTransport, cmd.Path, err)
	}
	if stderrSink == nil {
		stderrSink = io.Discard
	}
	go io.Copy(stderrSink, stderr)

	c := &execConn{cmd: cmd}
	c.pipeConn = pipeConn{
		r: stdout,
		w: stdin,
		onClose: func() error {
			if err := cmd.Wait(); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrTransport, cmd.Path, err)
			}
			return nil
		},
	}
	return c, nil
}
