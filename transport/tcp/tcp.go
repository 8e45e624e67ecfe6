// Package tcp provides the stream plumbing for device sessions: a dialer
// and a connection wrapper that bounds every read and write with a
// deadline.
package tcp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/kabili207/rpi-messages-go/transport"
)

var _ transport.Dialer = (*Dialer)(nil)

// DefaultTimeout bounds connects and individual reads and writes.
const DefaultTimeout = 10 * time.Second

// Dialer opens TCP connections whose I/O is bounded by Timeout.
type Dialer struct {
	// Timeout bounds the connect and every later Read or Write.
	// Defaults to DefaultTimeout.
	Timeout time.Duration
}

// DialContext implements transport.Dialer. The returned connection applies
// Timeout to each operation.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	return WithTimeout(conn, timeout), nil
}

// Conn is a net.Conn that refreshes its deadline before each operation.
type Conn struct {
	net.Conn
	timeout time.Duration
}

// WithTimeout wraps c so that every Read and Write must complete within
// timeout. A non-positive timeout returns c unchanged.
func WithTimeout(c net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return c
	}
	if tc, ok := c.(*Conn); ok {
		tc.timeout = timeout
		return tc
	}
	return &Conn{Conn: c, timeout: timeout}
}

func (c *Conn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
