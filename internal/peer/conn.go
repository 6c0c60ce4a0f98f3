package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dreamware/sensornet/internal/measurement"
)

// RequestKeyword is the only request line a peer server answers.
const RequestKeyword = "GET_MEASUREMENT"

// ErrConnClosed is returned by Fetch on a connection that was closed.
var ErrConnClosed = errors.New("peer connection closed")

// Conn is an outbound connection to another sensor's peer server.
// A request/response exchange and Close hold the same lock, so a close never
// lands in the middle of an exchange and an exchange never sees a
// half-closed socket.
type Conn struct {
	conn    net.Conn
	r       *bufio.Reader
	addr    string
	timeout time.Duration
	mu      sync.Mutex
	closed  bool
}

// Dial connects to the peer server at addr. timeout bounds the dial and each
// later exchange; zero means no bound beyond ctx.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: nc, r: bufio.NewReader(nc), addr: addr, timeout: timeout}, nil
}

// Addr returns the remote address the connection was dialed to.
func (c *Conn) Addr() string {
	return c.addr
}

// Fetch asks the peer for its current measurement and waits for the reply.
func (c *Conn) Fetch(ctx context.Context) (measurement.Measurement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return measurement.Measurement{}, ErrConnClosed
	}

	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return measurement.Measurement{}, err
	}

	if _, err := c.conn.Write([]byte(RequestKeyword + "\n")); err != nil {
		return measurement.Measurement{}, fmt.Errorf("request %s: %w", c.addr, err)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return measurement.Measurement{}, fmt.Errorf("reply %s: %w", c.addr, err)
	}
	return measurement.Decode([]byte(line))
}

// Close closes the connection, waiting for an exchange in progress to end.
// Closing twice is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
