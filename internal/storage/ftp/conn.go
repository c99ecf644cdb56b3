package ftp

import (
	"context"
	"net"
	"time"
)

// deadlineConn arms an idle deadline before every read and write, capped by
// the deadline of the operation currently bound to it.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
	ctx     context.Context
	stop    func() bool
}

func newDeadlineConn(conn net.Conn, timeout time.Duration) *deadlineConn {
	return &deadlineConn{Conn: conn, timeout: timeout, ctx: context.Background()}
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.arm(); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.arm(); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

func (c *deadlineConn) arm() error {
	if err := c.ctx.Err(); err != nil {
		return err
	}

	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := c.ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return c.Conn.SetDeadline(deadline)
}

// bind attaches ctx to the connection until unbind is called. Canceling
// ctx unblocks any read or write in progress.
func (c *deadlineConn) bind(ctx context.Context) {
	c.unbind()
	c.ctx = ctx
	c.stop = context.AfterFunc(ctx, func() {
		_ = c.Conn.SetDeadline(time.Unix(1, 0))
	})
}

func (c *deadlineConn) unbind() {
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	c.ctx = context.Background()
}
