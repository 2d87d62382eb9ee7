package transport

import (
	"context"
	"net"
	"sync"
)

// Security is the transport security mode of a mail connection.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// Dialer dials with an operation context and keeps the raw connection so
// it can be torn down from outside the protocol client. It satisfies the
// Dial(network, addr) interface expected by the mail client libraries.
type Dialer struct {
	ctx context.Context
	d   net.Dialer

	mu   sync.Mutex
	conn net.Conn
}

// NewDialer returns a Dialer bound to ctx. The context deadline is applied
// to the connection as its I/O deadline.
func NewDialer(ctx context.Context) *Dialer {
	return &Dialer{ctx: ctx}
}

// Dial implements the mail client Dialer interfaces.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := d.d.DialContext(d.ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := d.ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	return conn, nil
}

// Close closes the dialed connection, if any. It is safe to call more
// than once and from another goroutine.
func (d *Dialer) Close() {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
