package ftp

import (
	"context"
	"net"
	"sync"
	"time"

	"transferpool/internal/strategy"
)

// sockets tracks the raw connections of one session so Disconnect can tear
// them down without going through the ftp client.
type sockets struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[*trackedConn]struct{}
	closed bool
}

func newSockets() *sockets {
	ctx, cancel := context.WithCancel(context.Background())
	return &sockets{ctx: ctx, cancel: cancel, conns: make(map[*trackedConn]struct{})}
}

func (t *sockets) track(c net.Conn) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = c.Close()
		return nil, strategy.ErrConnectionClosed
	}
	tc := &trackedConn{Conn: c, owner: t}
	t.conns[tc] = struct{}{}
	return tc, nil
}

func (t *sockets) forget(tc *trackedConn) {
	t.mu.Lock()
	delete(t.conns, tc)
	t.mu.Unlock()
}

func (t *sockets) setDeadline(d time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c := range t.conns {
		_ = c.Conn.SetDeadline(d)
	}
}

// close is idempotent. Later dials fail with strategy.ErrConnectionClosed.
func (t *sockets) close() {
	t.cancel()
	t.mu.Lock()
	conns := t.conns
	t.conns = map[*trackedConn]struct{}{}
	t.closed = true
	t.mu.Unlock()

	for c := range conns {
		_ = c.Conn.Close()
	}
}

func (t *sockets) open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

type trackedConn struct {
	net.Conn
	owner *sockets
}

func (c *trackedConn) Close() error {
	c.owner.forget(c)
	return c.Conn.Close()
}
