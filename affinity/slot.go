// Package affinity pins a dispatched request to a connection that was obtained
// outside the normal dial path.
//
// The tunnel establisher and the NTLM negotiator both end up holding a socket
// that the real request must be sent over: a TLS conn running inside a CONNECT
// tunnel, or the conn an NTLM handshake authenticated. They Bind that conn to
// the request's Slot; the connection factory Takes it instead of dialing.
//
// A Slot lives in the request context, so there is no shared map keyed by
// request and nothing to clean up after the request is gone.
package affinity

import (
	"context"
	"net"
	"sync"
)

type slotKey struct{}

// Slot holds at most one connection bound to a single request.
type Slot struct {
	mu   sync.Mutex
	conn *trackedConn
}

// NewContext returns a copy of ctx carrying a fresh Slot.
func NewContext(ctx context.Context) (context.Context, *Slot) {
	s := &Slot{}
	return context.WithValue(ctx, slotKey{}, s), s
}

// FromContext returns the Slot carried by ctx, or nil.
func FromContext(ctx context.Context) *Slot {
	s, _ := ctx.Value(slotKey{}).(*Slot)
	return s
}

// Bind stores conn in the slot, replacing any previous binding. The previous
// conn is left open; callers own it.
//
// The returned conn must be used instead of conn: closing it clears the
// binding if it has not been taken yet.
func (s *Slot) Bind(conn net.Conn) net.Conn {
	tc := &trackedConn{Conn: conn, slot: s}
	s.mu.Lock()
	s.conn = tc
	s.mu.Unlock()
	return tc
}

// Take removes and returns the bound conn. A second Take returns false.
func (s *Slot) Take() (net.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, false
	}
	c := s.conn
	s.conn = nil
	return c, true
}

// Bound reports whether a conn is waiting in the slot.
func (s *Slot) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Release closes a binding that was never taken.
func (s *Slot) Release() error {
	c, ok := s.Take()
	if !ok {
		return nil
	}
	return c.Close()
}

// unbind clears the slot if it still points at tc.
func (s *Slot) unbind(tc *trackedConn) {
	s.mu.Lock()
	if s.conn == tc {
		s.conn = nil
	}
	s.mu.Unlock()
}

type trackedConn struct {
	net.Conn
	slot *Slot
	once sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() { c.slot.unbind(c) })
	return c.Conn.Close()
}

// NetConn returns the wrapped connection.
func (c *trackedConn) NetConn() net.Conn {
	return c.Conn
}
