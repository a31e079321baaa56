// Package session caches the outcome of NTLM negotiation for an agent.
//
// The proxy authenticates a connection, but the agent negotiates once and
// sends the resulting header on later requests too. State holds that header
// and decides when it must be negotiated again.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sardanioss/proxyagent/auth"
)

// Phase is where the cached negotiation stands.
type Phase int

const (
	Absent Phase = iota
	Pending
	Resolved
	Failed
)

func (p Phase) String() string {
	switch p {
	case Absent:
		return "absent"
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// NegotiateFunc runs one handshake for the request carried by ctx.
type NegotiateFunc func(ctx context.Context) (auth.Header, error)

// State is the negotiation cache of one agent. The zero value is ready to
// use and never expires its header.
type State struct {
	// ReauthAfter, when positive, expires a resolved header this long after
	// it was negotiated.
	ReauthAfter time.Duration

	mu         sync.Mutex
	phase      Phase
	header     auth.Header
	resolvedAt time.Time
	lastErr    error

	group singleflight.Group
	now   func() time.Time
}

// Resolve returns the cached header, or runs negotiate to obtain one.
//
// Only one negotiation runs at a time: callers arriving while it is in
// flight wait for its result and share it. negotiate runs with the context
// of the caller that started it, so the connection it binds belongs to that
// caller's request. A waiter stops waiting when its own ctx is done.
//
// A failed negotiation is reported to every caller that shared it; the next
// call starts over.
func (s *State) Resolve(ctx context.Context, negotiate NegotiateFunc) (auth.Header, error) {
	for {
		if h, ok := s.cached(); ok {
			return h, nil
		}

		ran := false
		ch := s.group.DoChan("negotiate", func() (any, error) {
			ran = true
			s.setPhase(Pending)
			h, err := negotiate(ctx)

			s.mu.Lock()
			defer s.mu.Unlock()
			if err != nil {
				s.phase, s.lastErr = Failed, err
				return auth.Header{}, err
			}
			s.phase, s.header, s.resolvedAt, s.lastErr = Resolved, h, s.clock(), nil
			return h, nil
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				// The caller that ran the negotiation went away; that says
				// nothing about this request, so try again.
				if !ran && isContextErr(res.Err) && ctx.Err() == nil {
					continue
				}
				return auth.Header{}, res.Err
			}
			return res.Val.(auth.Header), nil
		case <-ctx.Done():
			return auth.Header{}, ctx.Err()
		}
	}
}

// cached returns the resolved header unless it has expired.
func (s *State) cached() (auth.Header, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Resolved {
		return auth.Header{}, false
	}
	if s.ReauthAfter > 0 && s.clock().Sub(s.resolvedAt) >= s.ReauthAfter {
		s.phase, s.header = Absent, auth.Header{}
		return auth.Header{}, false
	}
	return s.header, true
}

// Invalidate drops the cached header if it is still h, so the next request
// negotiates again. It reports whether anything was dropped; a header that
// was already replaced by a newer negotiation is left alone.
func (s *State) Invalidate(h auth.Header) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Resolved || s.header != h {
		return false
	}
	s.phase, s.header = Absent, auth.Header{}
	return true
}

// Phase reports the current phase.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err returns the error of the last failed negotiation.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *State) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *State) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
