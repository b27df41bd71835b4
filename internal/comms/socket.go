// Copyright 2019 The Krill Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package comms owns upstream sockets: opening them with the right
// source address and TOS byte, connecting them with DNS failures kept
// distinct from connect failures, and closing them with registered
// close handlers run exactly once.
package comms

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/krillcache/krill/internal/events"
)

// Status classifies the outcome of a connect attempt.
type Status int

const (
	StatusOK Status = iota
	StatusErrDNS
	StatusErrConnect
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusErrDNS:
		return "ERR_DNS"
	case StatusErrConnect:
		return "ERR_CONNECT"
	}
	return "INVALID"
}

// CloseHandler is a registered close callback. Its identity is the
// removal token.
type CloseHandler struct {
	fn func()
}

// Socket is one upstream stream socket. It exists before the
// underlying connection does; Close is idempotent and runs the
// registered close handlers exactly once, newest first.
type Socket struct {
	sched events.Scheduler

	mu         sync.Mutex
	conn       net.Conn
	closed     bool
	handlers   []*CloseHandler
	cancelDial context.CancelFunc
	timeout    events.CancelFunc
	timeoutGen uint64
	note       string

	// dial parameters, fixed at open time
	local netip.Addr
	tos   int
}

// NewSocket creates an unconnected socket. The local address and TOS
// apply when the socket is eventually connected.
func NewSocket(sched events.Scheduler, local netip.Addr, tos int, note string) *Socket {
	return &Socket{sched: sched, local: local, tos: tos, note: note}
}

// Note returns the diagnostic label given at open time.
func (s *Socket) Note() string { return s.note }

// Conn returns the underlying connection, nil until connected.
func (s *Socket) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// SetConn installs the established connection. If the socket was
// closed while the dial was in flight the connection is discarded.
func (s *Socket) SetConn(c net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if c != nil {
			c.Close()
		}
		return
	}
	s.conn = c
	s.mu.Unlock()
}

// ReplaceConn swaps the connection in place, e.g. after a TLS
// handshake promotes it. The previous connection is not closed; the
// new one wraps it.
func (s *Socket) ReplaceConn(c net.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

// RemoteAddrString returns the resolved remote address, or "".
func (s *Socket) RemoteAddrString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	if a := s.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Closed reports whether Close has run.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AddCloseHandler registers fn to run when the socket closes and
// returns its removal token. Handlers run newest-first.
func (s *Socket) AddCloseHandler(fn func()) *CloseHandler {
	h := &CloseHandler{fn: fn}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return h
	}
	s.handlers = append(s.handlers, h)
	return h
}

// RemoveCloseHandler detaches a handler so a later close will not
// invoke it.
func (s *Socket) RemoveCloseHandler(h *CloseHandler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.handlers {
		if cur == h {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			return
		}
	}
}

// SetTimeout arms (or re-arms) the socket's inactivity timer. The
// callback runs on the scheduler unless the socket closed, the timer
// was cleared, or a newer timer replaced it — a firing that already
// reached the queue checks its generation before running.
func (s *Socket) SetTimeout(d time.Duration, fn func()) {
	s.mu.Lock()
	if s.timeout != nil {
		cancel := s.timeout
		s.timeout = nil
		s.mu.Unlock()
		cancel()
		s.mu.Lock()
	}
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.timeoutGen++
	gen := s.timeoutGen
	s.timeout = s.sched.PostAfter(d, func() {
		s.mu.Lock()
		stale := s.closed || s.timeoutGen != gen
		s.mu.Unlock()
		if !stale {
			fn()
		}
	})
	s.mu.Unlock()
}

// ClearTimeout disarms the inactivity timer.
func (s *Socket) ClearTimeout() {
	s.mu.Lock()
	s.timeoutGen++
	cancel := s.timeout
	s.timeout = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// setCancelDial stores the cancel for an in-flight dial.
func (s *Socket) setCancelDial(cancel context.CancelFunc) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancelDial = cancel
	s.mu.Unlock()
}

// Close tears the socket down: the in-flight dial is cancelled, the
// connection closed, and close handlers run newest-first, once. It
// must be called on the loop goroutine; use CloseAsync elsewhere.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	cancelDial := s.cancelDial
	timeout := s.timeout
	s.timeout = nil
	handlers := s.handlers
	s.handlers = nil
	s.mu.Unlock()

	if cancelDial != nil {
		cancelDial()
	}
	if timeout != nil {
		timeout()
	}
	if conn != nil {
		conn.Close()
	}
	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i].fn()
	}
}

// CloseAsync schedules Close on the loop goroutine. Safe to call from
// any goroutine.
func (s *Socket) CloseAsync() {
	s.sched.Post(s.Close)
}
