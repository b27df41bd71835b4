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

package comms

import (
	"context"
	"net"
	"net/netip"
	"strconv"

	"go.uber.org/zap"

	"github.com/krillcache/krill/internal/events"
)

// ConnectFunc receives the outcome of a StartConnect. It is invoked
// exactly once, on the scheduler, unless the socket closed first.
type ConnectFunc func(s *Socket, status Status, errno error, dnsMsg string)

// Network abstracts socket opening and connecting so the forwarding
// core can be driven against a fake in tests.
type Network interface {
	// OpenStream makes an unconnected stream socket that will bind
	// to local and carry tos when connected. The note labels the
	// socket in diagnostics.
	OpenStream(local netip.Addr, tos int, note string) (*Socket, error)

	// StartConnect resolves host and connects the socket, then
	// delivers the outcome to cb on the scheduler.
	StartConnect(s *Socket, host string, port uint16, cb ConnectFunc)
}

// NetNetwork is the production Network over the operating system's
// TCP stack.
type NetNetwork struct {
	Sched    events.Scheduler
	Resolver *Resolver
	Logger   *zap.Logger
}

// NewNetNetwork wires a Network over the given scheduler and resolver.
func NewNetNetwork(sched events.Scheduler, resolver *Resolver, logger *zap.Logger) *NetNetwork {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetNetwork{Sched: sched, Resolver: resolver, Logger: logger}
}

// OpenStream allocates the socket record. The underlying descriptor
// is created when the connect starts.
func (n *NetNetwork) OpenStream(local netip.Addr, tos int, note string) (*Socket, error) {
	return NewSocket(n.Sched, local, tos, note), nil
}

// StartConnect resolves and dials on a worker goroutine and posts the
// outcome back to the loop. A socket closed mid-flight swallows the
// callback, matching the closed-descriptor contract.
func (n *NetNetwork) StartConnect(s *Socket, host string, port uint16, cb ConnectFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	s.setCancelDial(cancel)

	go func() {
		addr, err := n.Resolver.LookupIP(ctx, host)
		if err != nil {
			dnsErr, _ := err.(*DNSError)
			msg := err.Error()
			if dnsErr != nil {
				msg = dnsErr.Message
			}
			n.deliver(s, cb, StatusErrDNS, err, msg, nil)
			return
		}

		dialer := net.Dialer{Control: sockoptControl(s.tos)}
		if s.local.IsValid() && !s.local.IsUnspecified() {
			dialer.LocalAddr = &net.TCPAddr{IP: s.local.AsSlice()}
		}
		target := net.JoinHostPort(addr.String(), strconv.Itoa(int(port)))
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			n.deliver(s, cb, StatusErrConnect, err, "", nil)
			return
		}
		n.deliver(s, cb, StatusOK, nil, "", conn)
	}()
}

func (n *NetNetwork) deliver(s *Socket, cb ConnectFunc, status Status, errno error, dnsMsg string, conn net.Conn) {
	n.Sched.Post(func() {
		if s.Closed() {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if conn != nil {
			s.SetConn(conn)
		}
		cb(s, status, errno, dnsMsg)
	})
}
