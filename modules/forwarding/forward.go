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

package forwarding

import (
	"crypto/tls"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/krillcache/krill/internal/acl"
	"github.com/krillcache/krill/internal/comms"
	"github.com/krillcache/krill/internal/errpage"
	"github.com/krillcache/krill/internal/events"
	"github.com/krillcache/krill/internal/peering"
	"github.com/krillcache/krill/internal/request"
	"github.com/krillcache/krill/internal/store"
)

// Retry deferral delays. The deferral breaks reentrant call chains
// and rate-limits retry storms; rotating back to the origin waits the
// longer of the two.
const (
	retryDelay       = 5 * time.Millisecond
	retryOriginDelay = 50 * time.Millisecond
)

// Forwarder drives one forwarded request from candidate selection
// through connect, TLS, dispatch, and retries, until the store entry
// is completed or aborted. All methods run on the loop goroutine.
type Forwarder struct {
	fw *Forwarding

	entry   *store.Entry
	request *request.Request
	client  string

	server        *comms.Socket
	serverHandler *comms.CloseHandler
	peerHandler   *comms.CloseHandler

	servers *peering.Candidate
	err     *errpage.Error
	start   time.Time

	nTries      int
	originTries int

	flags struct {
		forwardCompleted bool
		dontRetry        bool
	}

	// self represents "a pending callback still needs me": it holds
	// one reference for as long as a connect, TLS, retry event, or
	// selection result has yet to deliver into this forwarder.
	self *Forwarder
	refs int

	logger *zap.Logger
}

func newForwarder(fw *Forwarding, client string, entry *store.Entry, r *request.Request) *Forwarder {
	f := &Forwarder{
		fw:      fw,
		entry:   entry,
		request: r,
		client:  client,
		start:   fw.now(),
		logger: fw.Logger.With(
			zap.String("url", entry.URL()),
			zap.String("trace_id", r.TraceID.String())),
	}
	entry.Lock()
	entry.SetFlag(store.FwdHdrWait)
	f.acquireSelf()
	entry.RegisterAbort(f.abort)
	return f
}

/**** reference discipline ***************************************************/

func (f *Forwarder) ref() { f.refs++ }

func (f *Forwarder) deref() {
	f.refs--
	if f.refs == 0 {
		f.destroy()
	}
}

// acquireSelf takes the self-reference if it is not already held.
func (f *Forwarder) acquireSelf() {
	if f.self == nil {
		f.self = f
		f.ref()
	}
}

// releaseSelf drops the self-reference; the last drop destroys the
// forwarder.
func (f *Forwarder) releaseSelf() {
	if f.self != nil {
		f.self = nil
		f.deref()
	}
}

// Release drops a reference handed out at dispatch time. Fetchers
// call it when they are finished with the forwarder.
func (f *Forwarder) Release() {
	f.fw.Sched.Post(f.deref)
}

// destroy is the terminal teardown. Releasing a forwarder that never
// completed runs the terminal bookkeeping first.
func (f *Forwarder) destroy() {
	f.logger.Debug("forwarder teardown starting")
	if !f.flags.forwardCompleted {
		f.completed()
	}

	freeCandidates(&f.servers)
	f.err = nil

	f.entry.UnregisterAbort()
	f.entry.Unlock()

	if s := f.server; s != nil {
		f.server = nil
		s.RemoveCloseHandler(f.serverHandler)
		f.serverHandler = nil
		f.logger.Debug("closing leftover server socket")
		s.Close()
	}
	f.logger.Debug("forwarder teardown done")
}

// abort is registered with the entry: an aborted entry posts a job to
// the loop that closes the upstream socket and drops the
// self-reference.
func (f *Forwarder) abort() {
	f.fw.Sched.Post(func() {
		if s := f.server; s != nil {
			s.Close()
		}
		f.releaseSelf()
	})
}

/**** accessors used by fetchers *********************************************/

// Entry returns the store entry being filled.
func (f *Forwarder) Entry() *store.Entry { return f.entry }

// Request returns the request being forwarded.
func (f *Forwarder) Request() *request.Request { return f.request }

// Server returns the socket the fetcher owns, nil after close.
func (f *Forwarder) Server() *comms.Socket { return f.server }

// Scheduler exposes the loop for fetcher callbacks.
func (f *Forwarder) Scheduler() events.Scheduler { return f.fw.Sched }

// Peer returns the active candidate's peer, nil when direct.
func (f *Forwarder) Peer() *peering.Peer {
	if f.servers != nil {
		return f.servers.Peer
	}
	return nil
}

// PconnKey returns the pool key for the current attempt so fetchers
// can park a reusable connection.
func (f *Forwarder) PconnKey() (host string, port uint16, domain string) {
	if fs := f.servers; fs != nil && fs.Peer != nil {
		host, port = fs.Peer.Host, fs.Peer.Port
		if fs.Peer.Options.OriginServer {
			domain = f.request.Host
		}
		return
	}
	return f.request.Host, f.request.Port, ""
}

// PconnPush parks the given socket for reuse under the current key.
func (f *Forwarder) PconnPush(s *comms.Socket) {
	host, port, domain := f.PconnKey()
	f.fw.Pconn.Push(s, host, port, domain)
}

/**** state machine **********************************************************/

// startComplete receives the candidate list from peer selection.
func (f *Forwarder) startComplete(head *peering.Candidate) {
	f.logger.Debug("peer selection delivered",
		zap.Bool("has_candidates", head != nil))
	if head == nil {
		f.startFail()
		return
	}
	f.servers = head
	f.connectStart()
}

// startFail terminates a forward that never had a candidate.
func (f *Forwarder) startFail() {
	f.fail(errpage.New(errpage.ErrCannotForward, 503, f.request))
	f.releaseSelf()
}

// connectStart begins one attempt against the head candidate: either
// adopt a pooled connection or open and connect a fresh socket.
func (f *Forwarder) connectStart() {
	if f.refs == 0 || f.flags.forwardCompleted || f.entry.Status() != store.StorePending {
		// the forward ended (abort, shutdown) while the retry event
		// was queued
		return
	}
	fs := f.servers
	if fs == nil || f.server != nil {
		f.logger.DPanic("connectStart in invalid state",
			zap.Bool("have_candidate", fs != nil),
			zap.Bool("have_socket", f.server != nil))
		return
	}

	var (
		host     string
		port     uint16
		domain   string
		ctimeout time.Duration
	)
	if fs.Peer != nil {
		host = fs.Peer.Host
		port = fs.Peer.Port
		ctimeout = f.fw.PeerConnectTimeout
		if fs.Peer.ConnectTimeout > 0 {
			ctimeout = fs.Peer.ConnectTimeout
		}
		if fs.Peer.Options.OriginServer {
			domain = f.request.Host
		}
	} else {
		host = f.request.Host
		port = f.request.Port
		ctimeout = f.fw.ConnectTimeout
	}

	// Clamp the attempt toward the remaining forwarding budget, but
	// always leave a floor to finish a connect already under way.
	ftimeout := f.fw.ForwardTimeout - f.fw.now().Sub(f.start)
	if ftimeout < 5*time.Second {
		ftimeout = 5 * time.Second
	}
	if ftimeout < ctimeout {
		ctimeout = ftimeout
	}

	if idle := f.fw.Pconn.Pop(host, port, domain); idle != nil {
		if f.checkRetriable() {
			f.logger.Debug("reusing pooled connection",
				zap.String("key", pconnKey(host, port, domain)))
			f.server = idle
			f.nTries++
			if fs.Peer == nil {
				f.originTries++
			}
			f.serverHandler = idle.AddCloseHandler(f.serverClosed)
			f.peerHandler = nil
			f.dispatch()
			return
		}
		// Discard the pooled connection rather than reuse it for an
		// unreplayable request, so the open-connection accounting
		// stays balanced under POST-heavy traffic.
		idle.Close()
	}

	ch := acl.NewChecklist(f.request)
	outgoing := f.fw.outgoingAddr(ch)
	tos := f.fw.outgoingTOS(ch)
	f.logger.Debug("opening upstream socket",
		zap.String("host", host),
		zap.Uint16("port", port),
		zap.String("outgoing", outgoing.String()),
		zap.Int("tos", tos))

	sock, err := f.fw.Network.OpenStream(outgoing, tos, f.entry.URL())
	if err != nil {
		e := errpage.New(errpage.ErrSocketFailure, 500, f.request)
		e.Errno = err
		f.fail(e)
		f.releaseSelf()
		return
	}

	f.server = sock
	f.nTries++
	if fs.Peer == nil {
		f.originTries++
	}

	// conn_open accounts for the connections we hold toward the
	// peer's max-conn limit, so it is incremented before the connect
	// can fail and decremented from the socket's close handler.
	if fs.Peer != nil {
		p := fs.Peer
		p.Stats.ConnOpen++
		f.peerHandler = sock.AddCloseHandler(func() { p.Stats.ConnOpen-- })
	} else {
		f.peerHandler = nil
	}
	f.serverHandler = sock.AddCloseHandler(f.serverClosed)

	sock.SetTimeout(ctimeout, f.connectTimeout)

	if fs.Peer != nil {
		f.request.NoteHierarchy(fs.Code, fs.Peer.Host)
	} else {
		f.request.NoteHierarchy(fs.Code, f.request.Host)
	}

	f.fw.Network.StartConnect(sock, host, port, f.connectDone)
}

// connectDone receives the outcome of the TCP connect.
func (f *Forwarder) connectDone(s *comms.Socket, status comms.Status, errno error, dnsMsg string) {
	if s != f.server {
		// the socket was closed while the result was in flight
		return
	}
	fs := f.servers

	if f.fw.LogIPOnDirect && status != comms.StatusErrDNS && fs != nil && fs.Code == request.HierDirect {
		f.request.NoteHierarchy(fs.Code, s.RemoteAddrString())
	}

	switch {
	case status == comms.StatusErrDNS:
		// A direct fetch with an unresolvable origin is hopeless; a
		// failed peer lookup still leaves the other candidates.
		if fs == nil || fs.Peer == nil {
			f.flags.dontRetry = true
		}
		f.logger.Debug("unknown host", zap.String("host", f.request.Host),
			zap.String("detail", dnsMsg))
		e := errpage.New(errpage.ErrDNSFail, 503, f.request)
		e.DNSMessage = dnsMsg
		f.fail(e)
		s.Close()

	case status != comms.StatusOK:
		e := errpage.New(errpage.ErrConnectFail, 503, f.request)
		e.Errno = errno
		f.fail(e)
		if fs != nil && fs.Peer != nil {
			fs.Peer.ConnectFailed()
		}
		s.Close()

	default:
		f.logger.Debug("connected", zap.String("remote", s.RemoteAddrString()))
		if fs != nil && fs.Peer != nil {
			fs.Peer.ConnectSucceeded()
		}
		if (fs != nil && fs.Peer != nil && fs.Peer.UseTLS) ||
			((fs == nil || fs.Peer == nil) && f.request.Protocol == request.ProtoHTTPS) {
			f.initiateTLS()
			return
		}
		f.dispatch()
	}
}

// connectTimeout fires when the per-attempt deadline lapses before
// the connect completes.
func (f *Forwarder) connectTimeout() {
	s := f.server
	if s == nil {
		return
	}
	f.logger.Debug("connect timed out")
	if fs := f.servers; f.fw.LogIPOnDirect && fs != nil && fs.Code == request.HierDirect && s.RemoteAddrString() != "" {
		f.request.NoteHierarchy(fs.Code, s.RemoteAddrString())
	}
	if f.entry.IsEmpty() {
		e := errpage.New(errpage.ErrConnectFail, 504, f.request)
		e.Errno = syscall.ETIMEDOUT
		f.fail(e)
		if fs := f.servers; fs != nil && fs.Peer != nil {
			fs.Peer.ConnectFailed()
		}
	}
	s.Close()
}

// initiateTLS allocates the client session and starts the handshake
// on a worker; the loop resumes in negotiateTLS.
func (f *Forwarder) initiateTLS() {
	fs := f.servers
	s := f.server

	var cfg *tls.Config
	if fs != nil && fs.Peer != nil {
		cfg = fs.Peer.TLSClientConfig()
	} else {
		cfg = f.fw.TLSClientConfig
		if cfg == nil {
			cfg = new(tls.Config)
		} else {
			cfg = cfg.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = f.request.Host
		}
	}

	conn := s.Conn()
	if conn == nil {
		e := errpage.New(errpage.ErrSocketFailure, 500, f.request)
		f.fail(e)
		f.releaseSelf()
		return
	}
	tc := tls.Client(conn, cfg)
	go func() {
		err := tc.Handshake()
		f.fw.Sched.Post(func() { f.negotiateTLS(s, tc, err) })
	}()
}

// negotiateTLS finishes (or fails) the handshake started by
// initiateTLS.
func (f *Forwarder) negotiateTLS(s *comms.Socket, tc *tls.Conn, err error) {
	if s != f.server || s.Closed() {
		return
	}
	fs := f.servers

	if err != nil {
		f.logger.Debug("TLS negotiation failed", zap.Error(err))
		e := errpage.New(errpage.ErrConnectFail, 503, f.request)
		e.Errno = syscall.EPROTO
		f.fail(e)
		if fs != nil && fs.Peer != nil {
			fs.Peer.ConnectFailed()
			// Take over the close-time decrement so the failed
			// handshake is accounted exactly once.
			s.RemoveCloseHandler(f.peerHandler)
			f.peerHandler = nil
			fs.Peer.Stats.ConnOpen--
		}
		s.Close()
		return
	}

	if fs != nil && fs.Peer != nil && !tc.ConnectionState().DidResume {
		f.logger.Debug("new TLS session stored",
			zap.String("peer", fs.Peer.Name))
	}
	s.ReplaceConn(tc)
	f.dispatch()
}

// dispatch hands the connected socket to the protocol fetcher. After
// a successful handoff the fetcher owns progress and the
// self-reference is dropped.
func (f *Forwarder) dispatch() {
	if f.server == nil {
		f.logger.DPanic("dispatch without a server socket")
		return
	}
	f.logger.Debug("dispatching",
		zap.String("method", f.request.Method),
		zap.String("client", f.client))

	f.server.ClearTimeout()

	if f.entry.PingStatus() == store.PingWaiting {
		f.logger.DPanic("dispatch while neighbor ping outstanding")
	}
	if f.entry.LockCount() == 0 {
		f.logger.DPanic("dispatch on unlocked entry")
	}
	f.entry.SetFlag(store.Dispatched)

	if f.fw.NetdbPing != nil {
		f.fw.NetdbPing(f.request.Host)
	}

	var fetcher Fetcher
	if fs := f.servers; fs != nil && fs.Peer != nil {
		fs.Peer.Stats.Fetches++
		f.request.PeerLogin = fs.Peer.Login
		f.request.PeerDomain = fs.Peer.Domain
		fetcher = f.fw.Fetchers[request.ProtoHTTP]
	} else {
		f.request.PeerLogin = ""
		f.request.PeerDomain = ""
		switch f.request.Protocol {
		case request.ProtoInternal, request.ProtoCacheObj, request.ProtoURN:
			panic("forwarding: pseudo-protocol reached dispatch")
		default:
			fetcher = f.fw.Fetchers[f.request.Protocol]
		}
	}

	if fetcher == nil {
		f.logger.Warn("cannot retrieve request: no fetcher",
			zap.String("protocol", f.request.Protocol.String()))
		f.fail(errpage.New(errpage.ErrUnsupportedRequest, 400, f.request))
		// Not a transient network condition, and the client side may
		// have sent garbage over a reused connection; drop both.
		f.request.Flags.ProxyKeepalive = false
		f.flags.dontRetry = true
		f.server.Close()
		f.releaseSelf()
		return
	}

	f.ref() // the fetcher's handle; it calls Release when done
	fetcher.Start(f)
	f.releaseSelf()
}

// serverClosed runs from the socket close handler; it is the sole
// retry trigger.
func (f *Forwarder) serverClosed() {
	f.logger.Debug("server connection closed",
		zap.Int("tries", f.nTries),
		zap.Duration("elapsed", f.fw.now().Sub(f.start)))
	f.server = nil
	f.serverHandler = nil
	f.peerHandler = nil

	if f.checkRetry() {
		originserver := f.servers != nil && f.servers.Peer == nil
		if f.servers != nil && f.servers.Next != nil {
			originserver = advanceCandidates(&f.servers, originserver)
		}

		delay := retryDelay
		if originserver {
			delay = retryOriginDelay
		}
		// Deferred rather than immediate: the close may have been
		// delivered from inside a connect chain, and a tight retry
		// loop should still yield between attempts.
		f.acquireSelf()
		f.fw.Sched.PostAfter(delay, f.connectStart)
		return
	}

	if f.err == nil && f.fw.ShuttingDown() {
		f.fail(errpage.New(errpage.ErrShuttingDown, 503, f.request))
	}

	f.releaseSelf()
}

// Unregister detaches the forwarder from the socket without closing
// it, for fetchers that keep the connection (e.g. to pool it).
func (f *Forwarder) Unregister() {
	s := f.server
	if s == nil {
		f.logger.DPanic("unregister without a server socket")
		return
	}
	s.RemoveCloseHandler(f.serverHandler)
	f.serverHandler = nil
	f.server = nil
}

// Fail records the error to surface if no later attempt succeeds. A
// newer error replaces an older one.
func (f *Forwarder) Fail(e *errpage.Error) { f.fail(e) }

func (f *Forwarder) fail(e *errpage.Error) {
	f.logger.Debug("attempt failed",
		zap.String("error", e.Code.String()),
		zap.Int("status", e.Status))
	if e.Request == nil {
		e.Request = f.request
	}
	f.err = e
}

// Complete is called by a fetcher once the upstream reply is done:
// either re-forward to the next candidate or finish the entry.
func (f *Forwarder) Complete() {
	status := 0
	if rep := f.entry.Reply(); rep != nil {
		status = rep.StatusCode
	}
	if f.entry.Status() != store.StorePending {
		f.logger.DPanic("complete on a non-pending entry",
			zap.String("store_status", f.entry.Status().String()))
		return
	}
	f.logger.Debug("upstream reply complete", zap.Int("status", status),
		zap.String("method", f.request.Method))

	f.fw.Stats.LogReplyStatus(f.nTries, status)

	if f.reforward() {
		f.logger.Debug("re-forwarding", zap.Int("status", status))
		if f.server != nil {
			f.Unregister()
		}
		f.entry.Reset()
		// Re-establish the self-reference before re-entering the
		// connect path, or the reference count could reach zero
		// before a new connection is established.
		f.acquireSelf()
		f.startComplete(f.servers)
		return
	}

	f.entry.ClearFlag(store.FwdHdrWait)
	f.entry.Complete()
	if f.server == nil {
		f.completed()
	}
}

// completed is the idempotent terminal bookkeeping: exactly one of
// "reply committed" or "error appended" must have happened by the
// time the forwarder goes away.
func (f *Forwarder) completed() {
	if f.flags.forwardCompleted {
		f.logger.Warn("forwarding already completed")
		return
	}
	f.flags.forwardCompleted = true

	if f.entry.Status() == store.StorePending {
		if f.entry.IsEmpty() {
			if f.err == nil {
				f.logger.DPanic("empty entry completed with no error")
			} else {
				errpage.AppendToEntry(f.entry, f.err)
				f.err = nil
			}
		} else {
			f.entry.ClearFlag(store.FwdHdrWait)
			f.entry.Complete()
			f.entry.MarkRelease()
		}
	}

	if f.entry.PendingClients() > 0 && f.entry.TestFlag(store.FwdHdrWait) {
		f.logger.DPanic("clients waiting but reply headers never committed")
	}
}
