package forwarding

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/krillcache/krill/internal/acl"
	"github.com/krillcache/krill/internal/comms"
	"github.com/krillcache/krill/internal/events"
	"github.com/krillcache/krill/internal/peering"
	"github.com/krillcache/krill/internal/request"
	"github.com/krillcache/krill/internal/store"
)

// stepScheduler is a deterministic events.Scheduler: posted jobs run
// when the test calls run(), deferred jobs when it calls fire().
type stepScheduler struct {
	mu     sync.Mutex
	queue  []func()
	timers []*fakeTimer
}

type fakeTimer struct {
	delay     time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

func (s *stepScheduler) Post(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
}

func (s *stepScheduler) PostAfter(d time.Duration, fn func()) events.CancelFunc {
	t := &fakeTimer{delay: d, fn: fn}
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.fired {
			return false
		}
		t.cancelled = true
		return true
	}
}

// run drains the immediate queue, including jobs queued by jobs.
func (s *stepScheduler) run() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

// fire triggers all pending timers, then drains the queue.
func (s *stepScheduler) fire() {
	s.mu.Lock()
	timers := s.timers
	s.timers = nil
	s.mu.Unlock()
	for _, t := range timers {
		if !t.cancelled {
			t.fired = true
			s.Post(t.fn)
		}
	}
	s.run()
}

func (s *stepScheduler) pendingTimers() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := []*fakeTimer{}
	for _, t := range s.timers {
		if !t.cancelled && !t.fired {
			live = append(live, t)
		}
	}
	return live
}

// fakeNetwork records connect attempts so tests can deliver outcomes.
type fakeNetwork struct {
	sched    events.Scheduler
	openErr  error
	connects []*fakeConnect
}

type fakeConnect struct {
	net  *fakeNetwork
	sock *comms.Socket
	host string
	port uint16
	cb   comms.ConnectFunc
}

func (n *fakeNetwork) lastConnect(t *testing.T) *fakeConnect {
	t.Helper()
	if len(n.connects) == 0 {
		t.Fatal("no connect attempt recorded")
	}
	return n.connects[len(n.connects)-1]
}

// deliver posts the connect outcome the way the production network
// does, honoring sockets closed while the result was in flight.
func (c *fakeConnect) deliver(status comms.Status, errno error, dnsMsg string, conn net.Conn) {
	c.net.sched.Post(func() {
		if c.sock.Closed() {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if conn != nil {
			c.sock.SetConn(conn)
		}
		c.cb(c.sock, status, errno, dnsMsg)
	})
}

// fakeFetcher records dispatches; tests then act as the fetcher.
type fakeFetcher struct {
	started []*Forwarder
}

func (ff *fakeFetcher) Start(fwd *Forwarder) {
	ff.started = append(ff.started, fwd)
}

func (ff *fakeFetcher) last(t *testing.T) *Forwarder {
	t.Helper()
	if len(ff.started) == 0 {
		t.Fatal("no dispatch recorded")
	}
	return ff.started[len(ff.started)-1]
}

// selectorFunc adapts a function to peering.Selector.
type selectorFunc func(r *request.Request, e *store.Entry, cb func(*peering.Candidate))

func (f selectorFunc) Select(r *request.Request, e *store.Entry, cb func(*peering.Candidate)) {
	f(r, e, cb)
}

// harness bundles a Forwarding env over fakes with a controllable
// clock.
type harness struct {
	sched    *stepScheduler
	network  *fakeNetwork
	fetcher  *fakeFetcher
	fw       *Forwarding
	now      time.Time
	shutdown bool
}

func newHarness(t *testing.T, candidates func() *peering.Candidate) *harness {
	t.Helper()
	h := &harness{
		sched: new(stepScheduler),
		now:   time.Unix(1000000, 0),
	}
	h.network = &fakeNetwork{sched: h.sched}
	h.fetcher = new(fakeFetcher)

	h.fw = &Forwarding{
		Sched:   h.sched,
		Network: (*harnessNetwork)(h.network),
		Selector: selectorFunc(func(r *request.Request, e *store.Entry, cb func(*peering.Candidate)) {
			cb(candidates())
		}),
		Fetchers: map[request.Protocol]Fetcher{
			request.ProtoHTTP:   h.fetcher,
			request.ProtoHTTPS:  h.fetcher,
			request.ProtoFTP:    h.fetcher,
			request.ProtoGopher: h.fetcher,
			request.ProtoWAIS:   h.fetcher,
			request.ProtoWHOIS:  h.fetcher,
		},
		ShuttingDown: func() bool { return h.shutdown },
		Logger:       zap.NewNop(),
	}
	if err := h.fw.Provision(); err != nil {
		t.Fatalf("provision: %v", err)
	}
	h.fw.now = func() time.Time { return h.now }
	return h
}

// harnessNetwork implements comms-facing Network over fakeNetwork.
type harnessNetwork fakeNetwork

func (n *harnessNetwork) OpenStream(local netip.Addr, tos int, note string) (*comms.Socket, error) {
	if n.openErr != nil {
		return nil, n.openErr
	}
	return comms.NewSocket(n.sched, local, tos, note), nil
}

func (n *harnessNetwork) StartConnect(s *comms.Socket, host string, port uint16, cb comms.ConnectFunc) {
	n.connects = append(n.connects, &fakeConnect{
		net: (*fakeNetwork)(n), sock: s, host: host, port: port, cb: cb,
	})
}

func denyAllRules(t *testing.T) []*acl.Rule {
	t.Helper()
	return []*acl.Rule{{Name: "all", Action: acl.Deny}}
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parse addr %q: %v", s, err)
	}
	return a
}

func newGET(host string) *request.Request {
	r := request.New("GET", "/index.html")
	r.Protocol = request.ProtoHTTP
	r.Host = host
	r.Port = 80
	return r
}

func (h *harness) start(r *request.Request) *store.Entry {
	entry := store.NewEntry(r.URL())
	h.fw.Start("198.51.100.7:55000", entry, r)
	h.sched.run()
	return entry
}

// completeAs plays the fetcher's part: commit a reply with the given
// status, signal completion, and drop the socket unless it was
// detached for reuse.
func (h *harness) completeAs(t *testing.T, status int, body string) {
	t.Helper()
	fwd := h.fetcher.last(t)
	sock := fwd.Server()
	fwd.Entry().SetReply(&store.Reply{StatusCode: status})
	if body != "" {
		fwd.Entry().Append([]byte(body))
	}
	fwd.Complete()
	if fwd.Server() == sock && sock != nil {
		sock.Close()
	}
	fwd.Release()
	h.sched.run()
}
