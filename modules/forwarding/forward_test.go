package forwarding

import (
	"strings"
	"syscall"
	"testing"

	"github.com/krillcache/krill/internal/comms"
	"github.com/krillcache/krill/internal/errpage"
	"github.com/krillcache/krill/internal/peering"
	"github.com/krillcache/krill/internal/request"
	"github.com/krillcache/krill/internal/store"
)

func direct() *peering.Candidate {
	return &peering.Candidate{Code: request.HierDirect}
}

func viaPeer(p *peering.Peer) *peering.Candidate {
	return &peering.Candidate{Peer: p, Code: request.HierDefaultParent}
}

func TestHappyDirectGET(t *testing.T) {
	h := newHarness(t, direct)
	entry := h.start(newGET("origin.example"))

	c := h.network.lastConnect(t)
	if c.host != "origin.example" || c.port != 80 {
		t.Errorf("connected to %s:%d, want origin.example:80", c.host, c.port)
	}
	c.deliver(comms.StatusOK, nil, "", nil)
	h.sched.run()

	fwd := h.fetcher.last(t)
	if fwd.nTries != 1 || fwd.originTries != 1 {
		t.Errorf("tries = %d/%d, want 1/1", fwd.nTries, fwd.originTries)
	}

	h.completeAs(t, 200, "hello")

	if entry.TestFlag(store.FwdHdrWait) {
		t.Error("header-wait flag still set after completion")
	}
	if got := entry.Status(); got != store.StoreOK {
		t.Errorf("entry status = %v, want OK", got)
	}
	if got := h.fw.Stats.Count(1, 200); got != 1 {
		t.Errorf("reply codes [try 1][200] = %d, want 1", got)
	}
}

func TestPeerFailureFallsBackToDirect(t *testing.T) {
	p := peering.NewPeer("cache1", "peer.example", 3128)
	h := newHarness(t, func() *peering.Candidate {
		head := viaPeer(p)
		head.Next = direct()
		return head
	})
	entry := h.start(newGET("origin.example"))

	c := h.network.lastConnect(t)
	if c.host != "peer.example" {
		t.Fatalf("first attempt went to %s, want the peer", c.host)
	}
	if p.Stats.ConnOpen != 1 {
		t.Errorf("conn_open = %d after open, want 1", p.Stats.ConnOpen)
	}
	c.deliver(comms.StatusErrConnect, syscall.ECONNREFUSED, "", nil)
	h.sched.run()

	if p.Stats.ConnOpen != 0 {
		t.Errorf("conn_open = %d after failure, want 0", p.Stats.ConnOpen)
	}
	if p.Stats.ConnectFails != 1 {
		t.Errorf("connect failures = %d, want 1", p.Stats.ConnectFails)
	}

	// the retry is deferred, not immediate
	timers := h.sched.pendingTimers()
	if len(timers) != 1 {
		t.Fatalf("pending retry timers = %d, want 1", len(timers))
	}
	if timers[0].delay != retryDelay {
		t.Errorf("retry delay = %v, want %v", timers[0].delay, retryDelay)
	}
	h.sched.fire()

	c = h.network.lastConnect(t)
	if c.host != "origin.example" {
		t.Fatalf("second attempt went to %s, want the origin", c.host)
	}
	c.deliver(comms.StatusOK, nil, "", nil)
	h.sched.run()

	fwd := h.fetcher.last(t)
	if fwd.nTries != 2 || fwd.originTries != 1 {
		t.Errorf("tries = %d/%d, want 2/1", fwd.nTries, fwd.originTries)
	}
	h.completeAs(t, 200, "hello")

	if rep := entry.Reply(); rep == nil || rep.StatusCode != 200 {
		t.Errorf("client reply = %+v, want 200", rep)
	}
	if p.Stats.ConnOpen != 0 {
		t.Errorf("conn_open = %d at end, want 0", p.Stats.ConnOpen)
	}
}

func TestDNSFailureOnDirectIsTerminal(t *testing.T) {
	h := newHarness(t, direct)
	entry := h.start(newGET("no-such-host.example"))

	c := h.network.lastConnect(t)
	c.deliver(comms.StatusErrDNS, nil, "NXDOMAIN", nil)
	h.sched.run()
	h.sched.fire()

	if n := len(h.network.connects); n != 1 {
		t.Errorf("connect attempts = %d, want 1 (DNS failure must not retry)", n)
	}
	rep := entry.Reply()
	if rep == nil || rep.StatusCode != 503 {
		t.Fatalf("client reply = %+v, want 503", rep)
	}
	if body := string(entry.Body()); !strings.Contains(body, "ERR_DNS_FAIL") {
		t.Errorf("error page does not name the DNS failure: %q", body)
	}
	if !strings.Contains(string(entry.Body()), "NXDOMAIN") {
		t.Error("error page dropped the resolver's message")
	}
}

func TestDNSFailureOnPeerStillRetries(t *testing.T) {
	p := peering.NewPeer("cache1", "peer.example", 3128)
	h := newHarness(t, func() *peering.Candidate {
		head := viaPeer(p)
		head.Next = direct()
		return head
	})
	h.start(newGET("origin.example"))

	h.network.lastConnect(t).deliver(comms.StatusErrDNS, nil, "SERVFAIL", nil)
	h.sched.run()
	h.sched.fire()

	if n := len(h.network.connects); n != 2 {
		t.Fatalf("connect attempts = %d, want 2 (peer DNS failure retries)", n)
	}
	if got := h.network.lastConnect(t).host; got != "origin.example" {
		t.Errorf("fallback went to %s, want the origin", got)
	}
}

func TestAllCandidatesExhausted(t *testing.T) {
	p1 := peering.NewPeer("cache1", "peer1.example", 3128)
	p2 := peering.NewPeer("cache2", "peer2.example", 3128)
	h := newHarness(t, func() *peering.Candidate {
		head := viaPeer(p1)
		head.Next = viaPeer(p2)
		return head
	})
	h.fw.Retry.MaxTries = 2
	entry := h.start(newGET("origin.example"))

	for len(h.sched.pendingTimers()) > 0 || len(h.network.connects) < 3 {
		h.network.lastConnect(t).deliver(comms.StatusErrConnect, syscall.ECONNREFUSED, "", nil)
		h.sched.run()
		if len(h.sched.pendingTimers()) == 0 {
			break
		}
		h.sched.fire()
	}

	rep := entry.Reply()
	if rep == nil || rep.StatusCode != 503 {
		t.Fatalf("client reply = %+v, want the recorded 503", rep)
	}
	if body := string(entry.Body()); !strings.Contains(body, "ERR_CONNECT_FAIL") {
		t.Errorf("error page = %q, want connect failure", body)
	}
	if p1.Stats.ConnOpen != 0 || p2.Stats.ConnOpen != 0 {
		t.Errorf("conn_open = %d/%d at end, want 0/0",
			p1.Stats.ConnOpen, p2.Stats.ConnOpen)
	}
}

func TestBodySentPreventsRetry(t *testing.T) {
	p1 := peering.NewPeer("cache1", "peer1.example", 3128)
	p2 := peering.NewPeer("cache2", "peer2.example", 3128)
	h := newHarness(t, func() *peering.Candidate {
		head := viaPeer(p1)
		head.Next = viaPeer(p2)
		return head
	})

	r := newGET("origin.example")
	r.Method = "POST"
	entry := h.start(r)

	h.network.lastConnect(t).deliver(comms.StatusOK, nil, "", nil)
	h.sched.run()

	fwd := h.fetcher.last(t)
	// the fetcher sent the body, then the server dropped the
	// connection without replying
	r.Flags.BodySent = true
	fwd.Fail(func() *errpage.Error {
		e := errpage.New(errpage.ErrReadError, 502, r)
		e.Errno = syscall.ECONNRESET
		return e
	}())
	fwd.Server().Close()
	fwd.Release()
	h.sched.run()
	h.sched.fire()

	if fwd.nTries != 1 {
		t.Errorf("tries = %d, want 1 (sent body must not retry)", fwd.nTries)
	}
	if n := len(h.network.connects); n != 1 {
		t.Errorf("connect attempts = %d, want 1", n)
	}
	rep := entry.Reply()
	if rep == nil || rep.StatusCode != 502 {
		t.Errorf("client reply = %+v, want the first error", rep)
	}
}

func TestReforwardOn502(t *testing.T) {
	pa := peering.NewPeer("a", "peer-a.example", 3128)
	pb := peering.NewPeer("b", "peer-b.example", 3128)
	h := newHarness(t, func() *peering.Candidate {
		head := viaPeer(pa)
		head.Next = viaPeer(pb)
		return head
	})
	entry := h.start(newGET("origin.example"))

	h.network.lastConnect(t).deliver(comms.StatusOK, nil, "", nil)
	h.sched.run()

	// peer A answers 502; the fetcher reports completion
	h.completeAs(t, 502, "bad gateway")

	if n := len(h.network.connects); n != 2 {
		t.Fatalf("connect attempts = %d, want 2 (502 re-forwards)", n)
	}
	c := h.network.lastConnect(t)
	if c.host != "peer-b.example" {
		t.Fatalf("re-forward went to %s, want peer B", c.host)
	}
	c.deliver(comms.StatusOK, nil, "", nil)
	h.sched.run()

	h.completeAs(t, 200, "fresh")

	rep := entry.Reply()
	if rep == nil || rep.StatusCode != 200 {
		t.Errorf("client reply = %+v, want 200 from peer B", rep)
	}
	if got := h.fw.Stats.Count(1, 502); got != 1 {
		t.Errorf("reply codes [try 1][502] = %d, want 1", got)
	}
	if got := h.fw.Stats.Count(2, 200); got != 1 {
		t.Errorf("reply codes [try 2][200] = %d, want 1", got)
	}
}

func TestConnectTimeoutRetries(t *testing.T) {
	p := peering.NewPeer("cache1", "peer.example", 3128)
	h := newHarness(t, func() *peering.Candidate {
		head := viaPeer(p)
		head.Next = direct()
		return head
	})
	h.start(newGET("origin.example"))

	// the connect never completes; the attempt timer fires
	h.sched.fire()
	h.sched.fire() // retry deferral

	if n := len(h.network.connects); n != 2 {
		t.Fatalf("connect attempts = %d, want 2 after a timeout", n)
	}
	if p.Stats.ConnectFails != 1 {
		t.Errorf("peer connect failures = %d, want 1", p.Stats.ConnectFails)
	}
	if p.Stats.ConnOpen != 0 {
		t.Errorf("conn_open = %d, want 0 after timeout close", p.Stats.ConnOpen)
	}
}

func TestNoCandidatesFailsImmediately(t *testing.T) {
	h := newHarness(t, func() *peering.Candidate { return nil })
	entry := h.start(newGET("origin.example"))

	rep := entry.Reply()
	if rep == nil || rep.StatusCode != 503 {
		t.Fatalf("client reply = %+v, want 503", rep)
	}
	if body := string(entry.Body()); !strings.Contains(body, "ERR_CANNOT_FORWARD") {
		t.Errorf("error page = %q, want cannot-forward", body)
	}
}

func TestMissAccessDenied(t *testing.T) {
	h := newHarness(t, direct)
	h.fw.MissAccess = denyAllRules(t)

	r := newGET("origin.example")
	r.ClientAddr = mustAddr(t, "198.51.100.7")
	entry := h.start(r)

	rep := entry.Reply()
	if rep == nil || rep.StatusCode != 403 {
		t.Fatalf("client reply = %+v, want 403", rep)
	}
	if n := len(h.network.connects); n != 0 {
		t.Errorf("connect attempts = %d, want none for a denied request", n)
	}
}

func TestShutdownRefusesForwarding(t *testing.T) {
	h := newHarness(t, direct)
	h.shutdown = true
	entry := h.start(newGET("origin.example"))

	rep := entry.Reply()
	if rep == nil || rep.StatusCode != 503 {
		t.Fatalf("client reply = %+v, want 503", rep)
	}
	if body := string(entry.Body()); !strings.Contains(body, "ERR_SHUTTING_DOWN") {
		t.Errorf("error page = %q, want shutting-down", body)
	}
}

func TestUnknownProtocolFails(t *testing.T) {
	h := newHarness(t, direct)
	delete(h.fw.Fetchers, request.ProtoWHOIS)

	r := newGET("origin.example")
	r.Protocol = request.ProtoWHOIS
	r.Port = 43
	entry := h.start(r)

	h.network.lastConnect(t).deliver(comms.StatusOK, nil, "", nil)
	h.sched.run()
	h.sched.fire()

	rep := entry.Reply()
	if rep == nil || rep.StatusCode != 400 {
		t.Fatalf("client reply = %+v, want 400", rep)
	}
	if r.Flags.ProxyKeepalive {
		t.Error("keep-alive still allowed after an unsupported request")
	}
	if n := len(h.network.connects); n != 1 {
		t.Errorf("connect attempts = %d, want 1 (bugs are not retried)", n)
	}
}

func TestCompletedTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t, direct)
	entry := h.start(newGET("origin.example"))

	h.network.lastConnect(t).deliver(comms.StatusErrDNS, nil, "NXDOMAIN", nil)
	h.sched.run()
	h.sched.fire()

	before := len(entry.Body())
	if before == 0 {
		t.Fatal("error page missing")
	}

	// a second completion must not change anything
	fwd := &Forwarder{fw: h.fw, entry: entry, request: newGET("x"), logger: h.fw.Logger}
	fwd.flags.forwardCompleted = true
	fwd.completed()

	if got := len(entry.Body()); got != before {
		t.Errorf("entry changed on duplicate completion: %d -> %d bytes", before, got)
	}
}

func TestUnregisterDetachesCloseHandler(t *testing.T) {
	h := newHarness(t, direct)
	h.start(newGET("origin.example"))

	h.network.lastConnect(t).deliver(comms.StatusOK, nil, "", nil)
	h.sched.run()

	fwd := h.fetcher.last(t)
	sock := fwd.Server()
	fwd.Unregister()
	if fwd.Server() != nil {
		t.Fatal("unregister left the socket attached")
	}

	tries := fwd.nTries
	sock.Close()
	h.sched.run()
	h.sched.fire()

	if fwd.nTries != tries {
		t.Error("closed handler ran after unregister")
	}
	if n := len(h.network.connects); n != 1 {
		t.Errorf("connect attempts = %d, want 1 (no retry after unregister)", n)
	}

	// let the forward finish so the entry is not left dangling
	fwd.Entry().SetReply(&store.Reply{StatusCode: 200})
	fwd.Complete()
	fwd.Release()
	h.sched.run()
}

func TestAbortClosesServerSocket(t *testing.T) {
	h := newHarness(t, direct)
	entry := h.start(newGET("origin.example"))

	h.network.lastConnect(t).deliver(comms.StatusOK, nil, "", nil)
	h.sched.run()

	fwd := h.fetcher.last(t)
	sock := fwd.Server()

	entry.Abort()
	h.sched.run()

	if !sock.Closed() {
		t.Error("abort left the server socket open")
	}
	fwd.Release()
	h.sched.run()
	h.sched.fire()
	if n := len(h.network.connects); n != 1 {
		t.Errorf("connect attempts = %d, want 1 (aborted entries do not retry)", n)
	}
}
