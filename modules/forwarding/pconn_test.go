package forwarding

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/krillcache/krill/internal/comms"
	"github.com/krillcache/krill/internal/events"
	"github.com/krillcache/krill/internal/peering"
)

func pipeSocket(t *testing.T, sched events.Scheduler) (*comms.Socket, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	s := comms.NewSocket(sched, netip.Addr{}, 0, "test")
	s.SetConn(client)
	t.Cleanup(func() { server.Close() })
	return s, server
}

func TestPconnPushPop(t *testing.T) {
	loop := events.NewLoop()
	loop.Start()
	defer loop.Stop()

	pool := NewPconnPool("test", loop, zap.NewNop())
	s, _ := pipeSocket(t, loop)

	pool.Push(s, "origin.example", 80, "")
	if got := pool.Count("origin.example", 80, ""); got != 1 {
		t.Fatalf("idle count = %d, want 1", got)
	}

	got := pool.Pop("origin.example", 80, "")
	if got != s {
		t.Fatal("pop returned a different socket")
	}
	if n := pool.Count("origin.example", 80, ""); n != 0 {
		t.Errorf("idle count after pop = %d, want 0", n)
	}
	if got.Closed() {
		t.Error("popped socket was closed")
	}
	loop.Post(got.Close)
	loop.Barrier()
}

func TestPconnPopEmpty(t *testing.T) {
	loop := events.NewLoop()
	loop.Start()
	defer loop.Stop()

	pool := NewPconnPool("test", loop, zap.NewNop())
	if got := pool.Pop("origin.example", 80, ""); got != nil {
		t.Error("pop on an empty pool should return nil")
	}
}

func TestPconnDomainKeying(t *testing.T) {
	loop := events.NewLoop()
	loop.Start()
	defer loop.Stop()

	pool := NewPconnPool("test", loop, zap.NewNop())
	s, _ := pipeSocket(t, loop)
	pool.Push(s, "peer.example", 3128, "site-a.example")

	if got := pool.Pop("peer.example", 3128, "site-b.example"); got != nil {
		t.Error("pop crossed the domain key")
	}
	if got := pool.Pop("peer.example", 3128, ""); got != nil {
		t.Error("pop ignored the domain key")
	}
	if got := pool.Pop("peer.example", 3128, "site-a.example"); got != s {
		t.Error("pop under the right key failed")
	}
	loop.Post(s.Close)
	loop.Barrier()
}

func TestPconnPeerCloseWhileIdle(t *testing.T) {
	loop := events.NewLoop()
	loop.Start()
	defer loop.Stop()

	pool := NewPconnPool("test", loop, zap.NewNop())
	s, server := pipeSocket(t, loop)
	pool.Push(s, "origin.example", 80, "")

	server.Close()

	deadline := time.Now().Add(2 * time.Second)
	for pool.Count("origin.example", 80, "") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle socket not removed after the peer closed it")
		}
		time.Sleep(5 * time.Millisecond)
	}
	loop.Barrier()
	if !s.Closed() {
		t.Error("socket should be closed once the peer hung up")
	}
}

func TestPooledConnectionAdopted(t *testing.T) {
	h := newHarness(t, direct)

	idle, _ := pipeSocket(t, h.sched)
	h.fw.Pconn.Push(idle, "origin.example", 80, "")

	h.start(newGET("origin.example"))

	if n := len(h.network.connects); n != 0 {
		t.Fatalf("connect attempts = %d, want 0 (pooled socket adopted)", n)
	}
	fwd := h.fetcher.last(t)
	if fwd.Server() != idle {
		t.Fatal("dispatch did not adopt the pooled socket")
	}
	if fwd.nTries != 1 || fwd.originTries != 1 {
		t.Errorf("tries = %d/%d, want 1/1", fwd.nTries, fwd.originTries)
	}

	h.completeAs(t, 200, "hello")
}

func TestPooledConnectionDiscardedForPOST(t *testing.T) {
	h := newHarness(t, direct)

	idle, _ := pipeSocket(t, h.sched)
	h.fw.Pconn.Push(idle, "origin.example", 80, "")

	r := newGET("origin.example")
	r.Method = "POST"
	h.start(r)

	if !idle.Closed() {
		t.Error("unreplayable request must discard the pooled connection")
	}
	if n := len(h.network.connects); n != 1 {
		t.Fatalf("connect attempts = %d, want 1 (fresh connect after discard)", n)
	}
	if got := h.fw.Pconn.Count("origin.example", 80, ""); got != 0 {
		t.Errorf("idle count = %d, want 0", got)
	}
}

func TestPooledReuseIsAccountingNeutral(t *testing.T) {
	p := peering.NewPeer("orig", "peer.example", 3128)
	p.Options.OriginServer = true
	h := newHarness(t, func() *peering.Candidate { return viaPeer(p) })

	// the origin-server pool key includes the request host
	idle, _ := pipeSocket(t, h.sched)
	h.fw.Pconn.Push(idle, "peer.example", 3128, "origin.example")

	h.start(newGET("origin.example"))

	if n := len(h.network.connects); n != 0 {
		t.Fatalf("connect attempts = %d, want 0", n)
	}
	if p.Stats.ConnOpen != 0 {
		t.Errorf("conn_open = %d, want 0 (pooled reuse is accounting-neutral)", p.Stats.ConnOpen)
	}

	h.completeAs(t, 200, "hello")
	if p.Stats.ConnOpen != 0 {
		t.Errorf("conn_open = %d at end, want 0", p.Stats.ConnOpen)
	}
}
