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
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/krillcache/krill/internal/comms"
	"github.com/krillcache/krill/internal/events"
)

// PconnPool keeps idle upstream sockets for reuse, keyed by host,
// port and an optional domain. The domain is empty for plain origin
// fetches and the request host when fetching through an origin-mode
// peer, so entries for different sites never alias.
//
// Pop performs no validation; a popped socket may be dead, and the
// adopter's normal close-handler retry path covers that.
type PconnPool struct {
	label  string
	sched  events.Scheduler
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string][]*pooledConn
}

type pooledConn struct {
	sock    *comms.Socket
	handler *comms.CloseHandler

	popped      chan struct{}
	watcherDone chan struct{}
}

// NewPconnPool builds an empty pool.
func NewPconnPool(label string, sched events.Scheduler, logger *zap.Logger) *PconnPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PconnPool{
		label:  label,
		sched:  sched,
		logger: logger,
		conns:  make(map[string][]*pooledConn),
	}
}

func pconnKey(host string, port uint16, domain string) string {
	if domain != "" {
		return fmt.Sprintf("%s:%d/%s", host, port, domain)
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Push parks an idle socket in the pool. The pool watches the socket
// so a peer close while idle removes it.
func (p *PconnPool) Push(s *comms.Socket, host string, port uint16, domain string) {
	if s == nil || s.Closed() || s.Conn() == nil {
		return
	}
	key := pconnKey(host, port, domain)
	pc := &pooledConn{
		sock:        s,
		popped:      make(chan struct{}),
		watcherDone: make(chan struct{}),
	}
	pc.handler = s.AddCloseHandler(func() { p.remove(key, pc) })

	p.mu.Lock()
	p.conns[key] = append(p.conns[key], pc)
	n := len(p.conns[key])
	p.mu.Unlock()

	p.logger.Debug("connection pushed",
		zap.String("pool", p.label), zap.String("key", key), zap.Int("idle", n))

	go p.watch(pc)
}

// watch blocks on the idle socket. Anything readable — data or EOF —
// means the peer gave up on the idle connection, so it is closed and
// the close handler drops it from the pool.
func (p *PconnPool) watch(pc *pooledConn) {
	defer close(pc.watcherDone)
	buf := make([]byte, 1)
	conn := pc.sock.Conn()
	if conn == nil {
		return
	}
	_, _ = conn.Read(buf)
	select {
	case <-pc.popped:
		return
	default:
	}
	pc.sock.CloseAsync()
}

// Pop returns an idle socket for the key, newest first, or nil.
func (p *PconnPool) Pop(host string, port uint16, domain string) *comms.Socket {
	key := pconnKey(host, port, domain)

	p.mu.Lock()
	list := p.conns[key]
	if len(list) == 0 {
		p.mu.Unlock()
		return nil
	}
	pc := list[len(list)-1]
	list = list[:len(list)-1]
	if len(list) == 0 {
		delete(p.conns, key)
	} else {
		p.conns[key] = list
	}
	close(pc.popped)
	p.mu.Unlock()

	pc.sock.RemoveCloseHandler(pc.handler)

	// unblock the idle watcher and wait it out so a byte arriving
	// later is not swallowed
	if conn := pc.sock.Conn(); conn != nil {
		conn.SetReadDeadline(time.Now().Add(-time.Hour))
		<-pc.watcherDone
		conn.SetReadDeadline(time.Time{})
	}

	p.logger.Debug("connection popped",
		zap.String("pool", p.label), zap.String("key", key))
	return pc.sock
}

// remove drops a pooled socket that closed while idle.
func (p *PconnPool) remove(key string, pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.conns[key]
	for i, cur := range list {
		if cur == pc {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(p.conns, key)
			} else {
				p.conns[key] = list
			}
			p.logger.Debug("idle connection closed by peer",
				zap.String("pool", p.label), zap.String("key", key))
			return
		}
	}
}

// Count reports how many idle sockets sit under the key.
func (p *PconnPool) Count(host string, port uint16, domain string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[pconnKey(host, port, domain)])
}
