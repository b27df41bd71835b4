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

// Package peering models neighbor caches and origin-mode upstreams,
// and produces the ordered candidate lists the forwarding core
// consumes.
package peering

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/krillcache/krill/internal/request"
	"github.com/krillcache/krill/internal/store"
)

// PeerStats are the mutable counters owned by the peer but updated by
// the forwarding core: ConnOpen tracks core-owned sockets currently
// open to the peer, Fetches counts dispatches through it.
type PeerStats struct {
	ConnOpen int
	Fetches  int

	ConnectFails     int
	ConnectSuccesses int
	consecutiveFails int
}

// Options toggles peer behaviors.
type Options struct {
	// OriginServer makes the peer an origin rather than a neighbor
	// cache; requests sent to it keep origin-form URLs and the
	// pooled-connection key includes the request host.
	OriginServer bool
}

// Peer is one configured upstream neighbor or origin-mode server.
type Peer struct {
	Name string
	Host string
	Port uint16

	// ConnectTimeout overrides the global peer connect timeout when
	// greater than zero.
	ConnectTimeout time.Duration

	// Login and Domain authenticate forwarded requests.
	Login  string
	Domain string

	UseTLS    bool
	TLSConfig *tls.Config

	// TLSDomain overrides the SNI value; empty means the peer host.
	TLSDomain string

	// SessionCache keeps TLS sessions for resumption across
	// connections to this peer.
	SessionCache tls.ClientSessionCache

	Options Options

	Stats PeerStats

	alive  bool
	logger *zap.Logger
}

// maxConsecutiveFails is how many connect failures in a row mark a
// peer dead until the next success.
const maxConsecutiveFails = 10

// NewPeer builds a live peer with a one-slot TLS session cache.
func NewPeer(name, host string, port uint16) *Peer {
	return &Peer{
		Name:         name,
		Host:         host,
		Port:         port,
		SessionCache: tls.NewLRUClientSessionCache(1),
		alive:        true,
		logger:       zap.NewNop(),
	}
}

// WithLogger attaches a logger for health transitions.
func (p *Peer) WithLogger(l *zap.Logger) *Peer {
	p.logger = l
	return p
}

// Alive reports whether the peer is considered usable.
func (p *Peer) Alive() bool { return p.alive }

// ConnectSucceeded records a successful TCP connect to the peer.
func (p *Peer) ConnectSucceeded() {
	p.Stats.ConnectSuccesses++
	p.Stats.consecutiveFails = 0
	if !p.alive {
		p.alive = true
		p.logger.Info("peer revived", zap.String("peer", p.Name))
	}
}

// ConnectFailed records a failed connect attempt; enough in a row
// mark the peer dead.
func (p *Peer) ConnectFailed() {
	p.Stats.ConnectFails++
	p.Stats.consecutiveFails++
	if p.alive && p.Stats.consecutiveFails >= maxConsecutiveFails {
		p.alive = false
		p.logger.Warn("peer marked dead", zap.String("peer", p.Name),
			zap.Int("consecutive_failures", p.Stats.consecutiveFails))
	}
}

// TLSClientConfig assembles the TLS config for a connection to the
// peer, stamping SNI and the session cache.
func (p *Peer) TLSClientConfig() *tls.Config {
	cfg := p.TLSConfig
	if cfg == nil {
		cfg = new(tls.Config)
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		if p.TLSDomain != "" {
			cfg.ServerName = p.TLSDomain
		} else {
			cfg.ServerName = p.Host
		}
	}
	cfg.ClientSessionCache = p.SessionCache
	return cfg
}

// Candidate is one element of the ordered upstream list produced by
// peer selection. A nil Peer means "go direct to the origin named in
// the request".
type Candidate struct {
	Peer *Peer
	Code request.HierCode
	Next *Candidate
}

// Selector produces the candidate list for a request. The callback is
// eventually invoked exactly once; a nil head means no route.
type Selector interface {
	Select(r *request.Request, entry *store.Entry, cb func(head *Candidate))
}
