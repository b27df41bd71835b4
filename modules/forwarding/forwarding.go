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

// Package forwarding is the request forwarding core: for each
// cache-miss request it walks the candidate upstream list, connects
// (reusing pooled connections where safe), negotiates TLS when
// required, hands the socket to a protocol fetcher, and retries the
// next candidate on transport failure or a retriable reply status.
package forwarding

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/krillcache/krill"
	"github.com/krillcache/krill/internal/acl"
	"github.com/krillcache/krill/internal/comms"
	"github.com/krillcache/krill/internal/errpage"
	"github.com/krillcache/krill/internal/events"
	"github.com/krillcache/krill/internal/peering"
	"github.com/krillcache/krill/internal/request"
	"github.com/krillcache/krill/internal/store"
)

// A Fetcher speaks one upstream protocol over a connected socket. It
// takes ownership of the socket and must eventually call the
// forwarder's Complete, or close the socket, and then Release the
// handle it was given.
type Fetcher interface {
	Start(fwd *Forwarder)
}

// A Handler terminates a pseudo-protocol request (internal,
// cache-object, URN) without forwarding.
type Handler func(client string, entry *store.Entry, r *request.Request)

// Forwarding holds the collaborators and tunables shared by all
// forwarders. Populate the fields, then call Provision before use.
type Forwarding struct {
	Sched    events.Scheduler
	Network  comms.Network
	Selector peering.Selector

	// Fetchers maps each protocol to its fetcher. Requests relayed
	// through a peer always use the HTTP fetcher.
	Fetchers map[request.Protocol]Fetcher

	// MissAccess gates which clients may fetch misses; DenyInfo maps
	// a denying rule name to the error page shown.
	MissAccess []*acl.Rule
	DenyInfo   map[string]errpage.Type

	OutgoingAddrs []acl.AddressMapping
	OutgoingTOS   []acl.TOSMapping

	// TLSClientConfig is used for direct HTTPS origins; peers carry
	// their own.
	TLSClientConfig *tls.Config

	ConnectTimeout     time.Duration
	PeerConnectTimeout time.Duration
	ForwardTimeout     time.Duration
	Retry              krill.RetryConfig

	LogIPOnDirect bool

	// Handlers for the pseudo-protocols that short-circuit
	// forwarding. Nil handlers fail the request.
	InternalHandler Handler
	CacheMgrHandler Handler
	URNHandler      Handler

	// NetdbPing, when set, is told each origin host dispatched to.
	NetdbPing func(host string)

	// ShuttingDown reports process termination; defaults to the
	// process-wide flag.
	ShuttingDown func() bool

	Pconn  *PconnPool
	Stats  *ReplyStats
	Logger *zap.Logger

	now func() time.Time
}

// Provision fills defaults. It must run once before Start.
func (fw *Forwarding) Provision() error {
	if fw.Logger == nil {
		fw.Logger = krill.Log().Named("forwarding")
	}
	if fw.Stats == nil {
		fw.Stats = NewReplyStats()
	}
	if fw.Pconn == nil {
		fw.Pconn = NewPconnPool("server-side", fw.Sched, fw.Logger.Named("pconn"))
	}
	if fw.ShuttingDown == nil {
		fw.ShuttingDown = krill.ShuttingDown
	}
	if fw.now == nil {
		fw.now = time.Now
	}
	if fw.ConnectTimeout == 0 {
		fw.ConnectTimeout = krill.DefaultConnectTimeout
	}
	if fw.PeerConnectTimeout == 0 {
		fw.PeerConnectTimeout = krill.DefaultPeerConnectTimeout
	}
	if fw.ForwardTimeout == 0 {
		fw.ForwardTimeout = krill.DefaultForwardTimeout
	}
	if fw.Retry.MaxTries == 0 {
		fw.Retry.MaxTries = krill.DefaultMaxTries
	}
	if fw.Retry.MaxOriginTries == 0 {
		fw.Retry.MaxOriginTries = krill.DefaultMaxOriginTries
	}
	if fw.Retry.MaxReforwards == 0 {
		fw.Retry.MaxReforwards = krill.DefaultMaxReforwards
	}
	if fw.Retry.MaxOriginReforwards == 0 {
		fw.Retry.MaxOriginReforwards = krill.DefaultMaxOriginReforwards
	}
	return nil
}

// Start is the entry point for the client side to begin forwarding a
// transaction. It may or may not allocate a forwarder: access denial,
// shutdown, and the pseudo-protocols all terminate here.
func (fw *Forwarding) Start(client string, entry *store.Entry, r *request.Request) {
	// A zero client address marks an internally generated request
	// (digest fetches and the like); those bypass miss access.
	if r.ClientAddr.IsValid() && r.Protocol != request.ProtoInternal && r.Protocol != request.ProtoCacheObj {
		ch := acl.NewChecklist(r)
		if answer, matched := acl.FastCheck(fw.MissAccess, ch); answer == acl.Deny {
			page := errpage.ErrForwardingDenied
			if p, ok := fw.DenyInfo[matched]; ok && p != errpage.ErrNone {
				page = p
			}
			fw.Logger.Info("miss access denied",
				zap.String("client", client),
				zap.String("url", entry.URL()),
				zap.String("rule", matched))
			errpage.AppendToEntry(entry, errpage.New(page, 403, r))
			return
		}
	}

	fw.Logger.Debug("start forwarding", zap.String("url", entry.URL()))

	entry.BindRequest(r)

	if fw.ShuttingDown() {
		errpage.AppendToEntry(entry, errpage.New(errpage.ErrShuttingDown, 503, r))
		return
	}

	switch r.Protocol {
	case request.ProtoInternal:
		fw.runHandler(fw.InternalHandler, client, entry, r)
	case request.ProtoCacheObj:
		fw.runHandler(fw.CacheMgrHandler, client, entry, r)
	case request.ProtoURN:
		fw.runHandler(fw.URNHandler, client, entry, r)
	default:
		f := newForwarder(fw, client, entry, r)
		fw.Selector.Select(r, entry, f.startComplete)
	}
}

func (fw *Forwarding) runHandler(h Handler, client string, entry *store.Entry, r *request.Request) {
	if h == nil {
		errpage.AppendToEntry(entry, errpage.New(errpage.ErrUnsupportedRequest, 400, r))
		return
	}
	h(client, entry, r)
}
