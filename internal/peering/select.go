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

package peering

import (
	"go.uber.org/zap"

	"github.com/krillcache/krill/internal/request"
	"github.com/krillcache/krill/internal/store"
)

// StaticSelector is the built-in peer selection: live peers in
// configuration order, then a direct candidate. Requests for
// protocols no peer can relay only get the direct candidate.
type StaticSelector struct {
	Peers []*Peer

	// NeverDirect suppresses the trailing direct candidate.
	NeverDirect bool

	Logger *zap.Logger
}

// Select builds the candidate list and invokes cb synchronously.
func (s *StaticSelector) Select(r *request.Request, entry *store.Entry, cb func(*Candidate)) {
	var head, tail *Candidate
	add := func(c *Candidate) {
		if head == nil {
			head = c
		} else {
			tail.Next = c
		}
		tail = c
	}

	if relayable(r.Protocol) {
		for _, p := range s.Peers {
			if !p.Alive() {
				continue
			}
			code := request.HierDefaultParent
			if p.Options.OriginServer {
				code = request.HierParentHit
			}
			add(&Candidate{Peer: p, Code: code})
		}
	}
	if !s.NeverDirect {
		add(&Candidate{Code: request.HierDirect})
	}

	if s.Logger != nil {
		n := 0
		for c := head; c != nil; c = c.Next {
			n++
		}
		s.Logger.Debug("peer selection complete",
			zap.String("url", r.URL()),
			zap.Int("candidates", n))
	}
	cb(head)
}

// relayable reports whether the protocol can be fetched through a
// neighbor cache; the rest must go direct.
func relayable(p request.Protocol) bool {
	switch p {
	case request.ProtoHTTP, request.ProtoHTTPS, request.ProtoFTP,
		request.ProtoGopher, request.ProtoWAIS:
		return true
	}
	return false
}
