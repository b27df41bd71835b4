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

// Package acl evaluates access lists against a request checklist.
// Evaluation is a first-match rule walk; it never blocks.
package acl

import (
	"net/netip"
	"strings"

	"github.com/krillcache/krill/internal/request"
)

// Action is a rule's verdict.
type Action int

const (
	Allow Action = iota
	Deny
)

// Rule is one entry of an access list. Every non-empty matcher set
// must match for the rule to match.
type Rule struct {
	Name     string
	Action   Action
	SrcNets  []netip.Prefix
	DstHosts []string
	MyPorts  []uint16
}

// Checklist is the request context an access list is evaluated over.
type Checklist struct {
	SrcAddr netip.Addr
	MyAddr  netip.Addr
	MyPort  uint16
	Request *request.Request
}

// NewChecklist populates a checklist from a request.
func NewChecklist(r *request.Request) *Checklist {
	return &Checklist{
		SrcAddr: r.ClientAddr,
		MyAddr:  r.MyAddr,
		MyPort:  r.MyPort,
		Request: r,
	}
}

func (r *Rule) matches(ch *Checklist) bool {
	if len(r.SrcNets) > 0 {
		ok := false
		for _, n := range r.SrcNets {
			if ch.SrcAddr.IsValid() && n.Contains(ch.SrcAddr) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(r.DstHosts) > 0 {
		ok := false
		if ch.Request != nil {
			for _, h := range r.DstHosts {
				if hostMatches(h, ch.Request.Host) {
					ok = true
					break
				}
			}
		}
		if !ok {
			return false
		}
	}
	if len(r.MyPorts) > 0 {
		ok := false
		for _, p := range r.MyPorts {
			if p == ch.MyPort {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// hostMatches supports exact names and ".domain" suffix patterns.
func hostMatches(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)
	if strings.HasPrefix(pattern, ".") {
		return strings.HasSuffix(host, pattern) || host == pattern[1:]
	}
	return host == pattern
}

// FastCheck walks the list and returns the first matching rule's
// action and name. With no match the result is the opposite of the
// last rule's action; an empty list allows.
func FastCheck(rules []*Rule, ch *Checklist) (Action, string) {
	for _, r := range rules {
		if r.matches(ch) {
			return r.Action, r.Name
		}
	}
	if n := len(rules); n > 0 {
		if rules[n-1].Action == Allow {
			return Deny, ""
		}
	}
	return Allow, ""
}

// MatchList reports whether any rule of the list matches; it ignores
// rule actions. Used by the outgoing address and TOS mappings.
func MatchList(rules []*Rule, ch *Checklist) bool {
	for _, r := range rules {
		if r.matches(ch) {
			return true
		}
	}
	return false
}

// AddressMapping binds an ACL match to an outgoing source address.
type AddressMapping struct {
	ACL  []*Rule
	Addr netip.Addr
}

// TOSMapping binds an ACL match to an outgoing IP TOS byte.
type TOSMapping struct {
	ACL []*Rule
	TOS int
}

// MapAddress returns the first mapping whose ACL matches. The zero
// Addr means "any local address".
func MapAddress(head []AddressMapping, ch *Checklist) netip.Addr {
	for _, m := range head {
		if MatchList(m.ACL, ch) {
			return m.Addr
		}
	}
	return netip.Addr{}
}

// MapTOS returns the first matching mapping's TOS byte, or 0.
func MapTOS(head []TOSMapping, ch *Checklist) int {
	for _, m := range head {
		if MatchList(m.ACL, ch) {
			return m.TOS
		}
	}
	return 0
}
