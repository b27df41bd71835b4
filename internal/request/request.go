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

// Package request defines the client request as seen by the
// forwarding core and its collaborators.
package request

import (
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Protocol tags the scheme of the requested resource.
type Protocol int

const (
	ProtoNone Protocol = iota
	ProtoHTTP
	ProtoHTTPS
	ProtoFTP
	ProtoGopher
	ProtoWAIS
	ProtoWHOIS
	ProtoURN
	ProtoInternal
	ProtoCacheObj
)

var protocolNames = map[Protocol]string{
	ProtoNone:     "none",
	ProtoHTTP:     "http",
	ProtoHTTPS:    "https",
	ProtoFTP:      "ftp",
	ProtoGopher:   "gopher",
	ProtoWAIS:     "wais",
	ProtoWHOIS:    "whois",
	ProtoURN:      "urn",
	ProtoInternal: "internal",
	ProtoCacheObj: "cache_object",
}

func (p Protocol) String() string {
	if s, ok := protocolNames[p]; ok {
		return s
	}
	return "unknown"
}

// ParseProtocol maps a URL scheme to its Protocol tag.
func ParseProtocol(scheme string) Protocol {
	for p, s := range protocolNames {
		if s == strings.ToLower(scheme) {
			return p
		}
	}
	return ProtoNone
}

// HierCode records which class of upstream served (or was tried for)
// a request.
type HierCode int

const (
	HierNone HierCode = iota
	HierDirect
	HierParentHit
	HierSiblingHit
	HierDefaultParent
	HierRoundRobinParent
	HierFirstUpParent
)

var hierNames = map[HierCode]string{
	HierNone:             "NONE",
	HierDirect:           "DIRECT",
	HierParentHit:        "PARENT_HIT",
	HierSiblingHit:       "SIBLING_HIT",
	HierDefaultParent:    "DEFAULT_PARENT",
	HierRoundRobinParent: "ROUNDROBIN_PARENT",
	HierFirstUpParent:    "FIRSTUP_PARENT",
}

func (h HierCode) String() string {
	if s, ok := hierNames[h]; ok {
		return s
	}
	return "INVALID"
}

// HierarchyNote is the side-channel annotation recording the upstream
// chosen for a request, kept for access logging.
type HierarchyNote struct {
	Code HierCode
	Host string
}

// Flags carries the mutable request bits the core consults.
type Flags struct {
	// BodySent is set once any part of a request body has gone out
	// on the wire; the request can no longer be replayed.
	BodySent bool

	// ProxyKeepalive permits reuse of the client connection.
	ProxyKeepalive bool
}

// Request is one client request being forwarded. The body reader, if
// any, is consumed at most once; its presence alone restricts the
// request to a single upstream attempt.
type Request struct {
	// ClientAddr is the requesting client. The zero value is the
	// "no address" sentinel used by internally generated requests,
	// which bypass miss access control.
	ClientAddr netip.Addr

	// MyAddr and MyPort name the local listener that accepted the
	// request.
	MyAddr netip.Addr
	MyPort uint16

	Protocol Protocol
	Host     string
	Port     uint16
	Method   string
	URI      string
	Header   http.Header

	Flags Flags

	// Body is the request body reader, nil when there is none.
	Body io.ReadCloser

	// Hier records the upstream attempted for this request.
	Hier HierarchyNote

	// PeerLogin and PeerDomain are stamped by the core when the
	// request is dispatched through an origin-mode peer.
	PeerLogin  string
	PeerDomain string

	// TraceID ties together the log lines of one forwarding effort.
	TraceID uuid.UUID
}

// New builds a Request with a fresh trace ID.
func New(method, uri string) *Request {
	return &Request{
		Method:  method,
		URI:     uri,
		Header:  make(http.Header),
		TraceID: uuid.New(),
		Flags:   Flags{ProxyKeepalive: true},
	}
}

// NoteHierarchy stamps the hierarchy annotation.
func (r *Request) NoteHierarchy(code HierCode, host string) {
	r.Hier = HierarchyNote{Code: code, Host: host}
}

// URL reconstructs the absolute URL of the request.
func (r *Request) URL() string {
	var b strings.Builder
	b.WriteString(r.Protocol.String())
	b.WriteString("://")
	b.WriteString(r.Host)
	if r.Port != 0 && r.Port != r.Protocol.DefaultPort() {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(int(r.Port)))
	}
	b.WriteString(r.URI)
	return b.String()
}

// DefaultPort returns the well-known port of the protocol, or 0.
func (p Protocol) DefaultPort() uint16 {
	switch p {
	case ProtoHTTP:
		return 80
	case ProtoHTTPS:
		return 443
	case ProtoFTP:
		return 21
	case ProtoGopher:
		return 70
	case ProtoWAIS:
		return 210
	case ProtoWHOIS:
		return 43
	}
	return 0
}

