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

// Package krill is a forward HTTP caching proxy. This root package
// holds the configuration surface and process-wide state shared by
// the forwarding core and its collaborators.
package krill

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Config is the root configuration document. It is pure data; the
// command layer turns it into live collaborators.
type Config struct {
	// Listen is the client-facing proxy listener address.
	Listen string `json:"listen,omitempty"`

	// AdminListen serves metrics and cache-manager actions.
	AdminListen string `json:"admin_listen,omitempty"`

	Timeouts TimeoutConfig `json:"timeouts,omitempty"`
	Retry    RetryConfig   `json:"retry,omitempty"`

	// Peers are the neighbor caches and origin-mode upstreams
	// available to peer selection.
	Peers []PeerConfig `json:"peers,omitempty"`

	// MissAccess controls which clients may fetch misses through us.
	MissAccess []ACLRuleConfig `json:"miss_access,omitempty"`

	// DenyInfo maps an ACL rule name to the error page shown when
	// that rule denies a request.
	DenyInfo map[string]string `json:"deny_info,omitempty"`

	// OutgoingAddresses and OutgoingTOS choose the source address and
	// IP TOS byte for upstream connections, first match wins.
	OutgoingAddresses []AddressMapConfig `json:"outgoing_addresses,omitempty"`
	OutgoingTOS       []TOSMapConfig     `json:"outgoing_tos,omitempty"`

	// DNSServers are consulted for upstream name resolution. Empty
	// means the system resolver.
	DNSServers []string `json:"dns_servers,omitempty"`

	// LogIPOnDirect re-annotates the hierarchy note with the resolved
	// address once a direct connection is attempted.
	LogIPOnDirect bool `json:"log_ip_on_direct,omitempty"`
}

// TimeoutConfig carries the connect and whole-forwarding deadlines.
type TimeoutConfig struct {
	// Connect bounds a single connect attempt to an origin server.
	Connect Duration `json:"connect,omitempty"`

	// PeerConnect bounds a single connect attempt to a peer unless
	// the peer overrides it.
	PeerConnect Duration `json:"peer_connect,omitempty"`

	// Forward bounds the whole forwarding effort across all retries.
	Forward Duration `json:"forward,omitempty"`
}

// RetryConfig exposes the retry budget. The transport-level and
// post-response budgets are deliberately distinct knobs.
type RetryConfig struct {
	// OnError also re-forwards 403, 500, 501 and 503 replies.
	OnError bool `json:"on_error,omitempty"`

	// MaxTries bounds transport-level attempts per request.
	MaxTries int `json:"max_tries,omitempty"`

	// MaxOriginTries bounds transport-level attempts that go direct.
	MaxOriginTries int `json:"max_origin_tries,omitempty"`

	// MaxReforwards bounds attempts that may follow a received reply.
	MaxReforwards int `json:"max_reforwards,omitempty"`

	// MaxOriginReforwards is the direct counterpart of MaxReforwards.
	MaxOriginReforwards int `json:"max_origin_reforwards,omitempty"`
}

// PeerConfig describes one neighbor cache or origin-mode upstream.
type PeerConfig struct {
	Name           string   `json:"name"`
	Host           string   `json:"host"`
	Port           uint16   `json:"port"`
	ConnectTimeout Duration `json:"connect_timeout,omitempty"`

	// Login and Domain authenticate us to an origin-mode peer.
	Login  string `json:"login,omitempty"`
	Domain string `json:"domain,omitempty"`

	// OriginServer makes the peer behave as an origin rather than a
	// neighbor cache; requests keep their origin-form URLs.
	OriginServer bool `json:"origin_server,omitempty"`

	UseTLS                bool   `json:"use_tls,omitempty"`
	TLSDomain             string `json:"tls_domain,omitempty"`
	TLSInsecureSkipVerify bool   `json:"tls_insecure_skip_verify,omitempty"`
}

// ACLRuleConfig is one entry of an access list. All configured
// matcher sets must match for the rule to match.
type ACLRuleConfig struct {
	Name     string   `json:"name,omitempty"`
	Action   string   `json:"action"` // "allow" or "deny"
	SrcNets  []string `json:"src_nets,omitempty"`
	DstHosts []string `json:"dst_hosts,omitempty"`
	MyPorts  []uint16 `json:"my_ports,omitempty"`
}

// AddressMapConfig binds an ACL match to an outgoing source address.
type AddressMapConfig struct {
	ACL     []ACLRuleConfig `json:"acl,omitempty"`
	Address string          `json:"address"`
}

// TOSMapConfig binds an ACL match to an outgoing IP TOS byte.
type TOSMapConfig struct {
	ACL []ACLRuleConfig `json:"acl,omitempty"`
	TOS int             `json:"tos"`
}

// Default values for unset config fields.
const (
	DefaultConnectTimeout     = 1 * time.Minute
	DefaultPeerConnectTimeout = 30 * time.Second
	DefaultForwardTimeout     = 4 * time.Minute

	DefaultMaxTries            = 10
	DefaultMaxOriginTries      = 2
	DefaultMaxReforwards       = 9
	DefaultMaxOriginReforwards = 1
)

// FillDefaults replaces zero values with the documented defaults.
func (c *Config) FillDefaults() {
	if c.Timeouts.Connect == 0 {
		c.Timeouts.Connect = Duration(DefaultConnectTimeout)
	}
	if c.Timeouts.PeerConnect == 0 {
		c.Timeouts.PeerConnect = Duration(DefaultPeerConnectTimeout)
	}
	if c.Timeouts.Forward == 0 {
		c.Timeouts.Forward = Duration(DefaultForwardTimeout)
	}
	if c.Retry.MaxTries == 0 {
		c.Retry.MaxTries = DefaultMaxTries
	}
	if c.Retry.MaxOriginTries == 0 {
		c.Retry.MaxOriginTries = DefaultMaxOriginTries
	}
	if c.Retry.MaxReforwards == 0 {
		c.Retry.MaxReforwards = DefaultMaxReforwards
	}
	if c.Retry.MaxOriginReforwards == 0 {
		c.Retry.MaxOriginReforwards = DefaultMaxOriginReforwards
	}
}

// LoadConfig parses a JSON config document and fills defaults.
// Unknown fields are rejected so typos surface at startup.
func LoadConfig(r io.Reader) (*Config, error) {
	cfg := new(Config)
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.FillDefaults()
	return cfg, nil
}

var shuttingDown atomic.Bool

// BeginShutdown marks the process as terminating. New forwarding work
// is refused and retries stop.
func BeginShutdown() { shuttingDown.Store(true) }

// ShuttingDown reports whether BeginShutdown has been called.
func ShuttingDown() bool { return shuttingDown.Load() }

// ResetShutdown is for tests.
func ResetShutdown() { shuttingDown.Store(false) }

// Duration can be an integer or a string. An integer is
// interpreted as nanoseconds. If a string, it is a Go
// time.Duration value such as `300ms`, `1.5h`, or `2h45m`;
// valid units are `ns`, `us`/`µs`, `ms`, `s`, `m`, `h`, and `d`.
type Duration time.Duration

// UnmarshalJSON satisfies json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return io.EOF
	}
	var dur time.Duration
	var err error
	if b[0] == byte('"') && b[len(b)-1] == byte('"') {
		dur, err = ParseDuration(strings.Trim(string(b), `"`))
	} else {
		err = json.Unmarshal(b, &dur)
	}
	*d = Duration(dur)
	return err
}

// ParseDuration parses a duration string, adding
// support for the "d" unit meaning number of days,
// where a day is assumed to be 24h. The maximum
// input string length is 1024.
func ParseDuration(s string) (time.Duration, error) {
	if len(s) > 1024 {
		return 0, fmt.Errorf("parsing duration: input string too long")
	}
	var inNumber bool
	var numStart int
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == 'd' {
			daysStr := s[numStart:i]
			days, err := strconv.ParseFloat(daysStr, 64)
			if err != nil {
				return 0, err
			}
			hours := days * 24.0
			hoursStr := strconv.FormatFloat(hours, 'f', -1, 64)
			s = s[:numStart] + hoursStr + "h" + s[i+1:]
			i--
			continue
		}
		if !inNumber {
			numStart = i
		}
		inNumber = (ch >= '0' && ch <= '9') || ch == '.' || ch == '-' || ch == '+'
	}
	return time.ParseDuration(s)
}
