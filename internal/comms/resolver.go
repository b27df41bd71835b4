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

package comms

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// DNSError is a name-resolution failure. Its message is surfaced on
// the client error page, so it keeps the resolver's own words.
type DNSError struct {
	Host    string
	Message string
}

func (e *DNSError) Error() string {
	return fmt.Sprintf("resolving %s: %s", e.Host, e.Message)
}

// Resolver answers upstream host lookups. With Servers configured it
// queries them directly; otherwise it defers to the system resolver.
type Resolver struct {
	// Servers are "host:port" DNS server addresses tried in order.
	Servers []string

	Logger *zap.Logger

	client *dns.Client
}

// NewResolver builds a resolver over the given servers.
func NewResolver(servers []string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		Servers: servers,
		Logger:  logger,
		client:  new(dns.Client),
	}
}

// LookupIP resolves host to one address. IP literals pass through.
// Failures come back as *DNSError.
func (r *Resolver) LookupIP(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	if len(r.Servers) == 0 {
		return r.lookupSystem(ctx, host)
	}
	return r.lookupServers(ctx, host)
}

func (r *Resolver) lookupSystem(ctx context.Context, host string) (netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		msg := "no addresses"
		if err != nil {
			msg = err.Error()
		}
		return netip.Addr{}, &DNSError{Host: host, Message: msg}
	}
	return addrs[0].Unmap(), nil
}

func (r *Resolver) lookupServers(ctx context.Context, host string) (netip.Addr, error) {
	fqdn := dns.Fqdn(host)
	var lastMsg string
	for _, server := range r.Servers {
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			m := new(dns.Msg)
			m.SetQuestion(fqdn, qtype)
			m.RecursionDesired = true
			in, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastMsg = err.Error()
				continue
			}
			if in.Rcode != dns.RcodeSuccess {
				lastMsg = dns.RcodeToString[in.Rcode]
				continue
			}
			for _, rr := range in.Answer {
				switch a := rr.(type) {
				case *dns.A:
					if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
						return addr, nil
					}
				case *dns.AAAA:
					if addr, ok := netip.AddrFromSlice(a.AAAA); ok {
						return addr, nil
					}
				}
			}
			lastMsg = "no A or AAAA records"
		}
	}
	if lastMsg == "" {
		lastMsg = "no DNS servers configured"
	}
	r.Logger.Debug("upstream lookup failed",
		zap.String("host", host), zap.String("reason", lastMsg))
	return netip.Addr{}, &DNSError{Host: host, Message: lastMsg}
}
