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

package krillcmd

import (
	"fmt"
	"net/netip"

	"github.com/krillcache/krill"
	"github.com/krillcache/krill/internal/acl"
	"github.com/krillcache/krill/internal/errpage"
)

func buildRules(rcs []krill.ACLRuleConfig) ([]*acl.Rule, error) {
	rules := make([]*acl.Rule, 0, len(rcs))
	for _, rc := range rcs {
		r := &acl.Rule{
			Name:     rc.Name,
			DstHosts: rc.DstHosts,
			MyPorts:  rc.MyPorts,
		}
		switch rc.Action {
		case "allow":
			r.Action = acl.Allow
		case "deny":
			r.Action = acl.Deny
		default:
			return nil, fmt.Errorf("rule %q: unknown action %q", rc.Name, rc.Action)
		}
		for _, n := range rc.SrcNets {
			pfx, err := netip.ParsePrefix(n)
			if err != nil {
				// allow bare addresses as /32 (or /128) nets
				addr, aerr := netip.ParseAddr(n)
				if aerr != nil {
					return nil, fmt.Errorf("rule %q: %w", rc.Name, err)
				}
				pfx = netip.PrefixFrom(addr, addr.BitLen())
			}
			r.SrcNets = append(r.SrcNets, pfx)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func buildAddressMaps(mcs []krill.AddressMapConfig) ([]acl.AddressMapping, error) {
	maps := make([]acl.AddressMapping, 0, len(mcs))
	for _, mc := range mcs {
		rules, err := buildRules(mc.ACL)
		if err != nil {
			return nil, err
		}
		addr, err := netip.ParseAddr(mc.Address)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", mc.Address, err)
		}
		maps = append(maps, acl.AddressMapping{ACL: rules, Addr: addr})
	}
	return maps, nil
}

func buildTOSMaps(mcs []krill.TOSMapConfig) ([]acl.TOSMapping, error) {
	maps := make([]acl.TOSMapping, 0, len(mcs))
	for _, mc := range mcs {
		rules, err := buildRules(mc.ACL)
		if err != nil {
			return nil, err
		}
		if mc.TOS < 0 || mc.TOS > 255 {
			return nil, fmt.Errorf("tos %d out of range", mc.TOS)
		}
		maps = append(maps, acl.TOSMapping{ACL: rules, TOS: mc.TOS})
	}
	return maps, nil
}

func buildDenyInfo(m map[string]string) map[string]errpage.Type {
	out := make(map[string]errpage.Type, len(m))
	for rule, page := range m {
		out[rule] = errpage.ParseType(page)
	}
	return out
}
