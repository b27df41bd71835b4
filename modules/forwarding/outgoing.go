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
	"net/netip"

	"github.com/krillcache/krill/internal/acl"
)

// outgoingAddr picks the source address for an upstream connection:
// the first configured mapping whose ACL matches the request, or the
// unspecified address.
func (fw *Forwarding) outgoingAddr(ch *acl.Checklist) netip.Addr {
	return acl.MapAddress(fw.OutgoingAddrs, ch)
}

// outgoingTOS picks the IP TOS byte the same way; 0 means untagged.
func (fw *Forwarding) outgoingTOS(ch *acl.Checklist) int {
	return acl.MapTOS(fw.OutgoingTOS, ch)
}
