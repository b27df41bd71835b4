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

import "github.com/krillcache/krill/internal/peering"

// advanceCandidates moves the list past the failed head for the next
// attempt. When peers remain behind it, a direct head is rotated to
// the tail instead of freed, so the origin stays in rotation; the
// last direct entry is the one retried repeatedly.
//
// It returns whether the upcoming attempt is an origin rotation,
// which chooses the longer retry delay.
func advanceCandidates(list **peering.Candidate, originserver bool) bool {
	fs := *list
	if fs == nil || fs.Next == nil {
		return originserver
	}
	*list = fs.Next

	// find the tail
	tail := *list
	for tail.Next != nil {
		tail = tail.Next
	}

	if tail.Peer != nil {
		// cycle the detached head behind the remaining peers
		fs.Next = nil
		tail.Next = fs
		return originserver
	}
	fs.Next = nil
	return false
}

// freeCandidates drops the whole list.
func freeCandidates(list **peering.Candidate) {
	for *list != nil {
		fs := *list
		*list = fs.Next
		fs.Next = nil
	}
}
