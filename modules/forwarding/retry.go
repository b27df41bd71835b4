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
	"github.com/krillcache/krill/internal/store"
)

// checkRetry decides whether a transport failure is worth another
// candidate. Nothing may have been committed to the entry yet.
func (f *Forwarder) checkRetry() bool {
	if f.fw.ShuttingDown() {
		return false
	}
	if f.entry.Status() != store.StorePending {
		return false
	}
	if !f.entry.IsEmpty() {
		return false
	}
	if f.nTries > f.fw.Retry.MaxTries {
		return false
	}
	if f.originTries > f.fw.Retry.MaxOriginTries {
		return false
	}
	if f.fw.now().Sub(f.start) > f.fw.ForwardTimeout {
		return false
	}
	if f.flags.dontRetry {
		return false
	}
	if f.request.Flags.BodySent {
		return false
	}
	if f.request.Body != nil {
		return false
	}
	return true
}

// checkRetriable reports whether the request may be replayed at all:
// no body, and a safe or idempotent method (RFC 2616 9.1). A request
// with a body can only ever be tried once.
func (f *Forwarder) checkRetriable() bool {
	if f.request.Body != nil {
		return false
	}
	switch f.request.Method {
	case "GET", "HEAD", "PUT", "DELETE", "OPTIONS", "TRACE":
		return true
	}
	return false
}

// reforward decides, after a complete reply, whether to try the next
// candidate instead of committing the reply. It consumes the head
// candidate.
func (f *Forwarder) reforward() bool {
	if f.entry.Status() != store.StorePending {
		f.logger.DPanic("reforward on a non-pending entry")
		return false
	}

	if !f.entry.TestFlag(store.FwdHdrWait) {
		f.logger.Debug("not re-forwarding: headers already committed")
		return false
	}
	if f.nTries > f.fw.Retry.MaxReforwards {
		return false
	}
	if f.originTries > f.fw.Retry.MaxOriginReforwards {
		return false
	}
	if f.request.Flags.BodySent {
		return false
	}

	fs := f.servers
	if fs == nil {
		f.logger.DPanic("reforward with no candidate")
		return false
	}
	f.servers = fs.Next
	fs.Next = nil

	if f.servers == nil {
		f.logger.Debug("not re-forwarding: no candidates left")
		return false
	}

	status := 0
	if rep := f.entry.Reply(); rep != nil {
		status = rep.StatusCode
	}
	return f.reforwardableStatus(status)
}

// reforwardableStatus classifies reply statuses worth another
// upstream: gateway failures always, selected server errors only when
// retry-on-error is configured.
func (f *Forwarder) reforwardableStatus(status int) bool {
	switch status {
	case 502, 504:
		return true
	case 403, 500, 501, 503:
		return f.fw.Retry.OnError
	default:
		return false
	}
}
