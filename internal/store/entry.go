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

// Package store holds the in-flight reply container the forwarding
// core fills in. A full cache would sit behind this; the entry is the
// contract the core programs against.
package store

import (
	"bytes"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/krillcache/krill/internal/request"
)

// Status is the lifecycle state of an entry.
type Status int

const (
	StorePending Status = iota
	StoreOK
	StoreAborted
)

func (s Status) String() string {
	switch s {
	case StorePending:
		return "PENDING"
	case StoreOK:
		return "OK"
	case StoreAborted:
		return "ABORTED"
	}
	return "INVALID"
}

// PingStatus tracks neighbor-probe state for an entry.
type PingStatus int

const (
	PingNone PingStatus = iota
	PingWaiting
	PingDone
)

// Flag is one bit of entry state.
type Flag uint32

const (
	// FwdHdrWait is set while no response headers have been
	// committed; it gates retries and re-forwards.
	FwdHdrWait Flag = 1 << iota

	// Dispatched is set once the request has been handed to a
	// protocol fetcher.
	Dispatched

	// ReleaseRequest marks the entry as not worth keeping once its
	// clients are gone.
	ReleaseRequest
)

// Reply is the part of the upstream response the core observes — the
// status line — plus the headers the client side relays. Parsing
// beyond that belongs to the fetchers.
type Reply struct {
	StatusCode int
	Header     http.Header
}

// MemObject holds the reply under construction and a back-reference
// to the request that produced it.
type MemObject struct {
	Request *request.Request
	Reply   *Reply

	body bytes.Buffer
}

// Entry is the refcounted container for one cached reply. All methods
// are safe for use from the loop goroutine plus fetcher goroutines.
type Entry struct {
	mu sync.Mutex

	url        string
	status     Status
	pingStatus PingStatus
	flags      Flag
	locks      int

	mem MemObject

	abortFn        func()
	pendingClients int

	doneOnce sync.Once
	done     chan struct{}

	logger *zap.Logger
}

// NewEntry creates a pending entry for the given URL with the
// header-wait flag already set.
func NewEntry(url string) *Entry {
	return &Entry{
		url:    url,
		status: StorePending,
		flags:  FwdHdrWait,
		done:   make(chan struct{}),
		logger: zap.NewNop(),
	}
}

// WithLogger attaches a logger used for entry lifecycle warnings.
func (e *Entry) WithLogger(l *zap.Logger) *Entry {
	e.mu.Lock()
	e.logger = l
	e.mu.Unlock()
	return e
}

// URL returns the entry's URL.
func (e *Entry) URL() string { return e.url }

// Status returns the lifecycle state.
func (e *Entry) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// PingStatus returns the neighbor-probe state.
func (e *Entry) PingStatus() PingStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pingStatus
}

// SetPingStatus records the neighbor-probe state.
func (e *Entry) SetPingStatus(s PingStatus) {
	e.mu.Lock()
	e.pingStatus = s
	e.mu.Unlock()
}

// Lock takes a reference on the entry.
func (e *Entry) Lock() {
	e.mu.Lock()
	e.locks++
	e.mu.Unlock()
}

// Unlock drops a reference.
func (e *Entry) Unlock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locks <= 0 {
		e.logger.Warn("entry unlocked more times than locked", zap.String("url", e.url))
		return
	}
	e.locks--
}

// LockCount returns the current reference count.
func (e *Entry) LockCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locks
}

// SetFlag, ClearFlag and TestFlag manipulate the entry flag bits.
func (e *Entry) SetFlag(f Flag) {
	e.mu.Lock()
	e.flags |= f
	e.mu.Unlock()
}

func (e *Entry) ClearFlag(f Flag) {
	e.mu.Lock()
	e.flags &^= f
	e.mu.Unlock()
}

func (e *Entry) TestFlag(f Flag) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags&f != 0
}

// Request returns the request bound to this entry, if any.
func (e *Entry) Request() *request.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mem.Request
}

// BindRequest attaches the request to the entry's memory object.
func (e *Entry) BindRequest(r *request.Request) {
	e.mu.Lock()
	e.mem.Request = r
	e.mu.Unlock()
}

// IsEmpty reports whether no part of a reply has been committed yet.
func (e *Entry) IsEmpty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mem.Reply == nil && e.mem.body.Len() == 0
}

// SetReply commits the observed status line.
func (e *Entry) SetReply(r *Reply) {
	e.mu.Lock()
	e.mem.Reply = r
	e.mu.Unlock()
}

// Reply returns the committed status line, or nil.
func (e *Entry) Reply() *Reply {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mem.Reply
}

// Append adds reply bytes to the entry.
func (e *Entry) Append(p []byte) {
	e.mu.Lock()
	e.mem.body.Write(p)
	e.mu.Unlock()
}

// Body returns a copy of the reply bytes accumulated so far.
func (e *Entry) Body() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.mem.body.Bytes()...)
}

// Complete marks the reply finished and wakes waiters.
func (e *Entry) Complete() {
	e.mu.Lock()
	if e.status == StorePending {
		e.status = StoreOK
	}
	e.mu.Unlock()
	e.doneOnce.Do(func() { close(e.done) })
}

// Reset returns the entry to its just-created state for a fresh
// forwarding attempt. The header-wait flag is left as-is.
func (e *Entry) Reset() {
	e.mu.Lock()
	e.status = StorePending
	e.mem.Reply = nil
	e.mem.body.Reset()
	e.mu.Unlock()
}

// MarkRelease requests disposal of the entry once unreferenced.
func (e *Entry) MarkRelease() {
	e.SetFlag(ReleaseRequest)
}

// RegisterAbort installs fn to run if the entry is aborted. Only one
// abort handler may be registered at a time.
func (e *Entry) RegisterAbort(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.abortFn != nil {
		e.logger.Warn("abort handler already registered", zap.String("url", e.url))
	}
	e.abortFn = fn
}

// UnregisterAbort removes the abort handler.
func (e *Entry) UnregisterAbort() {
	e.mu.Lock()
	e.abortFn = nil
	e.mu.Unlock()
}

// Abort terminates the entry, invoking the registered abort handler.
func (e *Entry) Abort() {
	e.mu.Lock()
	if e.status == StoreAborted {
		e.mu.Unlock()
		return
	}
	e.status = StoreAborted
	fn := e.abortFn
	e.abortFn = nil
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
	e.doneOnce.Do(func() { close(e.done) })
}

// AddClient and RemoveClient track readers waiting on the entry.
func (e *Entry) AddClient() {
	e.mu.Lock()
	e.pendingClients++
	e.mu.Unlock()
}

func (e *Entry) RemoveClient() {
	e.mu.Lock()
	if e.pendingClients > 0 {
		e.pendingClients--
	}
	e.mu.Unlock()
}

// PendingClients returns the number of waiting readers.
func (e *Entry) PendingClients() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingClients
}

// Done is closed once the entry completes or aborts.
func (e *Entry) Done() <-chan struct{} { return e.done }
