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

// Package events provides the cooperative scheduling model of the
// proxy core: one goroutine owns all protocol state, and everything
// that wants to touch that state posts a job onto the loop. Deferred
// jobs double as reentrancy breakers for retry chains.
package events

import (
	"sync"
	"time"
)

// A Scheduler runs jobs one at a time on the goroutine that owns the
// core state. PostAfter jobs may be cancelled before they fire.
type Scheduler interface {
	Post(fn func())
	PostAfter(d time.Duration, fn func()) CancelFunc
}

// CancelFunc stops a deferred job. It reports whether the job was
// stopped before it ran. Safe to call more than once.
type CancelFunc func() bool

// Loop is the production Scheduler: a single goroutine draining a
// job queue. Timers fire by posting back onto the queue, so jobs
// never run concurrently.
type Loop struct {
	jobs chan func()

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// NewLoop returns a Loop ready to Run.
func NewLoop() *Loop {
	return &Loop{
		jobs: make(chan func(), 256),
		done: make(chan struct{}),
	}
}

// Run drains jobs until Stop is called. It is meant to be the body of
// the owning goroutine.
func (l *Loop) Run() {
	for {
		select {
		case fn := <-l.jobs:
			fn()
		case <-l.done:
			// drain whatever is already queued, then quit
			for {
				select {
				case fn := <-l.jobs:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Start runs the loop on its own goroutine.
func (l *Loop) Start() {
	go l.Run()
}

// Stop ends the loop after the queue drains. Idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		l.stopped = true
		close(l.done)
	}
}

// Post enqueues fn. It may be called from any goroutine, including
// from a job already running on the loop.
func (l *Loop) Post(fn func()) {
	select {
	case l.jobs <- fn:
	case <-l.done:
	}
}

// PostAfter enqueues fn after d has elapsed.
func (l *Loop) PostAfter(d time.Duration, fn func()) CancelFunc {
	var once sync.Once
	fired := make(chan struct{})
	t := time.AfterFunc(d, func() {
		close(fired)
		l.Post(fn)
	})
	return func() bool {
		stopped := t.Stop()
		once.Do(func() {
			if !stopped {
				<-fired
			}
		})
		return stopped
	}
}

// Barrier posts an empty job and waits for it to run, which flushes
// everything queued before it. Mostly useful in tests.
func (l *Loop) Barrier() {
	ch := make(chan struct{})
	l.Post(func() { close(ch) })
	select {
	case <-ch:
	case <-l.done:
	}
}
