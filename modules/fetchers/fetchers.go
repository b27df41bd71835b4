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

// Package fetchers implements the per-protocol upstream fetchers the
// forwarding core dispatches to. Each fetcher adopts the connected
// socket, fills the store entry, and reports completion back to the
// forwarder on the loop.
package fetchers

import (
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/krillcache/krill/internal/comms"
	"github.com/krillcache/krill/internal/errpage"
	"github.com/krillcache/krill/internal/events"
	"github.com/krillcache/krill/internal/request"
	"github.com/krillcache/krill/internal/store"
	"github.com/krillcache/krill/modules/forwarding"
)

// Default builds the standard protocol table. HTTPS shares the HTTP
// fetcher: by the time a fetcher runs, TLS is already negotiated.
func Default(logger *zap.Logger) map[request.Protocol]forwarding.Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HTTP{Logger: logger.Named("http")}
	return map[request.Protocol]forwarding.Fetcher{
		request.ProtoHTTP:   h,
		request.ProtoHTTPS:  h,
		request.ProtoFTP:    &FTP{Logger: logger.Named("ftp")},
		request.ProtoGopher: &Gopher{Logger: logger.Named("gopher")},
		request.ProtoWAIS:   &WAIS{Logger: logger.Named("wais")},
		request.ProtoWHOIS:  &WHOIS{Logger: logger.Named("whois")},
	}
}

// job captures, on the loop, everything a fetcher goroutine may touch.
type job struct {
	fwd   *forwarding.Forwarder
	sched events.Scheduler
	sock  *comms.Socket
	conn  net.Conn
	req   *request.Request
	entry *store.Entry
}

func newJob(fwd *forwarding.Forwarder) *job {
	return &job{
		fwd:   fwd,
		sched: fwd.Scheduler(),
		sock:  fwd.Server(),
		conn:  fwd.Server().Conn(),
		req:   fwd.Request(),
		entry: fwd.Entry(),
	}
}

// fail records the error and closes the socket, which drives the
// forwarder's normal retry evaluation.
func (j *job) fail(code errpage.Type, status int, errno error) {
	j.sched.Post(func() {
		e := errpage.New(code, status, j.req)
		e.Errno = errno
		j.fwd.Fail(e)
		j.sock.Close()
		j.fwd.Release()
	})
}

// finish reports a complete reply. A reusable connection is detached
// and pooled; otherwise the socket is closed after completion.
func (j *job) finish(reusable bool) {
	j.sched.Post(func() {
		if reusable && j.fwd.Server() == j.sock {
			j.fwd.Unregister()
			j.fwd.PconnPush(j.sock)
			j.fwd.Complete()
		} else {
			j.fwd.Complete()
			j.sock.Close()
		}
		j.fwd.Release()
	})
}

// markBodySent flags the request as unreplayable before its body
// bytes go out.
func (j *job) markBodySent() {
	done := make(chan struct{})
	j.sched.Post(func() {
		j.req.Flags.BodySent = true
		close(done)
	})
	<-done
}

// copyToEntry streams r into the entry until EOF.
func (j *job) copyToEntry(r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			j.entry.Append(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
