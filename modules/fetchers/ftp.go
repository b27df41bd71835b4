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

package fetchers

import (
	"net/http"
	"strings"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"

	"github.com/krillcache/krill/internal/errpage"
	"github.com/krillcache/krill/internal/store"
	"github.com/krillcache/krill/modules/forwarding"
)

// FTP fetches ftp resources over the already-connected control
// socket. Directory listings come back as plain text.
type FTP struct {
	Logger *zap.Logger
}

// Start adopts the socket and runs the transfer on its own goroutine.
func (f *FTP) Start(fwd *forwarding.Forwarder) {
	go f.run(newJob(fwd))
}

func (f *FTP) run(j *job) {
	c, err := ftp.Dial(j.conn.RemoteAddr().String(), ftp.DialWithNetConn(j.conn))
	if err != nil {
		j.fail(errpage.ErrReadError, 502, err)
		return
	}

	user, pass := "anonymous", "krill@"
	if j.req.PeerLogin != "" {
		if u, p, ok := strings.Cut(j.req.PeerLogin, ":"); ok {
			user, pass = u, p
		} else {
			user = j.req.PeerLogin
		}
	}
	if err := c.Login(user, pass); err != nil {
		f.Logger.Debug("login refused",
			zap.String("url", j.entry.URL()), zap.Error(err))
		j.entry.SetReply(&store.Reply{StatusCode: 403, Header: textHeader()})
		j.entry.Append([]byte("FTP login refused: " + err.Error() + "\n"))
		j.finish(false)
		return
	}

	path := strings.TrimPrefix(j.req.URI, "/")
	if path == "" || strings.HasSuffix(path, "/") {
		f.list(j, c, path)
		return
	}

	r, err := c.Retr(path)
	if err != nil {
		f.Logger.Debug("retrieve failed",
			zap.String("path", path), zap.Error(err))
		j.entry.SetReply(&store.Reply{StatusCode: 404, Header: textHeader()})
		j.entry.Append([]byte("FTP retrieve failed: " + err.Error() + "\n"))
		j.finish(false)
		return
	}
	j.entry.SetReply(&store.Reply{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"application/octet-stream"}},
	})
	copyErr := j.copyToEntry(r)
	r.Close()
	c.Quit()
	if copyErr != nil {
		j.fail(errpage.ErrReadError, 502, copyErr)
		return
	}
	// the control connection is not poolable once QUIT has been sent
	j.finish(false)
}

func (f *FTP) list(j *job, c *ftp.ServerConn, path string) {
	entries, err := c.List(path)
	if err != nil {
		j.entry.SetReply(&store.Reply{StatusCode: 404, Header: textHeader()})
		j.entry.Append([]byte("FTP list failed: " + err.Error() + "\n"))
		j.finish(false)
		return
	}
	j.entry.SetReply(&store.Reply{StatusCode: 200, Header: textHeader()})
	for _, e := range entries {
		j.entry.Append([]byte(e.Name + "\n"))
	}
	c.Quit()
	j.finish(false)
}

func textHeader() http.Header {
	return http.Header{"Content-Type": {"text/plain; charset=utf-8"}}
}
