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
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/krillcache/krill/internal/errpage"
	"github.com/krillcache/krill/internal/store"
	"github.com/krillcache/krill/modules/forwarding"
)

// HTTP fetches http and https resources, and carries any protocol
// when relaying through a neighbor cache.
type HTTP struct {
	Logger *zap.Logger
}

// Start adopts the socket and runs the exchange on its own goroutine.
func (h *HTTP) Start(fwd *forwarding.Forwarder) {
	j := newJob(fwd)
	peer := fwd.Peer()
	absolute := peer != nil && !peer.Options.OriginServer
	go h.run(j, absolute)
}

func (h *HTTP) run(j *job, absoluteURI bool) {
	if err := h.writeRequest(j, absoluteURI); err != nil {
		h.Logger.Debug("request write failed",
			zap.String("url", j.entry.URL()), zap.Error(err))
		j.fail(errpage.ErrWriteError, 502, err)
		return
	}

	br := bufio.NewReader(j.conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: j.req.Method})
	if err != nil {
		h.Logger.Debug("reply read failed",
			zap.String("url", j.entry.URL()), zap.Error(err))
		j.fail(errpage.ErrReadError, 502, err)
		return
	}
	defer resp.Body.Close()

	j.entry.SetReply(&store.Reply{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	})

	copyErr := j.copyToEntry(resp.Body)
	if copyErr != nil {
		h.Logger.Debug("reply body truncated",
			zap.String("url", j.entry.URL()), zap.Error(copyErr))
		j.fail(errpage.ErrReadError, 502, copyErr)
		return
	}

	reusable := !resp.Close && resp.ContentLength >= 0
	j.finish(reusable)
}

func (h *HTTP) writeRequest(j *job, absoluteURI bool) error {
	bw := bufio.NewWriter(j.conn)

	target := j.req.URI
	if absoluteURI {
		target = j.req.URL()
	}
	if target == "" {
		target = "/"
	}
	fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", j.req.Method, target)

	host := j.req.Host
	if p := j.req.Port; p != 0 && p != j.req.Protocol.DefaultPort() {
		host += ":" + strconv.Itoa(int(p))
	}
	fmt.Fprintf(bw, "Host: %s\r\n", host)

	for name, vals := range j.req.Header {
		if hopByHop(name) {
			continue
		}
		for _, v := range vals {
			fmt.Fprintf(bw, "%s: %s\r\n", name, v)
		}
	}

	if j.req.PeerLogin != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(j.req.PeerLogin))
		fmt.Fprintf(bw, "Proxy-Authorization: Basic %s\r\n", cred)
	}
	fmt.Fprintf(bw, "Via: 1.1 krill\r\n")
	fmt.Fprintf(bw, "Connection: keep-alive\r\n")
	fmt.Fprintf(bw, "\r\n")

	if j.req.Body != nil {
		j.markBodySent()
		if _, err := io.Copy(bw, j.req.Body); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// hopByHop filters the connection-scoped headers that must not be
// forwarded upstream.
func hopByHop(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "proxy-connection", "keep-alive", "te",
		"trailer", "transfer-encoding", "upgrade", "proxy-authorization":
		return true
	}
	return false
}
