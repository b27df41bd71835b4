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
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/krillcache/krill/internal/errpage"
	"github.com/krillcache/krill/internal/store"
	"github.com/krillcache/krill/modules/forwarding"
)

// Gopher, WAIS and WHOIS are one-shot request/stream protocols: send
// a single line, read until the server closes.

// Gopher fetches gopher selectors.
type Gopher struct {
	Logger *zap.Logger
}

func (g *Gopher) Start(fwd *forwarding.Forwarder) {
	j := newJob(fwd)
	selector := strings.TrimPrefix(j.req.URI, "/")
	// the gopher item type prefixes the selector in proxy URLs
	if len(selector) > 0 {
		selector = selector[1:]
	}
	go runLineProtocol(j, g.Logger, selector+"\r\n")
}

// WAIS relays a wais query line.
type WAIS struct {
	Logger *zap.Logger
}

func (w *WAIS) Start(fwd *forwarding.Forwarder) {
	j := newJob(fwd)
	line := fmt.Sprintf("%s %s\r\n", j.req.Method, j.req.URL())
	go runLineProtocol(j, w.Logger, line)
}

// WHOIS queries a whois server for the request path.
type WHOIS struct {
	Logger *zap.Logger
}

func (w *WHOIS) Start(fwd *forwarding.Forwarder) {
	j := newJob(fwd)
	query := strings.TrimPrefix(j.req.URI, "/")
	go runLineProtocol(j, w.Logger, query+"\r\n")
}

// runLineProtocol writes one request line and streams everything the
// server returns into the entry as a plain-text 200.
func runLineProtocol(j *job, logger *zap.Logger, line string) {
	if _, err := j.conn.Write([]byte(line)); err != nil {
		if logger != nil {
			logger.Debug("request write failed",
				zap.String("url", j.entry.URL()), zap.Error(err))
		}
		j.fail(errpage.ErrWriteError, 502, err)
		return
	}
	j.entry.SetReply(&store.Reply{StatusCode: 200, Header: textHeader()})
	if err := j.copyToEntry(j.conn); err != nil {
		j.fail(errpage.ErrReadError, 502, err)
		return
	}
	j.finish(false)
}
