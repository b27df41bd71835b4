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
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/krillcache/krill/internal/events"
	"github.com/krillcache/krill/internal/request"
	"github.com/krillcache/krill/internal/store"
	"github.com/krillcache/krill/modules/forwarding"
)

// serveClients accepts proxy clients until the listener closes.
func serveClients(ctx context.Context, ln net.Listener, loop *events.Loop, fwd *forwarding.Forwarding, logger *zap.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go handleClient(conn, loop, fwd, logger)
	}
}

func handleClient(conn net.Conn, loop *events.Loop, fwd *forwarding.Forwarding, logger *zap.Logger) {
	defer conn.Close()
	br := bufio.NewReader(conn)

	for {
		hreq, err := http.ReadRequest(br)
		if err != nil {
			return
		}

		req, rerr := fromHTTPRequest(conn, hreq)
		if rerr != nil {
			logger.Debug("unparseable proxy request", zap.Error(rerr))
			fmt.Fprintf(conn, "HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n")
			return
		}

		entry := store.NewEntry(req.URL()).WithLogger(logger)
		entry.Lock()
		entry.AddClient()

		loop.Post(func() {
			fwd.Start(conn.RemoteAddr().String(), entry, req)
		})

		keepalive := waitAndReply(conn, entry, req, logger)

		entry.RemoveClient()
		entry.Unlock()

		if !keepalive {
			return
		}
	}
}

// waitAndReply blocks until the entry finishes and relays it to the
// client. It reports whether the connection may serve another
// request.
func waitAndReply(conn net.Conn, entry *store.Entry, req *request.Request, logger *zap.Logger) bool {
	select {
	case <-entry.Done():
	case <-time.After(10 * time.Minute):
		logger.Warn("giving up on entry", zap.String("url", entry.URL()))
		entry.Abort()
		<-entry.Done()
	}

	rep := entry.Reply()
	body := entry.Body()
	if rep == nil {
		fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return false
	}

	keepalive := req.Flags.ProxyKeepalive
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n", rep.StatusCode, http.StatusText(rep.StatusCode))
	for name, vals := range rep.Header {
		switch name {
		case "Content-Length", "Transfer-Encoding", "Connection":
			continue
		}
		for _, v := range vals {
			fmt.Fprintf(conn, "%s: %s\r\n", name, v)
		}
	}
	fmt.Fprintf(conn, "Content-Length: %d\r\n", len(body))
	if keepalive {
		fmt.Fprintf(conn, "Connection: keep-alive\r\n\r\n")
	} else {
		fmt.Fprintf(conn, "Connection: close\r\n\r\n")
	}
	if req.Method != "HEAD" {
		conn.Write(body)
	}
	return keepalive
}

// fromHTTPRequest converts a parsed proxy-form request into the
// core's request type.
func fromHTTPRequest(conn net.Conn, hreq *http.Request) (*request.Request, error) {
	u := hreq.URL
	if !u.IsAbs() {
		return nil, fmt.Errorf("request URI %q is not absolute", hreq.RequestURI)
	}

	req := request.New(hreq.Method, u.RequestURI())
	req.Protocol = request.ParseProtocol(u.Scheme)
	req.Host = u.Hostname()
	if ps := u.Port(); ps != "" {
		p, err := strconv.ParseUint(ps, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("port %q: %w", ps, err)
		}
		req.Port = uint16(p)
	} else {
		req.Port = req.Protocol.DefaultPort()
	}
	req.Header = hreq.Header

	if hreq.ContentLength != 0 || len(hreq.TransferEncoding) > 0 {
		req.Body = hreq.Body
	}

	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		req.ClientAddr = ap.Addr()
	}
	if ap, err := netip.ParseAddrPort(conn.LocalAddr().String()); err == nil {
		req.MyAddr = ap.Addr()
		req.MyPort = ap.Port()
	}

	if hreq.ProtoMajor == 1 && hreq.ProtoMinor == 0 {
		req.Flags.ProxyKeepalive = false
	}
	return req, nil
}
