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

// Package errpage builds the client-visible error documents the
// forwarding core surfaces when every upstream attempt has failed.
package errpage

import (
	"bytes"
	"html/template"

	"github.com/krillcache/krill/internal/request"
	"github.com/krillcache/krill/internal/store"
)

// Type identifies the class of failure being reported.
type Type int

const (
	ErrNone Type = iota
	ErrForwardingDenied
	ErrShuttingDown
	ErrDNSFail
	ErrConnectFail
	ErrSocketFailure
	ErrCannotForward
	ErrUnsupportedRequest
	ErrAccessDenied
	ErrReadError
	ErrWriteError
)

var typeNames = map[Type]string{
	ErrNone:               "ERR_NONE",
	ErrForwardingDenied:   "ERR_FORWARDING_DENIED",
	ErrShuttingDown:       "ERR_SHUTTING_DOWN",
	ErrDNSFail:            "ERR_DNS_FAIL",
	ErrConnectFail:        "ERR_CONNECT_FAIL",
	ErrSocketFailure:      "ERR_SOCKET_FAILURE",
	ErrCannotForward:      "ERR_CANNOT_FORWARD",
	ErrUnsupportedRequest: "ERR_UNSUP_REQ",
	ErrAccessDenied:       "ERR_ACCESS_DENIED",
	ErrReadError:          "ERR_READ_ERROR",
	ErrWriteError:         "ERR_WRITE_ERROR",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "ERR_UNKNOWN"
}

// ParseType resolves a page name from config, returning ErrNone when
// unknown.
func ParseType(name string) Type {
	for t, s := range typeNames {
		if s == name {
			return t
		}
	}
	return ErrNone
}

// Error is one pending client-visible failure. The forwarding core
// records at most one at a time; a later attempt's error replaces an
// earlier one.
type Error struct {
	Code       Type
	Status     int
	Errno      error
	DNSMessage string
	Request    *request.Request
}

// New builds an error for the given failure class and HTTP status.
func New(code Type, status int, req *request.Request) *Error {
	return &Error{Code: code, Status: status, Request: req}
}

var pageTmpl = template.Must(template.New("errpage").Parse(`<!DOCTYPE html>
<html><head><title>Error: {{.Code}}</title></head>
<body>
<h1>The requested URL could not be retrieved</h1>
<p>While trying to retrieve the URL: <em>{{.URL}}</em></p>
<p>The following error was encountered: <strong>{{.Code}}</strong></p>
{{if .Detail}}<p>{{.Detail}}</p>{{end}}
<hr>
<address>Generated by krill</address>
</body></html>
`))

// Render produces the HTML document for the error.
func (e *Error) Render() []byte {
	detail := e.DNSMessage
	if detail == "" && e.Errno != nil {
		detail = e.Errno.Error()
	}
	url := ""
	if e.Request != nil {
		url = e.Request.URL()
	}
	var buf bytes.Buffer
	_ = pageTmpl.Execute(&buf, struct {
		Code   string
		URL    string
		Detail string
	}{e.Code.String(), url, detail})
	return buf.Bytes()
}

// AppendToEntry commits the error document as the entry's reply and
// finishes the entry. It consumes the error.
func AppendToEntry(entry *store.Entry, e *Error) {
	entry.SetReply(&store.Reply{StatusCode: e.Status})
	entry.Append(e.Render())
	entry.ClearFlag(store.FwdHdrWait)
	entry.MarkRelease()
	entry.Complete()
}
