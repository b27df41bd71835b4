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

// Package cachemgr is the management surface: named diagnostic
// actions rendered as plain text over the admin listener.
package cachemgr

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/krillcache/krill"
)

// An ActionFunc renders one diagnostic report.
type ActionFunc func(w io.Writer)

type action struct {
	name        string
	description string
	fn          ActionFunc
}

// Registry holds the registered actions.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]action
	logger  *zap.Logger
}

// NewRegistry builds an empty action registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{actions: make(map[string]action), logger: logger}
}

// Register adds a named action. Re-registering a name replaces it.
func (r *Registry) Register(name, description string, fn ActionFunc) {
	r.mu.Lock()
	r.actions[name] = action{name: name, description: description, fn: fn}
	r.mu.Unlock()
}

// Run renders the named action, reporting whether it exists.
func (r *Registry) Run(name string, w io.Writer) bool {
	r.mu.RLock()
	a, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	a.fn(w)
	return true
}

// Handler serves the registry over HTTP: the index lists actions,
// /cache-manager/<name> renders one.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		name := strings.TrimPrefix(req.URL.Path, "/cache-manager/")
		name = strings.Trim(name, "/")

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if name == "" || name == "menu" {
			r.writeMenu(w)
			krill.CountAdminRequest("cachemgr", req.URL.Path, "200", req.Method)
			return
		}
		if !r.Run(name, w) {
			http.Error(w, "unknown action", http.StatusNotFound)
			krill.CountAdminRequest("cachemgr", req.URL.Path, "404", req.Method)
			return
		}
		krill.CountAdminRequest("cachemgr", req.URL.Path, "200", req.Method)
		r.logger.Debug("action rendered", zap.String("action", name))
	})
}

func (r *Registry) writeMenu(w io.Writer) {
	r.mu.RLock()
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	for _, n := range names {
		r.mu.RLock()
		a := r.actions[n]
		r.mu.RUnlock()
		fmt.Fprintf(w, "%-24s %s\n", a.name, a.description)
	}
}
