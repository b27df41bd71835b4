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
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// maxTryIndex is the last per-try column of the reply-code
	// table; higher try counts fold into it.
	maxTryIndex = 9

	// maxStatus bounds the recorded reply statuses.
	maxStatus = 600
)

var replyCodesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "krill",
	Subsystem: "forward",
	Name:      "reply_codes_total",
	Help:      "Upstream reply status codes by forwarding attempt number.",
}, []string{"status", "try"})

// ReplyStats is the 2-D reply-code counter: one row per status, one
// column per attempt number.
type ReplyStats struct {
	mu    sync.Mutex
	codes [maxTryIndex + 1][maxStatus + 1]int
}

// NewReplyStats builds an empty counter table.
func NewReplyStats() *ReplyStats {
	return new(ReplyStats)
}

// LogReplyStatus records the terminal status of an attempt. Tries is
// 1-based; statuses outside the table are dropped.
func (rs *ReplyStats) LogReplyStatus(tries, status int) {
	if status < 0 || status > maxStatus {
		return
	}
	if tries < 1 {
		return
	}
	tries--
	if tries > maxTryIndex {
		tries = maxTryIndex
	}
	rs.mu.Lock()
	rs.codes[tries][status]++
	rs.mu.Unlock()

	replyCodesMetric.WithLabelValues(
		strconv.Itoa(status), strconv.Itoa(tries+1)).Inc()
}

// Count returns one cell of the table; tries is 1-based.
func (rs *ReplyStats) Count(tries, status int) int {
	if status < 0 || status > maxStatus || tries < 1 {
		return 0
	}
	tries--
	if tries > maxTryIndex {
		tries = maxTryIndex
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.codes[tries][status]
}

// WriteTo renders the table for the cache manager: one row per status
// seen on a first try, tab-separated, one column per attempt.
func (rs *ReplyStats) WriteTo(w io.Writer) (int64, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var written int64
	emit := func(format string, args ...any) error {
		n, err := fmt.Fprintf(w, format, args...)
		written += int64(n)
		return err
	}

	if err := emit("Status"); err != nil {
		return written, err
	}
	for j := 0; j <= maxTryIndex; j++ {
		if err := emit("\ttry#%d", j+1); err != nil {
			return written, err
		}
	}
	if err := emit("\n"); err != nil {
		return written, err
	}

	for i := 0; i <= maxStatus; i++ {
		if rs.codes[0][i] == 0 {
			continue
		}
		if err := emit("%3d", i); err != nil {
			return written, err
		}
		for j := 0; j <= maxTryIndex; j++ {
			if err := emit("\t%d", rs.codes[j][i]); err != nil {
				return written, err
			}
		}
		if err := emit("\n"); err != nil {
			return written, err
		}
	}
	return written, nil
}
