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

//go:build unix

package comms

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// sockoptControl stamps the IP TOS (or IPv6 traffic class) byte on
// the outgoing socket. A zero tos leaves the socket untouched.
func sockoptControl(tos int) func(network, address string, c syscall.RawConn) error {
	if tos == 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var soErr error
		err := c.Control(func(fd uintptr) {
			if strings.HasSuffix(network, "6") {
				soErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
			} else {
				soErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
			}
		})
		if err != nil {
			return err
		}
		return soErr
	}
}
