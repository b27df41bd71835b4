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

//go:build windows

package comms

import "syscall"

// Windows does not allow setting IP_TOS per socket; the mapping is
// done through QoS policy instead, so the control hook is a no-op.
func sockoptControl(tos int) func(network, address string, c syscall.RawConn) error {
	return nil
}
