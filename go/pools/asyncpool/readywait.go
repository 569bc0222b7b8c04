// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package asyncpool

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pgloop/pgloop/go/driver"
)

// waitReadiness blocks until fd reaches the readiness status asks for, or
// timeout elapses. Returning nil does not guarantee readiness; callers
// poll the driver again and re-check their deadline.
func waitReadiness(fd int, status driver.PollStatus, timeout time.Duration) error {
	var events int16
	switch status {
	case driver.StatusNeedRead:
		events = unix.POLLIN
	case driver.StatusNeedWrite:
		events = unix.POLLOUT
	default:
		return nil
	}

	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	_, err := unix.Poll(fds, ms)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("poll fd %d: %w", fd, err)
	}
	return nil
}
