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

package fakedb

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pgloop/pgloop/go/driver"
)

// Conn implements driver.Handle. In virtual mode polls walk a status
// script; in pipe mode the connection owns a socketpair and readiness is
// carried by real bytes.
type Conn struct {
	db  *DB
	dsn string
	fd  int

	mu         sync.Mutex
	connecting bool
	busy       bool
	closed     bool
	dead       bool
	script     []driver.PollStatus
	pollErr    error
	result     driver.Result

	pipes   bool
	peerFd  int
	latency time.Duration
}

// DSN returns the string the connection was opened with.
func (c *Conn) DSN() string { return c.dsn }

// Fd returns the connection's pollable descriptor. It is synthetic in
// virtual mode and a real socket in pipe mode.
func (c *Conn) Fd() int { return c.fd }

// Busy reports whether a handshake or statement is in flight.
func (c *Conn) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connecting || c.busy
}

// Poll advances in-flight work one step.
func (c *Conn) Poll() (driver.PollStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("fakedb: poll on closed connection: %w", driver.ErrConnLost)
	}
	if c.dead {
		return 0, fmt.Errorf("fakedb: connection killed: %w", driver.ErrConnLost)
	}
	if !c.connecting && !c.busy {
		return driver.StatusReady, nil
	}
	if c.db.isStalled() {
		return driver.StatusNeedRead, nil
	}
	if c.pipes {
		return c.pollPipeLocked()
	}
	if len(c.script) > 0 {
		status := c.script[0]
		c.script = c.script[1:]
		return status, nil
	}
	return c.completeLocked()
}

// Issue accepts a statement. The outcome, including rejections and
// unexpected-query errors, surfaces at poll time the way a server error
// report would.
func (c *Conn) Issue(stmt driver.Statement) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("fakedb: issue on closed connection: %w", driver.ErrConnLost)
	}
	if c.dead {
		c.mu.Unlock()
		return fmt.Errorf("fakedb: connection killed: %w", driver.ErrConnLost)
	}
	if c.connecting || c.busy {
		c.mu.Unlock()
		return fmt.Errorf("%w: fakedb: issue on busy connection", driver.ErrOperational)
	}
	c.mu.Unlock()

	expected, err := c.db.lookup(stmt.SQL)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = true
	c.script = c.db.issueScriptCopy()
	c.pollErr = err
	c.result = nil
	if err == nil {
		res := &cannedResult{}
		if expected != nil {
			res.columns = expected.Columns
			res.rows = expected.Rows
			res.rowsAffected = expected.RowsAffected
		}
		c.result = res
	}
	if c.pipes {
		c.startCompleter()
	}
	return nil
}

// Result returns the canned result of the last completed statement.
func (c *Conn) Result() driver.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Close releases the connection. Safe to call twice.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.pipes {
		_ = unix.Close(c.fd)
		if c.peerFd >= 0 {
			_ = unix.Close(c.peerFd)
			c.peerFd = -1
		}
	}
	fd := c.fd
	c.mu.Unlock()
	c.db.forget(fd)
	return nil
}

func (c *Conn) completeLocked() (driver.PollStatus, error) {
	c.connecting = false
	c.busy = false
	if c.pollErr != nil {
		err := c.pollErr
		c.pollErr = nil
		return 0, err
	}
	return driver.StatusReady, nil
}

// pollPipeLocked consumes the completer's byte. No byte yet means the
// work is still in flight; a zero-length read means the peer is gone.
func (c *Conn) pollPipeLocked() (driver.PollStatus, error) {
	buf := make([]byte, 1)
	n, err := unix.Read(c.fd, buf)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return driver.StatusNeedRead, nil
	case err != nil:
		return 0, fmt.Errorf("fakedb: read fd %d: %v: %w", c.fd, err, driver.ErrConnLost)
	case n == 0:
		return 0, fmt.Errorf("fakedb: connection killed: %w", driver.ErrConnLost)
	}
	return c.completeLocked()
}

func (c *Conn) openPipe(latency time.Duration) error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("fakedb: socketpair: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return fmt.Errorf("fakedb: set nonblock: %w", err)
		}
	}
	c.pipes = true
	c.latency = latency
	c.fd = fds[0]
	c.peerFd = fds[1]
	c.startCompleter()
	return nil
}

// startCompleter schedules the single byte that makes the connection's fd
// readable once the in-flight work is "done" server-side.
func (c *Conn) startCompleter() {
	latency := c.latency
	go func() {
		if latency > 0 {
			time.Sleep(latency)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || c.dead || c.peerFd < 0 || c.db.isStalled() {
			return
		}
		_, _ = unix.Write(c.peerFd, []byte{1})
	}()
}

func (c *Conn) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.dead {
		return
	}
	c.dead = true
	if c.pipes && c.peerFd >= 0 {
		_ = unix.Close(c.peerFd)
		c.peerFd = -1
	}
}

func (db *DB) issueScriptCopy() []driver.PollStatus {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]driver.PollStatus(nil), db.issueScript...)
}

func (db *DB) isStalled() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.stalled
}
