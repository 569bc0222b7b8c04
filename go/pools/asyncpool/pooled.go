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
	"log/slog"
	"time"

	"github.com/pgloop/pgloop/go/driver"
	"github.com/pgloop/pgloop/go/list"
	"github.com/pgloop/pgloop/go/reactor"
)

// State is the lifecycle state of a pooled connection.
type State int

const (
	// StateConnecting means the connect handshake is in flight.
	StateConnecting State = iota
	// StateIdle means the connection is established and available.
	StateIdle
	// StateBusy means an operation is in flight.
	StateBusy
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ConnFunc receives a connection once it is established or acquired. On
// failure the connection may be nil or closed; err says why.
type ConnFunc func(conn *PooledConn, err error)

// ResultFunc receives the outcome of one operation.
type ResultFunc func(res driver.Result, err error)

// PooledConn is one non-blocking connection driven by readiness events.
// While a handshake or operation is in flight exactly one readiness
// registration exists for its socket; when idle or closed there is none.
// All methods must be called from the reactor goroutine, except Wait,
// which is a deliberate blocking escape hatch for use before the loop
// runs.
type PooledConn struct {
	handle driver.Handle
	loop   reactor.Reactor
	logger *slog.Logger

	// pool bookkeeping; nil for standalone connections.
	pool *Pool
	elem *list.Element[*PooledConn]

	fd        int
	state     State
	interest  reactor.Interest
	reserved  bool
	createdAt time.Time

	// handshake observers, drained exactly once.
	openFns []ConnFunc

	// in-flight operation continuation.
	onDone  ResultFunc
	factory driver.ResultFactory
}

// Open begins a non-blocking connect and returns the connection without
// waiting for the handshake. onOpen runs exactly once when the handshake
// completes or fails; failures the driver detects synchronously are still
// delivered through onOpen on a scheduled task, so callers observe a
// single code path.
func Open(drv driver.Driver, loop reactor.Reactor, logger *slog.Logger, dsn string, onOpen ConnFunc) *PooledConn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &PooledConn{
		loop:      loop,
		logger:    logger,
		state:     StateConnecting,
		createdAt: loop.Now(),
	}
	if onOpen != nil {
		c.openFns = append(c.openFns, onOpen)
	}

	handle, err := drv.Open(dsn)
	if err != nil {
		c.failScheduled(fmt.Errorf("open: %w", err))
		return c
	}
	c.handle = handle
	c.fd = handle.Fd()

	// The connect handshake starts by writing the startup message.
	if err := c.setInterest(reactor.Writable); err != nil {
		c.failScheduled(err)
	}
	return c
}

// OnOpen attaches fn as an additional handshake observer. If the
// handshake already settled, fn is scheduled immediately with the
// connection's current fate. Observers run in attachment order.
func (c *PooledConn) OnOpen(fn ConnFunc) {
	switch c.state {
	case StateConnecting:
		c.openFns = append(c.openFns, fn)
	case StateClosed:
		c.loop.ScheduleAfter(0, func() { fn(c, fmt.Errorf("open: %w", driver.ErrConnLost)) })
	default:
		c.loop.ScheduleAfter(0, func() { fn(c, nil) })
	}
}

// Issue starts stmt on an idle connection. It returns a non-nil error if
// the operation could not be started; onDone then never runs. Once Issue
// returns nil, onDone runs exactly once from a readiness event, never
// synchronously from Issue itself.
func (c *PooledConn) Issue(stmt driver.Statement, onDone ResultFunc) error {
	if onDone == nil {
		return fmt.Errorf("%w: nil completion callback", driver.ErrOperational)
	}
	switch c.state {
	case StateClosed:
		return fmt.Errorf("issue: %w", driver.ErrConnLost)
	case StateConnecting, StateBusy:
		return fmt.Errorf("%w: issue on %s connection", driver.ErrOperational, c.state)
	}

	if err := c.handle.Issue(stmt); err != nil {
		if driver.IsConnectivity(err) {
			c.teardown()
		}
		return fmt.Errorf("issue: %w", err)
	}

	c.setState(StateBusy)
	c.onDone = onDone
	c.factory = stmt.Factory
	if err := c.setInterest(reactor.Readable); err != nil {
		// The socket cannot be watched, so completion would never be
		// observed. Undo and report synchronously.
		c.onDone, c.factory = nil, nil
		c.teardown()
		return err
	}
	return nil
}

// IsBusy reports whether a handshake or operation is in flight.
func (c *PooledConn) IsBusy() bool {
	return c.state == StateConnecting || c.state == StateBusy
}

// State returns the connection's lifecycle state.
func (c *PooledConn) State() State {
	return c.state
}

// Reserved reports whether the connection is pinned by a transaction.
func (c *PooledConn) Reserved() bool {
	return c.reserved
}

// Fd returns the socket's file descriptor.
func (c *PooledConn) Fd() int {
	return c.fd
}

// Age returns how long the connection has existed.
func (c *PooledConn) Age(now time.Time) time.Duration {
	return now.Sub(c.createdAt)
}

// Wait drives the in-flight handshake or operation to completion by
// blocking on the connection's socket instead of relying on the reactor.
// It returns ErrTimeout if the socket does not settle within timeout. Any
// pending continuations fire on the calling goroutine. Wait must not be
// used while the reactor is delivering events for this connection.
func (c *PooledConn) Wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for c.state == StateConnecting || c.state == StateBusy {
		status, err := c.step()
		if err != nil {
			return err
		}
		if status == driver.StatusReady {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: socket not ready after %v", ErrTimeout, timeout)
		}
		if err := waitReadiness(c.fd, status, remaining); err != nil {
			return err
		}
	}
	if c.state == StateClosed {
		return fmt.Errorf("wait: %w", driver.ErrConnLost)
	}
	return nil
}

// Close tears the connection down. Pending continuations receive
// ErrConnLost. Close is idempotent.
func (c *PooledConn) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.fail(driver.ErrConnLost)
	return nil
}

// ioReady is the reactor callback for this connection's socket.
func (c *PooledConn) ioReady(int, reactor.Interest) {
	if c.state == StateConnecting || c.state == StateBusy {
		c.step()
	}
}

// step polls the driver once and applies the outcome: completion,
// failure, or an interest change. Poll errors fall in two classes: a
// connectivity-class error kills the connection, while a server error
// report on a busy connection only fails the statement and the
// connection returns to idle.
func (c *PooledConn) step() (driver.PollStatus, error) {
	status, err := c.handle.Poll()
	if err != nil {
		if c.state == StateBusy && !driver.IsConnectivity(err) {
			c.clearInterest()
			c.completeErr(err)
			return status, err
		}
		c.fail(err)
		return status, err
	}
	switch status {
	case driver.StatusReady:
		c.clearInterest()
		c.complete()
	case driver.StatusNeedRead:
		if err := c.setInterest(reactor.Readable); err != nil {
			c.fail(err)
			return status, err
		}
	case driver.StatusNeedWrite:
		if err := c.setInterest(reactor.Writable); err != nil {
			c.fail(err)
			return status, err
		}
	}
	return status, nil
}

// complete delivers a successful handshake or operation. The connection
// becomes idle before any continuation runs, so continuations can acquire
// it again.
func (c *PooledConn) complete() {
	switch c.state {
	case StateConnecting:
		c.setState(StateIdle)
		fns := c.openFns
		c.openFns = nil
		for _, fn := range fns {
			fn(c, nil)
		}
	case StateBusy:
		res := c.handle.Result()
		if c.factory != nil {
			res = c.factory(res)
		}
		fn := c.onDone
		c.onDone, c.factory = nil, nil
		c.setState(StateIdle)
		fn(res, nil)
	}
	if c.pool != nil {
		c.pool.connReturned(c)
	}
}

// completeErr delivers a statement failure on a connection whose session
// survived it.
func (c *PooledConn) completeErr(err error) {
	fn := c.onDone
	c.onDone, c.factory = nil, nil
	c.setState(StateIdle)
	if fn != nil {
		fn(nil, err)
	}
	if c.pool != nil {
		c.pool.connReturned(c)
	}
}

// fail closes the connection and delivers err to whatever was pending.
func (c *PooledConn) fail(err error) {
	prev := c.state
	c.teardown()
	switch prev {
	case StateConnecting:
		fns := c.openFns
		c.openFns = nil
		for _, fn := range fns {
			fn(c, err)
		}
	case StateBusy:
		if fn := c.onDone; fn != nil {
			c.onDone, c.factory = nil, nil
			fn(nil, err)
		}
	}
}

// failScheduled is fail for paths that are synchronous with the caller,
// such as Open; delivery moves to the next loop turn so observers are
// never invoked re-entrantly.
func (c *PooledConn) failScheduled(err error) {
	c.teardown()
	fns := c.openFns
	c.openFns = nil
	if len(fns) == 0 {
		return
	}
	c.loop.ScheduleAfter(0, func() {
		for _, fn := range fns {
			fn(c, err)
		}
	})
}

// teardown releases the socket registration and the handle and marks the
// connection closed. It delivers nothing.
func (c *PooledConn) teardown() {
	c.clearInterest()
	if c.handle != nil {
		_ = c.handle.Close()
	}
	c.setState(StateClosed)
}

func (c *PooledConn) setInterest(in reactor.Interest) error {
	if c.interest == in {
		return nil
	}
	var err error
	if c.interest == 0 {
		err = c.loop.RegisterInterest(c.fd, in, c.ioReady)
	} else {
		err = c.loop.UpdateInterest(c.fd, in)
	}
	if err != nil {
		return fmt.Errorf("watch fd %d: %w", c.fd, err)
	}
	c.interest = in
	return nil
}

func (c *PooledConn) clearInterest() {
	if c.interest == 0 {
		return
	}
	if err := c.loop.Deregister(c.fd); err != nil {
		c.logger.Warn("failed to deregister connection socket",
			slog.Int("fd", c.fd), slog.Any("error", err))
	}
	c.interest = 0
}

func (c *PooledConn) setState(s State) {
	if c.state == s {
		return
	}
	old := c.state
	c.state = s
	if c.pool != nil {
		c.pool.noteTransition(c, old, s)
	}
}
