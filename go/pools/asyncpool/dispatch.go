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

	"github.com/pgloop/pgloop/go/driver"
)

// Dispatch runs stmt on a pooled connection and delivers the outcome to
// onDone exactly once, never synchronously.
//
// With a reserved connection, the statement runs there: a connection
// found dead at issue time is discarded, and when isTransaction is set
// the failure surfaces as ErrTransaction because mid-transaction work
// cannot move elsewhere. Without isTransaction the statement falls back
// to the acquire path. Without a reserved connection, the pool acquires
// one and re-acquires up to DispatchRetries times when the connection
// turns out to be dead before the statement starts. Failures after a
// statement has started are never retried.
func (p *Pool) Dispatch(stmt driver.Statement, onDone ResultFunc, reserved *PooledConn, isTransaction bool) {
	if p.closed {
		p.scheduleResErr(onDone, ErrPoolClosed)
		return
	}
	if reserved != nil {
		p.dispatchOn(reserved, stmt, onDone, isTransaction)
		return
	}
	p.dispatchAcquire(stmt, onDone, p.cfg.DispatchRetries)
}

func (p *Pool) dispatchOn(c *PooledConn, stmt driver.Statement, onDone ResultFunc, isTransaction bool) {
	err := c.Issue(stmt, onDone)
	if err == nil {
		return
	}
	if !driver.IsConnectivity(err) {
		p.scheduleResErr(onDone, err)
		return
	}
	p.logger.Warn("requested connection was closed",
		slog.Int("fd", c.Fd()), slog.Any("error", err))
	_ = c.Close()
	if isTransaction {
		p.scheduleResErr(onDone, fmt.Errorf("%w: %w", ErrTransaction, err))
		return
	}
	if p.cfg.DispatchRetries <= 0 {
		p.scheduleResErr(onDone, err)
		return
	}
	p.dispatchAcquire(stmt, onDone, p.cfg.DispatchRetries-1)
}

// dispatchAcquire acquires a connection and issues stmt on it, burning
// one retry each time an acquired connection is dead at issue time.
func (p *Pool) dispatchAcquire(stmt driver.Statement, onDone ResultFunc, retries int) {
	p.Acquire(func(c *PooledConn, err error) {
		if err != nil {
			onDone(nil, err)
			return
		}
		issueErr := c.Issue(stmt, onDone)
		if issueErr == nil {
			return
		}
		if driver.IsConnectivity(issueErr) {
			p.logger.Warn("acquired connection was closed",
				slog.Int("fd", c.Fd()), slog.Any("error", issueErr))
			_ = c.Close()
			if retries > 0 && !p.closed {
				p.dispatchAcquire(stmt, onDone, retries-1)
				return
			}
		}
		p.scheduleResErr(onDone, issueErr)
	})
}

func (p *Pool) scheduleResErr(onDone ResultFunc, err error) {
	p.loop.ScheduleAfter(0, func() { onDone(nil, err) })
}
