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

package pgclient

import (
	"errors"
	"fmt"

	"github.com/pgloop/pgloop/go/driver"
	"github.com/pgloop/pgloop/go/pools/asyncpool"
)

// Transaction acquires one connection, reserves it for the whole
// sequence, and runs the queries on it in order. The first error stops
// the sequence; onDone then receives the outcomes accumulated so far,
// the failed query's included, and asyncpool.ErrTransaction wrapping
// that error. The failed query's own Outcome keeps the unwrapped cause.
// The reservation is released exactly once on every path, and the
// remaining queries never migrate to another connection.
//
// BEGIN, COMMIT and ROLLBACK are the caller's queries. Transaction
// provides single-connection sequencing, not transaction SQL.
func (c *Client) Transaction(queries []Query, onDone func([]Outcome, error)) {
	c.pool.Acquire(func(conn *asyncpool.PooledConn, err error) {
		if err != nil {
			onDone(nil, err)
			return
		}
		if err := c.pool.Reserve(conn); err != nil {
			c.loop.ScheduleAfter(0, func() { onDone(nil, err) })
			return
		}

		released := false
		release := func() {
			if released {
				return
			}
			released = true
			c.pool.Unreserve(conn)
		}

		outcomes := make([]Outcome, 0, len(queries))
		if len(queries) == 0 {
			c.loop.ScheduleAfter(0, func() {
				release()
				onDone(outcomes, nil)
			})
			return
		}

		var step func(i int)
		step = func(i int) {
			c.pool.Dispatch(queries[i].statement(), func(res driver.Result, err error) {
				outcomes = append(outcomes, Outcome{Result: res, Err: err})
				if err != nil {
					if !errors.Is(err, asyncpool.ErrTransaction) {
						err = fmt.Errorf("%w: %w", asyncpool.ErrTransaction, err)
					}
					release()
					onDone(outcomes, err)
					return
				}
				if next := i + 1; next < len(queries) {
					step(next)
					return
				}
				release()
				onDone(outcomes, nil)
			}, conn, true)
		}
		step(0)
	})
}
