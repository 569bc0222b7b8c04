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

import "github.com/pgloop/pgloop/go/driver"

// Chain runs queries strictly sequentially, dispatching each one from the
// previous completion, and calls onDone with the outcomes in input order.
// A failed link does not stop the chain; every query runs. An empty chain
// completes on the next loop turn with a nil slice.
func (c *Client) Chain(queries []Query, onDone func([]Outcome)) {
	if len(queries) == 0 {
		c.loop.ScheduleAfter(0, func() { onDone(nil) })
		return
	}
	outcomes := make([]Outcome, 0, len(queries))
	var step func(i int)
	step = func(i int) {
		c.pool.Dispatch(queries[i].statement(), func(res driver.Result, err error) {
			outcomes = append(outcomes, Outcome{Result: res, Err: err})
			if next := i + 1; next < len(queries) {
				step(next)
				return
			}
			onDone(outcomes)
		}, nil, false)
	}
	step(0)
}
