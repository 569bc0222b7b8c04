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

// Batch issues every query concurrently and calls onDone once all of them
// have completed, with one Outcome per input key. Failures do not stop the
// rest of the batch; every key is reported. An empty batch completes on
// the next loop turn with an empty map.
func (c *Client) Batch(queries map[string]Query, onDone func(map[string]Outcome)) {
	outcomes := make(map[string]Outcome, len(queries))
	if len(queries) == 0 {
		c.loop.ScheduleAfter(0, func() { onDone(outcomes) })
		return
	}
	remaining := len(queries)
	for key, q := range queries {
		c.pool.Dispatch(q.statement(), func(res driver.Result, err error) {
			outcomes[key] = Outcome{Result: res, Err: err}
			remaining--
			if remaining == 0 {
				onDone(outcomes)
			}
		}, nil, false)
	}
}
