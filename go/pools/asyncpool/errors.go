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

import "errors"

var (
	// ErrPoolClosed is returned when operations are attempted on a closed pool.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrPoolExhausted is returned when the pool is at capacity and no
	// connection can be freed or created.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrTimeout is returned by Wait and WaitReady when the deadline passes
	// before the connection settles.
	ErrTimeout = errors.New("timeout waiting for connection")

	// ErrTransaction is returned when a transaction cannot continue, most
	// commonly because its pinned connection was lost. It wraps the cause.
	ErrTransaction = errors.New("transaction aborted")
)
