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

// Package reactor defines the event loop consumed by the pool: readiness
// notification for file descriptors plus one-shot timers. Applications
// that already run their own loop implement Reactor as a thin adapter;
// programs without one can use the runloop subpackage.
//
// Every callback a Reactor delivers runs on the loop's goroutine, one at a
// time. Code built on this package relies on that serialization instead of
// locks, so implementations must never invoke callbacks concurrently.
package reactor

import "time"

// Interest is the set of readiness conditions a registration watches.
type Interest uint8

const (
	// Readable fires when the descriptor has data to read.
	Readable Interest = 1 << iota
	// Writable fires when the descriptor accepts writes.
	Writable
)

// String renders the interest set, e.g. "read|write".
func (i Interest) String() string {
	switch {
	case i&Readable != 0 && i&Writable != 0:
		return "read|write"
	case i&Readable != 0:
		return "read"
	case i&Writable != 0:
		return "write"
	default:
		return "none"
	}
}

// IOFunc handles a readiness event for a registered descriptor. ready
// contains the conditions that became true, always a subset of the
// registered interest.
type IOFunc func(fd int, ready Interest)

// Timer is a scheduled task handle.
type Timer interface {
	// Stop cancels the task. It returns false if the task already ran or
	// was stopped.
	Stop() bool
}

// Reactor is the event loop capability.
type Reactor interface {
	// RegisterInterest starts watching fd for the given conditions and
	// delivers events to fn. Registering an fd that is already registered
	// is an error.
	RegisterInterest(fd int, interest Interest, fn IOFunc) error

	// UpdateInterest changes the watched conditions of a registered fd,
	// keeping its callback. Updating an unregistered fd is an error.
	UpdateInterest(fd int, interest Interest) error

	// Deregister stops watching fd. Deregistering an unregistered fd is
	// an error.
	Deregister(fd int) error

	// ScheduleAfter runs fn on the loop goroutine once d has elapsed.
	// A non-positive d schedules fn for the next loop turn.
	ScheduleAfter(d time.Duration, fn func()) Timer

	// Now returns the loop's current time. Implementations backed by a
	// manual clock let tests drive time-dependent behavior.
	Now() time.Time
}
