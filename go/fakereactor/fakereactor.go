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

// Package fakereactor provides a manually driven reactor for tests. Time
// only moves when Advance is called, readiness events only happen when a
// test fires them, and the registration table can be inspected to assert
// interest bookkeeping. Everything runs on the caller's goroutine.
package fakereactor

import (
	"fmt"
	"sort"
	"time"

	"github.com/pgloop/pgloop/go/reactor"
)

type registration struct {
	interest reactor.Interest
	fn       reactor.IOFunc
}

type task struct {
	deadline time.Time
	seq      uint64
	fn       func()
	stopped  bool
	done     bool
}

// Stop cancels the task. It returns false if the task already ran or was
// stopped.
func (t *task) Stop() bool {
	if t.stopped || t.done {
		return false
	}
	t.stopped = true
	return true
}

// Reactor is a fake reactor.Reactor. It is not safe for concurrent use;
// like a real loop, everything happens on one goroutine.
type Reactor struct {
	now   time.Time
	regs  map[int]*registration
	tasks []*task
	seq   uint64
}

var _ reactor.Reactor = (*Reactor)(nil)

// New returns a fake reactor whose clock starts at a fixed instant.
func New() *Reactor {
	return &Reactor{
		now:  time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		regs: make(map[int]*registration),
	}
}

// RegisterInterest implements reactor.Reactor.
func (r *Reactor) RegisterInterest(fd int, interest reactor.Interest, fn reactor.IOFunc) error {
	if _, ok := r.regs[fd]; ok {
		return fmt.Errorf("fd %d is already registered", fd)
	}
	r.regs[fd] = &registration{interest: interest, fn: fn}
	return nil
}

// UpdateInterest implements reactor.Reactor.
func (r *Reactor) UpdateInterest(fd int, interest reactor.Interest) error {
	reg, ok := r.regs[fd]
	if !ok {
		return fmt.Errorf("fd %d is not registered", fd)
	}
	reg.interest = interest
	return nil
}

// Deregister implements reactor.Reactor.
func (r *Reactor) Deregister(fd int) error {
	if _, ok := r.regs[fd]; !ok {
		return fmt.Errorf("fd %d is not registered", fd)
	}
	delete(r.regs, fd)
	return nil
}

// ScheduleAfter implements reactor.Reactor. The task runs during a later
// Advance call once the fake clock passes its deadline.
func (r *Reactor) ScheduleAfter(d time.Duration, fn func()) reactor.Timer {
	if d < 0 {
		d = 0
	}
	r.seq++
	t := &task{deadline: r.now.Add(d), seq: r.seq, fn: fn}
	r.tasks = append(r.tasks, t)
	return t
}

// Now implements reactor.Reactor.
func (r *Reactor) Now() time.Time {
	return r.now
}

// Advance moves the clock forward by d, running every due task in deadline
// order (scheduling order breaks ties). Tasks scheduled by callbacks run in
// the same Advance when their deadline falls within the window. Advance(0)
// runs tasks scheduled for the current instant.
func (r *Reactor) Advance(d time.Duration) {
	target := r.now.Add(d)
	for {
		next := r.nextDue(target)
		if next == nil {
			break
		}
		if next.deadline.After(r.now) {
			r.now = next.deadline
		}
		next.done = true
		next.fn()
	}
	r.now = target
	r.compactTasks()
}

func (r *Reactor) nextDue(target time.Time) *task {
	var due *task
	for _, t := range r.tasks {
		if t.stopped || t.done || t.deadline.After(target) {
			continue
		}
		if due == nil || t.deadline.Before(due.deadline) ||
			(t.deadline.Equal(due.deadline) && t.seq < due.seq) {
			due = t
		}
	}
	return due
}

func (r *Reactor) compactTasks() {
	live := r.tasks[:0]
	for _, t := range r.tasks {
		if !t.stopped && !t.done {
			live = append(live, t)
		}
	}
	r.tasks = live
}

// FireReadable delivers a readable event on fd. It reports whether a
// registration with Readable interest consumed it.
func (r *Reactor) FireReadable(fd int) bool {
	return r.fire(fd, reactor.Readable)
}

// FireWritable delivers a writable event on fd. It reports whether a
// registration with Writable interest consumed it.
func (r *Reactor) FireWritable(fd int) bool {
	return r.fire(fd, reactor.Writable)
}

func (r *Reactor) fire(fd int, ready reactor.Interest) bool {
	reg, ok := r.regs[fd]
	if !ok || reg.interest&ready == 0 {
		return false
	}
	reg.fn(fd, ready)
	return true
}

// Registered returns the interest registered for fd, if any.
func (r *Reactor) Registered(fd int) (reactor.Interest, bool) {
	reg, ok := r.regs[fd]
	if !ok {
		return 0, false
	}
	return reg.interest, true
}

// RegisteredCount returns the number of registered descriptors.
func (r *Reactor) RegisteredCount() int {
	return len(r.regs)
}

// Fds returns the registered descriptors in ascending order.
func (r *Reactor) Fds() []int {
	fds := make([]int, 0, len(r.regs))
	for fd := range r.regs {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}

// PendingTasks returns the number of scheduled tasks that have neither run
// nor been stopped.
func (r *Reactor) PendingTasks() int {
	n := 0
	for _, t := range r.tasks {
		if !t.stopped && !t.done {
			n++
		}
	}
	return n
}
