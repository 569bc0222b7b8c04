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

// Package runloop provides a poll(2)-backed event loop for programs that
// do not already run one. It implements reactor.Reactor: readiness
// callbacks and timers all run on the goroutine that called Run, one at
// a time.
//
// ScheduleAfter may be called from any goroutine; a task posted from
// outside wakes the loop through a pipe. Every other method, including
// Timer.Stop, belongs to the loop goroutine once Run has started.
// Before Run and after it returns, the loop is plain single-threaded
// state and may be touched from the owning goroutine.
package runloop

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pgloop/pgloop/go/reactor"
)

type registration struct {
	interest reactor.Interest
	fn       reactor.IOFunc
}

// Loop is a single-goroutine poll loop. Create with New, drive with Run.
type Loop struct {
	logger *slog.Logger

	// Loop-owned state, touched only on the Run goroutine.
	regs    map[int]*registration
	timers  timerHeap
	stopped bool

	// Cross-goroutine submission: timers land here and are admitted to
	// the heap at the top of each turn.
	mu       sync.Mutex
	incoming []*loopTimer
	seq      uint64

	wakeR, wakeW int
	wakeBuf      [16]byte
}

// New creates a stopped loop. The logger may be nil.
func New(logger *slog.Logger) (*Loop, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("runloop: wake pipe: %w", err)
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, fmt.Errorf("runloop: wake pipe nonblock: %w", err)
		}
		unix.CloseOnExec(fd)
	}
	return &Loop{
		logger: logger,
		regs:   make(map[int]*registration),
		wakeR:  p[0],
		wakeW:  p[1],
	}, nil
}

// RegisterInterest implements reactor.Reactor.
func (l *Loop) RegisterInterest(fd int, interest reactor.Interest, fn reactor.IOFunc) error {
	if fn == nil {
		return fmt.Errorf("runloop: register fd %d: nil callback", fd)
	}
	if interest == 0 {
		return fmt.Errorf("runloop: register fd %d: empty interest", fd)
	}
	if _, ok := l.regs[fd]; ok {
		return fmt.Errorf("runloop: fd %d is already registered", fd)
	}
	l.regs[fd] = &registration{interest: interest, fn: fn}
	return nil
}

// UpdateInterest implements reactor.Reactor.
func (l *Loop) UpdateInterest(fd int, interest reactor.Interest) error {
	reg, ok := l.regs[fd]
	if !ok {
		return fmt.Errorf("runloop: update fd %d: not registered", fd)
	}
	if interest == 0 {
		return fmt.Errorf("runloop: update fd %d: empty interest", fd)
	}
	reg.interest = interest
	return nil
}

// Deregister implements reactor.Reactor.
func (l *Loop) Deregister(fd int) error {
	if _, ok := l.regs[fd]; !ok {
		return fmt.Errorf("runloop: deregister fd %d: not registered", fd)
	}
	delete(l.regs, fd)
	return nil
}

// ScheduleAfter implements reactor.Reactor. It is safe to call from any
// goroutine; the task always runs on the loop goroutine, earliest on the
// turn after the current one.
func (l *Loop) ScheduleAfter(d time.Duration, fn func()) reactor.Timer {
	if d < 0 {
		d = 0
	}
	t := &loopTimer{loop: l, when: time.Now().Add(d), fn: fn, index: -1}

	l.mu.Lock()
	t.seq = l.seq
	l.seq++
	l.incoming = append(l.incoming, t)
	mustWake := len(l.incoming) == 1
	l.mu.Unlock()

	if mustWake {
		l.wake()
	}
	return t
}

// Now implements reactor.Reactor.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Run drives the loop until Stop. It blocks; callbacks and timers run on
// the calling goroutine.
func (l *Loop) Run() error {
	l.logger.Debug("event loop running")
	var pfds []unix.PollFd
	for {
		l.admitIncoming()
		l.fireDue()
		if l.stopped {
			l.logger.Debug("event loop stopped")
			return nil
		}

		pfds = l.appendPollSet(pfds[:0])
		n, err := unix.Poll(pfds, l.pollTimeout())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("runloop: poll: %w", err)
		}
		if n > 0 {
			l.dispatch(pfds)
		}
	}
}

// Stop makes Run return once the current turn finishes. Safe from any
// goroutine and idempotent.
func (l *Loop) Stop() {
	l.ScheduleAfter(0, func() { l.stopped = true })
}

// Close releases the wake pipe. Call it only after Run has returned and
// no further Stop or ScheduleAfter calls can happen.
func (l *Loop) Close() error {
	if l.wakeR < 0 {
		return nil
	}
	err := errors.Join(unix.Close(l.wakeR), unix.Close(l.wakeW))
	l.wakeR, l.wakeW = -1, -1
	return err
}

// admitIncoming moves posted timers into the heap. Timers stopped while
// still in flight are dropped here.
func (l *Loop) admitIncoming() {
	l.mu.Lock()
	pending := l.incoming
	l.incoming = nil
	l.mu.Unlock()

	for _, t := range pending {
		if t.stopped {
			continue
		}
		heap.Push(&l.timers, t)
	}
}

// fireDue pops every due timer first and fires them second, so a task
// that reschedules itself with zero delay runs next turn instead of
// starving the poll.
func (l *Loop) fireDue() {
	now := time.Now()
	var due []*loopTimer
	for l.timers.Len() > 0 && !l.timers[0].when.After(now) {
		due = append(due, heap.Pop(&l.timers).(*loopTimer))
	}
	for _, t := range due {
		if t.stopped {
			continue
		}
		t.fired = true
		t.fn()
	}
}

func (l *Loop) pollTimeout() int {
	if l.timers.Len() == 0 {
		return -1
	}
	d := time.Until(l.timers[0].when)
	if d <= 0 {
		return 0
	}
	// Round up so the earliest timer is due when poll returns.
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func (l *Loop) appendPollSet(pfds []unix.PollFd) []unix.PollFd {
	pfds = append(pfds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
	for fd, reg := range l.regs {
		var events int16
		if reg.interest&reactor.Readable != 0 {
			events |= unix.POLLIN
		}
		if reg.interest&reactor.Writable != 0 {
			events |= unix.POLLOUT
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	return pfds
}

// dispatch delivers readiness to the surviving registrations. Callbacks
// may register and deregister descriptors mid-pass, so each event
// re-resolves its registration.
func (l *Loop) dispatch(pfds []unix.PollFd) {
	for i := range pfds {
		p := &pfds[i]
		if p.Revents == 0 {
			continue
		}
		fd := int(p.Fd)
		if fd == l.wakeR {
			l.drainWake()
			continue
		}
		reg, ok := l.regs[fd]
		if !ok {
			continue
		}
		ready := readiness(p.Revents) & reg.interest
		if ready == 0 {
			continue
		}
		reg.fn(fd, ready)
	}
}

// readiness maps revents to interest bits. Error conditions mark the
// descriptor both readable and writable: whatever the registration
// waits for, its callback must run and discover the failure.
func readiness(revents int16) reactor.Interest {
	const errEvents = unix.POLLHUP | unix.POLLERR | unix.POLLNVAL
	var r reactor.Interest
	if revents&(unix.POLLIN|errEvents) != 0 {
		r |= reactor.Readable
	}
	if revents&(unix.POLLOUT|errEvents) != 0 {
		r |= reactor.Writable
	}
	return r
}

func (l *Loop) wake() {
	for {
		_, err := unix.Write(l.wakeW, []byte{0})
		if err != unix.EINTR {
			// EAGAIN means the pipe is full, so a wakeup is already
			// pending.
			return
		}
	}
}

func (l *Loop) drainWake() {
	for {
		n, _ := unix.Read(l.wakeR, l.wakeBuf[:])
		if n < len(l.wakeBuf) {
			return
		}
	}
}

// loopTimer is a heap-managed scheduled task.
type loopTimer struct {
	loop    *Loop
	when    time.Time
	seq     uint64
	fn      func()
	index   int
	fired   bool
	stopped bool
}

// Stop implements reactor.Timer. It must run on the loop goroutine.
func (t *loopTimer) Stop() bool {
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	if t.index >= 0 {
		heap.Remove(&t.loop.timers, t.index)
	}
	return true
}

// timerHeap orders timers by deadline, then by creation order, so equal
// deadlines fire first-scheduled-first.
type timerHeap []*loopTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*loopTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
