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

// Package asyncpool implements a non-blocking connection pool for
// event-driven programs. Connections are driven by reactor readiness
// events, operations complete through continuations, and the pool runs
// entirely on the reactor goroutine: creation throttling, size caps,
// transaction pinning and backup failover all happen within loop turns,
// without locks.
package asyncpool

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/pgloop/pgloop/go/driver"
	"github.com/pgloop/pgloop/go/list"
	"github.com/pgloop/pgloop/go/reactor"
)

const (
	// defaultReconnectInterval spaces out connection creation once the
	// pool is above its floor.
	defaultReconnectInterval = 250 * time.Millisecond

	defaultDispatchRetries = 1
)

// Config describes a pool. Driver and Reactor are required; everything
// else has a usable default.
type Config struct {
	// Name identifies the pool in logs and metrics.
	Name string

	// DSN is passed to the driver when opening connections.
	DSN string

	// MinSize is the connection floor: created eagerly, exempt from the
	// creation throttle, and never culled by Cleanup.
	MinSize int

	// MaxSize caps the pool, counting connections still establishing.
	// Zero means unlimited.
	MaxSize int

	// ReconnectInterval is the minimum spacing between connection
	// creations above the floor. Zero selects the 250ms default.
	ReconnectInterval time.Duration

	// DispatchRetries bounds how many times a dispatch re-acquires after
	// losing a connection at issue time. Zero selects the default of 1;
	// negative disables retries.
	DispatchRetries int

	// CleanupInterval re-arms a reactor timer that culls idle
	// connections above the floor. Zero disables automatic cleanup.
	CleanupInterval time.Duration

	// Backup configures a pool that serves requests whenever opening a
	// primary connection fails with a connectivity-class error. Driver,
	// Reactor, Logger and Meter are inherited from the primary when
	// unset.
	Backup *Config

	Driver  driver.Driver
	Reactor reactor.Reactor

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Meter defaults to the global meter provider.
	Meter metric.Meter
}

func (cfg Config) withDefaults() (Config, error) {
	if cfg.Driver == nil {
		return cfg, fmt.Errorf("pool %q: driver is required", cfg.Name)
	}
	if cfg.Reactor == nil {
		return cfg, fmt.Errorf("pool %q: reactor is required", cfg.Name)
	}
	if cfg.MinSize < 0 || cfg.MaxSize < 0 {
		return cfg, fmt.Errorf("pool %q: negative size", cfg.Name)
	}
	if cfg.MaxSize > 0 && cfg.MinSize > cfg.MaxSize {
		return cfg, fmt.Errorf("pool %q: min size %d exceeds max size %d", cfg.Name, cfg.MinSize, cfg.MaxSize)
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	switch {
	case cfg.DispatchRetries == 0:
		cfg.DispatchRetries = defaultDispatchRetries
	case cfg.DispatchRetries < 0:
		cfg.DispatchRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.GetMeterProvider().Meter("github.com/pgloop/pgloop/go/pools/asyncpool")
	}
	return cfg, nil
}

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Name       string
	Open       int
	Idle       int
	Busy       int
	Connecting int
	Reserved   int

	// PendingCreates counts acquire requests parked on the creation
	// throttle or waiting for an establishing connection to settle.
	PendingCreates int

	Creations   uint64
	Failovers   uint64
	Exhaustions uint64

	// Discarded counts connections dropped before pool shutdown, whether
	// lost or culled by cleanup.
	Discarded uint64
}

// Pool owns a set of PooledConns. All methods must be called from the
// reactor goroutine, except WaitReady.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	loop   reactor.Reactor
	drv    driver.Driver

	// conns holds every owned connection, including ones still
	// establishing, in creation order. Acquire scans it front to back.
	conns *list.List[*PooledConn]

	// pendingNew holds acquire requests waiting for the pool, oldest
	// first: deferred by the creation throttle, or parked on a full pool
	// whose connections are still establishing.
	pendingNew    *list.List[ConnFunc]
	lastCreate    time.Time
	throttleTimer reactor.Timer
	cleanupTimer  reactor.Timer

	closed  bool
	backup  *Pool
	metrics *connMetrics

	creations   uint64
	failovers   uint64
	exhaustions uint64
	discarded   uint64
}

// New creates a pool and eagerly begins establishing MinSize connections.
// Establishment failures during this warm-up are logged, not returned;
// use WaitReady to require a ready floor.
func New(cfg Config) (*Pool, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:        cfg,
		logger:     cfg.Logger.With(slog.String("pool", cfg.Name)),
		loop:       cfg.Reactor,
		drv:        cfg.Driver,
		conns:      list.New[*PooledConn](),
		pendingNew: list.New[ConnFunc](),
	}
	p.metrics, err = newConnMetrics(cfg.Meter, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("pool %q: metrics: %w", cfg.Name, err)
	}

	if cfg.Backup != nil {
		bcfg := *cfg.Backup
		if bcfg.Name == "" {
			bcfg.Name = cfg.Name + "-backup"
		}
		if bcfg.Driver == nil {
			bcfg.Driver = cfg.Driver
		}
		if bcfg.Reactor == nil {
			bcfg.Reactor = cfg.Reactor
		}
		if bcfg.Logger == nil {
			bcfg.Logger = cfg.Logger
		}
		if bcfg.Meter == nil {
			bcfg.Meter = cfg.Meter
		}
		p.backup, err = New(bcfg)
		if err != nil {
			return nil, fmt.Errorf("pool %q: backup: %w", cfg.Name, err)
		}
	}

	for i := 0; i < cfg.MinSize; i++ {
		p.startCreate(func(_ *PooledConn, err error) {
			if err != nil {
				p.logger.Warn("failed to establish initial connection", slog.Any("error", err))
			}
		})
	}
	if cfg.CleanupInterval > 0 {
		p.armCleanup()
	}
	return p, nil
}

// Name returns the pool's configured name.
func (p *Pool) Name() string { return p.cfg.Name }

// Backup returns the backup pool, or nil.
func (p *Pool) Backup() *Pool { return p.backup }

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool { return p.closed }

// Acquire hands the first idle, unreserved connection to fn. When one is
// free, fn runs synchronously; otherwise the pool grows (subject to the
// size cap and the creation throttle) and fn runs from a later loop turn.
// Failures — ErrPoolClosed, ErrPoolExhausted, or a connect error — are
// always delivered on a later turn.
func (p *Pool) Acquire(fn ConnFunc) {
	if p.closed {
		p.scheduleConnErr(fn, ErrPoolClosed)
		return
	}
	if c := p.firstIdle(); c != nil {
		fn(c, nil)
		return
	}
	p.createForAcquire(fn)
}

// Reserve pins conn so Acquire skips it until Unreserve. The connection
// still counts toward the pool size.
func (p *Pool) Reserve(c *PooledConn) error {
	if c.pool != p {
		return fmt.Errorf("%w: connection does not belong to this pool", driver.ErrOperational)
	}
	if c.reserved {
		return fmt.Errorf("%w: connection already reserved", driver.ErrOperational)
	}
	if c.state != StateIdle {
		return fmt.Errorf("%w: reserve on %s connection", driver.ErrOperational, c.state)
	}
	c.reserved = true
	return nil
}

// Unreserve returns a reserved connection to the acquirable set. It is
// safe to call for a connection that was lost mid-transaction.
func (p *Pool) Unreserve(c *PooledConn) {
	if !c.reserved {
		return
	}
	c.reserved = false
	p.connReturned(c)
}

// Cleanup closes idle, unreserved connections above MinSize, newest
// first, and returns the number closed. Busy, reserved and establishing
// connections are never touched.
func (p *Pool) Cleanup() int {
	excess := p.conns.Len() - p.cfg.MinSize
	if excess <= 0 {
		return 0
	}
	victims := make([]*PooledConn, 0, excess)
	for e := p.conns.Back(); e != nil && len(victims) < excess; e = e.Prev() {
		if c := e.Value; c.state == StateIdle && !c.reserved {
			victims = append(victims, c)
		}
	}
	for _, c := range victims {
		p.logger.Debug("closing idle connection",
			slog.Int("fd", c.fd), slog.Duration("age", c.Age(p.loop.Now())))
		_ = c.Close()
	}
	return len(victims)
}

// Close shuts the pool down: pending acquires fail with ErrPoolClosed,
// every connection is closed (busy ones deliver ErrConnLost to their
// continuations), and the backup pool, if any, is closed too. Further
// calls are no-ops.
func (p *Pool) Close() {
	if p.closed {
		return
	}
	p.closed = true
	if p.throttleTimer != nil {
		p.throttleTimer.Stop()
		p.throttleTimer = nil
	}
	if p.cleanupTimer != nil {
		p.cleanupTimer.Stop()
		p.cleanupTimer = nil
	}

	for e := p.pendingNew.Front(); e != nil; e = e.Next() {
		p.scheduleConnErr(e.Value, ErrPoolClosed)
	}
	p.pendingNew.Init()

	conns := make([]*PooledConn, 0, p.conns.Len())
	for e := p.conns.Front(); e != nil; e = e.Next() {
		conns = append(conns, e.Value)
	}
	for _, c := range conns {
		_ = c.Close()
	}

	if p.backup != nil {
		p.backup.Close()
	}
	p.logger.Info("connection pool closed")
}

// WaitReady blocks until no connection is still establishing, or the
// deadline passes. It is the synchronous warm-up used before the event
// loop starts and must not run concurrently with it. The first
// establishment failure is returned.
func (p *Pool) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var pending *PooledConn
		for e := p.conns.Front(); e != nil; e = e.Next() {
			if e.Value.state == StateConnecting {
				pending = e.Value
				break
			}
		}
		if pending == nil {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: pool %q not ready after %v", ErrTimeout, p.cfg.Name, timeout)
		}
		if err := pending.Wait(remaining); err != nil {
			return err
		}
	}
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	s := Stats{
		Name:           p.cfg.Name,
		PendingCreates: p.pendingNew.Len(),
		Creations:      p.creations,
		Failovers:      p.failovers,
		Exhaustions:    p.exhaustions,
		Discarded:      p.discarded,
	}
	for e := p.conns.Front(); e != nil; e = e.Next() {
		s.Open++
		switch e.Value.state {
		case StateIdle:
			s.Idle++
		case StateBusy:
			s.Busy++
		case StateConnecting:
			s.Connecting++
		}
		if e.Value.reserved {
			s.Reserved++
		}
	}
	return s
}

func (p *Pool) firstIdle() *PooledConn {
	for e := p.conns.Front(); e != nil; e = e.Next() {
		if c := e.Value; c.state == StateIdle && !c.reserved {
			return c
		}
	}
	return nil
}

func (p *Pool) atCapacity() bool {
	return p.cfg.MaxSize > 0 && p.conns.Len() >= p.cfg.MaxSize
}

func (p *Pool) hasConnecting() bool {
	for e := p.conns.Front(); e != nil; e = e.Next() {
		if e.Value.state == StateConnecting {
			return true
		}
	}
	return false
}

// createForAcquire grows the pool for one waiting acquirer, applying the
// size cap and the creation throttle. The cap check and the creation
// decision happen in the same loop turn, so a burst of acquires cannot
// overshoot MaxSize. A pool that is full only because connections are
// still establishing is not exhausted: the acquire parks until a
// handshake settles.
func (p *Pool) createForAcquire(fn ConnFunc) {
	if p.atCapacity() {
		p.Cleanup()
		if p.atCapacity() {
			if p.hasConnecting() {
				p.pendingNew.PushBack(fn)
				p.armThrottle()
				return
			}
			p.exhaustions++
			p.logger.Warn("connection pool exhausted",
				slog.Int("open", p.conns.Len()), slog.Int("max_size", p.cfg.MaxSize))
			p.scheduleConnErr(fn, fmt.Errorf("%w: %d connections open", ErrPoolExhausted, p.conns.Len()))
			return
		}
	}
	now := p.loop.Now()
	if p.conns.Len() <= p.cfg.MinSize || now.Sub(p.lastCreate) >= p.cfg.ReconnectInterval {
		p.startCreateForAcquire(fn)
		return
	}
	p.pendingNew.PushBack(fn)
	p.armThrottle()
}

// startCreateForAcquire wires the backup failover path around a creation
// serving an acquirer.
func (p *Pool) startCreateForAcquire(fn ConnFunc) {
	p.startCreate(func(c *PooledConn, err error) {
		if err == nil {
			fn(c, nil)
			return
		}
		if p.closed {
			fn(nil, ErrPoolClosed)
			return
		}
		if p.backup != nil && driver.IsConnectivity(err) {
			p.failovers++
			p.logger.Warn("primary connect failed, serving from backup pool", slog.Any("error", err))
			p.backup.Acquire(fn)
			return
		}
		fn(nil, err)
	})
}

// startCreate begins one connection attempt. The connection joins the
// pool immediately, so it counts toward MaxSize while establishing.
func (p *Pool) startCreate(onOpen ConnFunc) {
	p.lastCreate = p.loop.Now()
	p.creations++
	conn := Open(p.drv, p.loop, p.logger, p.cfg.DSN, func(c *PooledConn, err error) {
		if err != nil {
			onOpen(nil, err)
			return
		}
		onOpen(c, nil)
	})
	conn.pool = p
	if conn.state == StateClosed {
		// The driver failed synchronously; the error is already on its
		// way to onOpen and the connection never joins the list.
		return
	}
	conn.elem = p.conns.PushBack(conn)
}

func (p *Pool) armThrottle() {
	if p.throttleTimer != nil {
		return
	}
	delay := p.cfg.ReconnectInterval - p.loop.Now().Sub(p.lastCreate)
	if delay < 0 {
		delay = 0
	}
	p.throttleTimer = p.loop.ScheduleAfter(delay, p.drainThrottled)
}

// drainThrottled serves the oldest deferred acquire request, preferring a
// connection that freed up while it waited, then re-arms itself while
// more requests remain.
func (p *Pool) drainThrottled() {
	p.throttleTimer = nil
	if p.closed {
		return
	}
	e := p.pendingNew.Front()
	if e == nil {
		return
	}
	fn := e.Value
	p.pendingNew.Remove(e)
	if c := p.firstIdle(); c != nil {
		fn(c, nil)
	} else {
		p.createForAcquire(fn)
	}
	if p.pendingNew.Len() > 0 {
		p.armThrottle()
	}
}

func (p *Pool) armCleanup() {
	p.cleanupTimer = p.loop.ScheduleAfter(p.cfg.CleanupInterval, func() {
		if p.closed {
			return
		}
		p.Cleanup()
		p.armCleanup()
	})
}

// connReturned runs after a connection settles back to idle. A freed
// connection serves the oldest throttled acquire immediately instead of
// letting it wait out the creation interval.
func (p *Pool) connReturned(c *PooledConn) {
	if p.closed || c.state != StateIdle || c.reserved {
		return
	}
	e := p.pendingNew.Front()
	if e == nil {
		return
	}
	fn := e.Value
	p.pendingNew.Remove(e)
	fn(c, nil)
}

// noteTransition is invoked by connections on every state change; it
// keeps metrics current and drops connections that reached StateClosed.
func (p *Pool) noteTransition(c *PooledConn, old, next State) {
	p.metrics.noteTransition(old, next)
	if next == StateClosed {
		p.dropConn(c)
	}
}

func (p *Pool) dropConn(c *PooledConn) {
	if c.elem == nil {
		return
	}
	p.conns.Remove(c.elem)
	c.elem = nil
	if !p.closed {
		p.discarded++
	}
}

func (p *Pool) scheduleConnErr(fn ConnFunc, err error) {
	p.loop.ScheduleAfter(0, func() { fn(nil, err) })
}
