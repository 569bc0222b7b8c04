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

// Package fakedb provides a scriptable stand-in for a database behind the
// non-blocking driver interface. Tests register expected statements and
// canned results, then either drive readiness by hand through a fake
// reactor (virtual mode) or let socketpair fds carry real readiness
// events (pipe mode, see EnablePipes).
package fakedb

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pgloop/pgloop/go/driver"
)

// ExpectedResult is the canned answer for a registered statement.
type ExpectedResult struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
}

type patternResult struct {
	re     *regexp.Regexp
	result *ExpectedResult
}

// DB holds the registered statements and the set of open connections.
// All methods are safe for concurrent use.
type DB struct {
	mu sync.Mutex

	queries  map[string]*ExpectedResult
	patterns []patternResult
	rejected map[string]error
	calls    map[string]int

	openErr       error
	connectErr    error
	connectScript []driver.PollStatus
	issueScript   []driver.PollStatus
	stalled       bool

	pipes   bool
	latency time.Duration

	nextFd int
	conns  map[int]*Conn
	opens  int
}

// New returns an empty DB. Connections are in virtual mode: their fds are
// synthetic, and polls walk the configured status scripts.
func New() *DB {
	return &DB{
		queries:  make(map[string]*ExpectedResult),
		rejected: make(map[string]error),
		calls:    make(map[string]int),
		nextFd:   1000,
		conns:    make(map[int]*Conn),
	}
}

// Driver returns a driver.Driver that opens connections against db.
func (db *DB) Driver() driver.Driver {
	return fakeDriver{db: db}
}

// EnablePipes switches new connections to pipe mode: each one owns a real
// socketpair, and a completer goroutine makes the fd readable after
// latency whenever a handshake or statement is in flight.
func (db *DB) EnablePipes(latency time.Duration) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pipes = true
	db.latency = latency
}

// AddQuery registers a canned result for an exact statement (or procedure
// name), matched case-insensitively.
func (db *DB) AddQuery(sql string, result *ExpectedResult) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.queries[strings.ToLower(sql)] = result
}

// AddQueryPattern registers a canned result for statements matching the
// regular expression pattern. Exact matches win over patterns.
func (db *DB) AddQueryPattern(pattern string, result *ExpectedResult) {
	expr := regexp.MustCompile("(?is)^" + pattern + "$")
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patterns = append(db.patterns, patternResult{re: expr, result: result})
}

// AddRejectedQuery makes the statement fail with err at completion time,
// the way a server error report would surface.
func (db *DB) AddRejectedQuery(sql string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rejected[strings.ToLower(sql)] = err
}

// QueryCalls returns how many times the statement was issued.
func (db *DB) QueryCalls(sql string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.calls[strings.ToLower(sql)]
}

// OpensStarted returns how many Open calls the driver has seen, counting
// rejected ones.
func (db *DB) OpensStarted() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.opens
}

// OpenConns returns the number of connections not yet closed.
func (db *DB) OpenConns() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.conns)
}

// SetOpenError makes Open fail synchronously with err; nil restores
// normal opens.
func (db *DB) SetOpenError(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.openErr = err
}

// SetConnectError makes handshakes fail with err once their status script
// is exhausted.
func (db *DB) SetConnectError(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.connectErr = err
}

// SetConnectScript sets the poll statuses a new connection reports before
// its handshake completes. An empty script completes on the first poll.
func (db *DB) SetConnectScript(statuses ...driver.PollStatus) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.connectScript = statuses
}

// SetIssueScript sets the poll statuses an issued statement reports
// before completing.
func (db *DB) SetIssueScript(statuses ...driver.PollStatus) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.issueScript = statuses
}

// SetStall freezes in-flight work: polls keep reporting NeedRead and, in
// pipe mode, completer bytes are withheld, so readiness never arrives.
func (db *DB) SetStall(stall bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.stalled = stall
}

// KillConn marks the connection with fd dead: further polls and issues
// fail with a connectivity-class error. In pipe mode the peer end is
// closed so a real poller wakes up. It reports whether fd was known.
func (db *DB) KillConn(fd int) bool {
	db.mu.Lock()
	c, ok := db.conns[fd]
	db.mu.Unlock()
	if !ok {
		return false
	}
	c.kill()
	return true
}

// KillAll kills every open connection and returns how many.
func (db *DB) KillAll() int {
	db.mu.Lock()
	conns := make([]*Conn, 0, len(db.conns))
	for _, c := range db.conns {
		conns = append(conns, c)
	}
	db.mu.Unlock()
	for _, c := range conns {
		c.kill()
	}
	return len(conns)
}

// Close closes every remaining connection.
func (db *DB) Close() {
	db.mu.Lock()
	conns := make([]*Conn, 0, len(db.conns))
	for _, c := range db.conns {
		conns = append(conns, c)
	}
	db.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// lookup resolves a statement to its canned result or completion error.
func (db *DB) lookup(sql string) (*ExpectedResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := strings.ToLower(sql)
	db.calls[key]++
	if err, ok := db.rejected[key]; ok {
		return nil, err
	}
	if result, ok := db.queries[key]; ok {
		return result, nil
	}
	for _, p := range db.patterns {
		if p.re.MatchString(sql) {
			return p.result, nil
		}
	}
	return nil, fmt.Errorf("fakedb: unexpected query %q", sql)
}

func (db *DB) forget(fd int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.conns, fd)
}

type fakeDriver struct {
	db *DB
}

// Open starts a new fake connection. The handshake completes through
// polls, never synchronously.
func (d fakeDriver) Open(dsn string) (driver.Handle, error) {
	db := d.db
	db.mu.Lock()
	db.opens++
	if db.openErr != nil {
		err := db.openErr
		db.mu.Unlock()
		return nil, err
	}
	c := &Conn{
		db:         db,
		dsn:        dsn,
		connecting: true,
		script:     append([]driver.PollStatus(nil), db.connectScript...),
		pollErr:    db.connectErr,
	}
	if db.pipes {
		if err := c.openPipe(db.latency); err != nil {
			db.mu.Unlock()
			return nil, err
		}
	} else {
		c.fd = db.nextFd
		db.nextFd++
	}
	db.conns[c.fd] = c
	db.mu.Unlock()
	return c, nil
}

type cannedResult struct {
	columns      []string
	rows         [][]any
	rowsAffected int64
}

func (r *cannedResult) Columns() []string    { return r.columns }
func (r *cannedResult) Rows() [][]any        { return r.rows }
func (r *cannedResult) RowsAffected() int64  { return r.rowsAffected }
