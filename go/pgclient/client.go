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

// Package pgclient is the query-level facade over the connection pool:
// single statements, concurrent batches, sequential chains and
// reserved-connection transactions, all completing through continuations
// on the reactor goroutine.
package pgclient

import (
	"github.com/pgloop/pgloop/go/driver"
	"github.com/pgloop/pgloop/go/pools/asyncpool"
	"github.com/pgloop/pgloop/go/reactor"
)

// Client runs queries against a connection pool. All methods must be
// called from the reactor goroutine, and every continuation runs there,
// exactly once, never synchronously with the call that scheduled it.
type Client struct {
	pool *asyncpool.Pool
	loop reactor.Reactor
}

// New builds a client and its pool(s) from cfg. The pool begins
// establishing its MinSize connections immediately; use Pool().WaitReady
// to require a ready floor before entering the loop.
func New(cfg *Config) (*Client, error) {
	pcfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := asyncpool.New(pcfg)
	if err != nil {
		return nil, err
	}
	return &Client{pool: pool, loop: pcfg.Reactor}, nil
}

// Pool returns the underlying pool, for stats, warm-up and
// reserved-connection flows.
func (c *Client) Pool() *asyncpool.Pool { return c.pool }

// Execute runs q on any pooled connection.
func (c *Client) Execute(q Query, onDone func(driver.Result, error)) {
	c.pool.Dispatch(q.statement(), onDone, nil, false)
}

// ExecuteOn runs q on a previously reserved connection. If conn was lost,
// the query moves to another connection; use Transaction when statements
// must not migrate.
func (c *Client) ExecuteOn(conn *asyncpool.PooledConn, q Query, onDone func(driver.Result, error)) {
	c.pool.Dispatch(q.statement(), onDone, conn, false)
}

// CallProcedure invokes a stored procedure by name.
func (c *Client) CallProcedure(proc string, params []any, onDone func(driver.Result, error)) {
	c.pool.Dispatch(driver.Statement{Op: driver.CallProcedure, SQL: proc, Params: params}, onDone, nil, false)
}

// Close shuts the pool down. In-flight continuations receive
// driver.ErrConnLost; later calls fail with asyncpool.ErrPoolClosed.
func (c *Client) Close() {
	c.pool.Close()
}
