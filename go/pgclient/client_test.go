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
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgloop/pgloop/go/driver"
	"github.com/pgloop/pgloop/go/fakedb"
	"github.com/pgloop/pgloop/go/fakereactor"
	"github.com/pgloop/pgloop/go/pools/asyncpool"
	"github.com/pgloop/pgloop/go/viperutil"
)

// harness bundles a fake database with a hand-driven reactor.
type harness struct {
	db   *fakedb.DB
	loop *fakereactor.Reactor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := fakedb.New()
	t.Cleanup(db.Close)
	return &harness{db: db, loop: fakereactor.New()}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// settle fires readiness at every registered descriptor and runs due
// tasks until a full pass moves nothing. Timers parked in the future stay
// parked; tests advance those explicitly.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		h.loop.Advance(0)
		fired := false
		for _, fd := range h.loop.Fds() {
			if h.loop.FireWritable(fd) {
				fired = true
			}
			if h.loop.FireReadable(fd) {
				fired = true
			}
		}
		if !fired {
			h.loop.Advance(0)
			return
		}
	}
	t.Fatal("loop never settled")
}

// newTestClient builds a client against the harness fakes with a fresh
// config registry. configure tweaks config values before New runs.
func newTestClient(t *testing.T, h *harness, configure func(cfg *Config)) *Client {
	t.Helper()
	reg := viperutil.NewRegistry()
	cfg := NewConfig(reg)
	cfg.Driver = h.db.Driver()
	cfg.Reactor = h.loop
	cfg.Logger = discardLogger()
	cfg.dsn.Set("fake://primary")
	if configure != nil {
		configure(cfg)
	}
	cl, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(cl.Close)
	return cl
}

// resultRecorder captures result deliveries.
type resultRecorder struct {
	calls int
	res   driver.Result
	err   error
}

func (r *resultRecorder) fn() func(driver.Result, error) {
	return func(res driver.Result, err error) {
		r.calls++
		r.res = res
		r.err = err
	}
}

func TestNewBuildsPoolFromConfig(t *testing.T) {
	h := newHarness(t)
	cl := newTestClient(t, h, func(cfg *Config) {
		cfg.minSize.Set(2)
	})
	h.settle(t)

	st := cl.Pool().Stats()
	assert.Equal(t, "primary", st.Name)
	assert.Equal(t, 2, st.Open)
	assert.Equal(t, 2, st.Idle)
	assert.Nil(t, cl.Pool().Backup())
}

func TestNewRejectsBadDSNURL(t *testing.T) {
	h := newHarness(t)
	reg := viperutil.NewRegistry()
	cfg := NewConfig(reg)
	cfg.Driver = h.db.Driver()
	cfg.Reactor = h.loop
	cfg.Logger = discardLogger()
	cfg.dsn.Set("postgres://%zz")

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool-dsn")
}

func TestBackupPoolFromConfig(t *testing.T) {
	h := newHarness(t)
	cl := newTestClient(t, h, func(cfg *Config) {
		cfg.backupDSN.Set("fake://backup")
	})
	h.settle(t)

	backup := cl.Pool().Backup()
	require.NotNil(t, backup)
	assert.Equal(t, "backup", backup.Stats().Name)
	// The backup pool has no floor: nothing opens until the primary
	// starts failing over.
	assert.Zero(t, backup.Stats().Open)
}

func TestExecuteDeliversResult(t *testing.T) {
	h := newHarness(t)
	h.db.AddQuery("select name from users", &fakedb.ExpectedResult{
		Columns: []string{"name"},
		Rows:    [][]any{{"ada"}, {"grace"}},
	})
	cl := newTestClient(t, h, nil)
	h.settle(t)

	rec := &resultRecorder{}
	cl.Execute(SQL("select name from users"), rec.fn())
	assert.Zero(t, rec.calls, "completion must not be synchronous")

	h.settle(t)
	require.Equal(t, 1, rec.calls)
	require.NoError(t, rec.err)
	assert.Equal(t, [][]any{{"ada"}, {"grace"}}, rec.res.Rows())
}

func TestExecuteStatementError(t *testing.T) {
	h := newHarness(t)
	boom := assert.AnError
	h.db.AddRejectedQuery("drop table users", boom)
	cl := newTestClient(t, h, nil)
	h.settle(t)

	rec := &resultRecorder{}
	cl.Execute(SQL("drop table users"), rec.fn())
	h.settle(t)

	require.Equal(t, 1, rec.calls)
	require.ErrorIs(t, rec.err, boom)
	assert.Nil(t, rec.res)
	// A statement rejection is not a lost connection; nothing is retried.
	assert.Equal(t, 1, h.db.QueryCalls("drop table users"))
}

func TestExecuteManyStatement(t *testing.T) {
	h := newHarness(t)
	h.db.AddQuery("insert into t (n) values ($1)", &fakedb.ExpectedResult{RowsAffected: 2})
	cl := newTestClient(t, h, nil)
	h.settle(t)

	rec := &resultRecorder{}
	cl.Execute(Many("insert into t (n) values ($1)", []any{1}, []any{2}), rec.fn())
	h.settle(t)

	require.Equal(t, 1, rec.calls)
	require.NoError(t, rec.err)
	assert.Equal(t, int64(2), rec.res.RowsAffected())
}

func TestCallProcedure(t *testing.T) {
	h := newHarness(t)
	h.db.AddQuery("refresh_views", &fakedb.ExpectedResult{})
	cl := newTestClient(t, h, nil)
	h.settle(t)

	rec := &resultRecorder{}
	cl.CallProcedure("refresh_views", []any{"eu"}, rec.fn())
	h.settle(t)

	require.Equal(t, 1, rec.calls)
	require.NoError(t, rec.err)
	assert.Equal(t, 1, h.db.QueryCalls("refresh_views"))
}

func TestExecuteOnReservedConnection(t *testing.T) {
	h := newHarness(t)
	h.db.AddQuery("select 1", &fakedb.ExpectedResult{Rows: [][]any{{1}}})
	cl := newTestClient(t, h, nil)
	h.settle(t)

	var acquired *asyncpool.PooledConn
	cl.Pool().Acquire(func(c *asyncpool.PooledConn, err error) {
		require.NoError(t, err)
		acquired = c
	})
	require.NotNil(t, acquired, "idle acquire hands off synchronously")
	require.NoError(t, cl.Pool().Reserve(acquired))

	rec := &resultRecorder{}
	cl.ExecuteOn(acquired, SQL("select 1"), rec.fn())
	h.settle(t)

	require.Equal(t, 1, rec.calls)
	require.NoError(t, rec.err)
	assert.Equal(t, 1, cl.Pool().Stats().Reserved, "statement completion keeps the reservation")

	cl.Pool().Unreserve(acquired)
	assert.Zero(t, cl.Pool().Stats().Reserved)
}
