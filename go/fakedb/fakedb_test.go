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

package fakedb

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgloop/pgloop/go/driver"
)

func open(t *testing.T, db *DB) driver.Handle {
	t.Helper()
	h, err := db.Driver().Open("fake://test")
	require.NoError(t, err)
	return h
}

// settle polls until the handle reports ready.
func settle(t *testing.T, h driver.Handle) {
	t.Helper()
	for i := 0; i < 100; i++ {
		status, err := h.Poll()
		require.NoError(t, err)
		if status == driver.StatusReady {
			return
		}
	}
	t.Fatalf("handle never became ready")
}

func TestVirtualLifecycle(t *testing.T) {
	db := New()
	defer db.Close()
	db.AddQuery("select 1", &ExpectedResult{
		Columns: []string{"?column?"},
		Rows:    [][]any{{int64(1)}},
	})

	h := open(t, db)
	assert.True(t, h.Busy(), "handshake should be in flight")
	settle(t, h)
	assert.False(t, h.Busy())

	require.NoError(t, h.Issue(driver.Statement{Op: driver.Execute, SQL: "SELECT 1"}))
	assert.True(t, h.Busy())
	settle(t, h)

	res := h.Result()
	require.NotNil(t, res)
	assert.Equal(t, []string{"?column?"}, res.Columns())
	assert.Equal(t, 1, db.QueryCalls("select 1"))
}

func TestConnectScript(t *testing.T) {
	db := New()
	defer db.Close()
	db.SetConnectScript(driver.StatusNeedWrite, driver.StatusNeedRead)

	h := open(t, db)
	status, err := h.Poll()
	require.NoError(t, err)
	assert.Equal(t, driver.StatusNeedWrite, status)
	status, err = h.Poll()
	require.NoError(t, err)
	assert.Equal(t, driver.StatusNeedRead, status)
	status, err = h.Poll()
	require.NoError(t, err)
	assert.Equal(t, driver.StatusReady, status)
}

func TestRejectedQuery(t *testing.T) {
	db := New()
	defer db.Close()
	rejection := errors.New("syntax error at or near \"selec\"")
	db.AddRejectedQuery("selec 1", rejection)

	h := open(t, db)
	settle(t, h)
	require.NoError(t, h.Issue(driver.Statement{Op: driver.Execute, SQL: "selec 1"}))
	_, err := h.Poll()
	require.ErrorIs(t, err, rejection)
	assert.Equal(t, 1, db.QueryCalls("selec 1"))
}

func TestUnexpectedQuery(t *testing.T) {
	db := New()
	defer db.Close()

	h := open(t, db)
	settle(t, h)
	require.NoError(t, h.Issue(driver.Statement{Op: driver.Execute, SQL: "select nope"}))
	_, err := h.Poll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected query")
}

func TestQueryPattern(t *testing.T) {
	db := New()
	defer db.Close()
	db.AddQueryPattern(`select \* from t where id = \d+`, &ExpectedResult{RowsAffected: 1})

	h := open(t, db)
	settle(t, h)
	require.NoError(t, h.Issue(driver.Statement{Op: driver.Execute, SQL: "select * from t where id = 42"}))
	settle(t, h)
	require.NotNil(t, h.Result())
	assert.Equal(t, int64(1), h.Result().RowsAffected())
}

func TestKillConn(t *testing.T) {
	db := New()
	defer db.Close()

	h := open(t, db)
	settle(t, h)
	require.True(t, db.KillConn(h.Fd()))

	err := h.Issue(driver.Statement{Op: driver.Execute, SQL: "select 1"})
	require.ErrorIs(t, err, driver.ErrConnLost)
	_, err = h.Poll()
	require.ErrorIs(t, err, driver.ErrConnLost)
}

func TestOpenError(t *testing.T) {
	db := New()
	defer db.Close()
	boom := errors.New("no route to host")
	db.SetOpenError(boom)

	_, err := db.Driver().Open("fake://test")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, db.OpensStarted())
	assert.Equal(t, 0, db.OpenConns())
}

func TestPipeMode(t *testing.T) {
	db := New()
	defer db.Close()
	db.EnablePipes(time.Millisecond)
	db.AddQuery("select 1", &ExpectedResult{RowsAffected: 1})

	h := open(t, db)
	require.Eventually(t, func() bool {
		status, err := h.Poll()
		require.NoError(t, err)
		return status == driver.StatusReady
	}, time.Second, time.Millisecond, "handshake byte never arrived")

	require.NoError(t, h.Issue(driver.Statement{Op: driver.Execute, SQL: "select 1"}))
	require.Eventually(t, func() bool {
		status, err := h.Poll()
		require.NoError(t, err)
		return status == driver.StatusReady
	}, time.Second, time.Millisecond, "completion byte never arrived")
	require.NotNil(t, h.Result())

	require.NoError(t, h.Close())
	assert.Equal(t, 0, db.OpenConns())
}
