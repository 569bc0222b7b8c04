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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgloop/pgloop/go/fakedb"
)

func TestBatchRunsAllQueries(t *testing.T) {
	h := newHarness(t)
	h.db.AddQuery("select 1", &fakedb.ExpectedResult{Rows: [][]any{{1}}})
	h.db.AddQuery("select 2", &fakedb.ExpectedResult{Rows: [][]any{{2}}})
	h.db.AddQuery("select 3", &fakedb.ExpectedResult{Rows: [][]any{{3}}})
	cl := newTestClient(t, h, func(cfg *Config) {
		cfg.minSize.Set(3)
	})
	h.settle(t)

	var got map[string]Outcome
	calls := 0
	cl.Batch(map[string]Query{
		"one":   SQL("select 1"),
		"two":   SQL("select 2"),
		"three": SQL("select 3"),
	}, func(outcomes map[string]Outcome) {
		calls++
		got = outcomes
	})
	assert.Zero(t, calls, "completion must not be synchronous")

	h.settle(t)
	require.Equal(t, 1, calls)
	require.Len(t, got, 3)
	require.NoError(t, got["one"].Err)
	require.NoError(t, got["two"].Err)
	require.NoError(t, got["three"].Err)
	assert.Equal(t, [][]any{{1}}, got["one"].Result.Rows())
	assert.Equal(t, [][]any{{2}}, got["two"].Result.Rows())
	assert.Equal(t, [][]any{{3}}, got["three"].Result.Rows())
}

func TestBatchReportsEveryOutcome(t *testing.T) {
	h := newHarness(t)
	boom := assert.AnError
	h.db.AddQuery("select 1", &fakedb.ExpectedResult{Rows: [][]any{{1}}})
	h.db.AddRejectedQuery("update t set n = 2", boom)
	h.db.AddQuery("select 3", &fakedb.ExpectedResult{Rows: [][]any{{3}}})
	cl := newTestClient(t, h, func(cfg *Config) {
		cfg.minSize.Set(3)
	})
	h.settle(t)

	var got map[string]Outcome
	calls := 0
	cl.Batch(map[string]Query{
		"first":  SQL("select 1"),
		"second": SQL("update t set n = 2"),
		"third":  SQL("select 3"),
	}, func(outcomes map[string]Outcome) {
		calls++
		got = outcomes
	})
	h.settle(t)

	require.Equal(t, 1, calls, "one failure must not complete the batch early")
	require.Len(t, got, 3)
	require.NoError(t, got["first"].Err)
	require.ErrorIs(t, got["second"].Err, boom)
	require.NoError(t, got["third"].Err)
	assert.Equal(t, 1, h.db.QueryCalls("select 3"), "failures do not stop the rest")
}

func TestBatchEmpty(t *testing.T) {
	h := newHarness(t)
	cl := newTestClient(t, h, nil)
	h.settle(t)

	var got map[string]Outcome
	calls := 0
	cl.Batch(nil, func(outcomes map[string]Outcome) {
		calls++
		got = outcomes
	})
	assert.Zero(t, calls)

	h.loop.Advance(0)
	require.Equal(t, 1, calls)
	require.NotNil(t, got)
	assert.Empty(t, got)
}
