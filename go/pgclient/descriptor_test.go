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

	"github.com/pgloop/pgloop/go/driver"
)

func TestQueryConstructors(t *testing.T) {
	q := SQL("select * from users where id = $1", 7)
	assert.Equal(t, driver.Execute, q.Op)
	assert.Equal(t, "select * from users where id = $1", q.SQL)
	assert.Equal(t, []any{7}, q.Params)

	q = Proc("refresh_views")
	assert.Equal(t, driver.CallProcedure, q.Op)
	assert.Equal(t, "refresh_views", q.SQL)
	assert.Empty(t, q.Params)

	q = Many("insert into t (n) values ($1)", []any{1}, []any{2})
	assert.Equal(t, driver.ExecuteMany, q.Op)
	require.Len(t, q.Params, 2)
	assert.Equal(t, []any{1}, q.Params[0])
	assert.Equal(t, []any{2}, q.Params[1])
}

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name string
		desc any
		want Query
	}{
		{
			name: "bare string",
			desc: "select 1",
			want: Query{Op: driver.Execute, SQL: "select 1"},
		},
		{
			name: "query passthrough",
			desc: Query{Op: driver.CallProcedure, SQL: "audit", Params: []any{1}},
			want: Query{Op: driver.CallProcedure, SQL: "audit", Params: []any{1}},
		},
		{
			name: "tuple without kind",
			desc: []any{"select $1", []any{42}},
			want: Query{Op: driver.Execute, SQL: "select $1", Params: []any{42}},
		},
		{
			name: "tuple with kind",
			desc: []any{"callproc", "refresh_views", []any{"eu"}},
			want: Query{Op: driver.CallProcedure, SQL: "refresh_views", Params: []any{"eu"}},
		},
		{
			name: "executemany tuple",
			desc: []any{"executemany", "insert into t (n) values ($1)", []any{[]any{1}, []any{2}}},
			want: Query{Op: driver.ExecuteMany, SQL: "insert into t (n) values ($1)", Params: []any{[]any{1}, []any{2}}},
		},
		{
			name: "lone string tuple is the statement",
			desc: []any{"execute"},
			want: Query{Op: driver.Execute, SQL: "execute"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseQuery(tt.desc)
			require.NoError(t, err)
			assert.Equal(t, tt.want.Op, got.Op)
			assert.Equal(t, tt.want.SQL, got.SQL)
			assert.Equal(t, tt.want.Params, got.Params)
		})
	}
}

func TestParseQueryFactory(t *testing.T) {
	identity := func(res driver.Result) driver.Result { return res }

	got, err := ParseQuery([]any{"execute", "select 1", []any{}, identity})
	require.NoError(t, err)
	assert.NotNil(t, got.Factory)

	got, err = ParseQuery([]any{"select 1", []any{}, driver.ResultFactory(identity)})
	require.NoError(t, err)
	assert.NotNil(t, got.Factory)
}

func TestParseQueryMalformed(t *testing.T) {
	tests := []struct {
		name string
		desc any
	}{
		{"unsupported descriptor type", 42},
		{"empty tuple", []any{}},
		{"statement not a string", []any{42}},
		{"params not a slice", []any{"select 1", "oops"}},
		{"unknown kind becomes statement, params mismatch", []any{"frobnicate", "select 1"}},
		{"factory wrong type", []any{"select 1", []any{}, "not a factory"}},
		{"trailing elements", []any{"select 1", []any{}, driver.ResultFactory(nil), "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseQuery(tt.desc)
			require.Error(t, err)
		})
	}
}
