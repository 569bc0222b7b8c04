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
	"errors"
	"fmt"

	"github.com/pgloop/pgloop/go/driver"
)

// Query describes one statement for the client to run. Build queries with
// the SQL, Many and Proc constructors, or parse dynamic descriptors with
// ParseQuery.
type Query struct {
	// Op selects how SQL is interpreted.
	Op driver.OpKind

	// SQL is the statement text, or the procedure name for CallProcedure.
	SQL string

	// Params are the statement parameters. For ExecuteMany each entry is
	// one parameter set.
	Params []any

	// Factory optionally reshapes the completed result before the
	// continuation sees it.
	Factory driver.ResultFactory
}

// Outcome is one query's completed result or error.
type Outcome struct {
	Result driver.Result
	Err    error
}

// SQL builds an Execute query.
func SQL(sql string, params ...any) Query {
	return Query{Op: driver.Execute, SQL: sql, Params: params}
}

// Many builds an ExecuteMany query that runs sql once per parameter set.
func Many(sql string, paramSets ...[]any) Query {
	params := make([]any, len(paramSets))
	for i, set := range paramSets {
		params[i] = set
	}
	return Query{Op: driver.ExecuteMany, SQL: sql, Params: params}
}

// Proc builds a CallProcedure query.
func Proc(name string, params ...any) Query {
	return Query{Op: driver.CallProcedure, SQL: name, Params: params}
}

func (q Query) statement() driver.Statement {
	return driver.Statement{Op: q.Op, SQL: q.SQL, Params: q.Params, Factory: q.Factory}
}

// ParseQuery converts a dynamic query descriptor into a Query. It accepts
// a Query (returned unchanged), a bare SQL string, or an ordered []any
// tuple of the form
//
//	[opKind?, sqlOrProcName, params?, resultFactory?]
//
// where opKind is one of the driver.OpKind wire names ("execute",
// "executemany", "callproc"). The leading kind is consumed only when
// another element follows to serve as the statement text; a lone string
// is always the statement. Malformed descriptors are errors.
func ParseQuery(desc any) (Query, error) {
	switch d := desc.(type) {
	case Query:
		return d, nil
	case string:
		return SQL(d), nil
	case []any:
		return parseTuple(d)
	default:
		return Query{}, fmt.Errorf("query descriptor must be a Query, a string or a []any tuple, got %T", desc)
	}
}

func parseTuple(parts []any) (Query, error) {
	if len(parts) == 0 {
		return Query{}, errors.New("empty query descriptor")
	}
	q := Query{Op: driver.Execute}
	if s, ok := parts[0].(string); ok && len(parts) > 1 {
		if op, err := driver.ParseOpKind(s); err == nil {
			q.Op = op
			parts = parts[1:]
		}
	}

	sql, ok := parts[0].(string)
	if !ok {
		return Query{}, fmt.Errorf("query descriptor: statement must be a string, got %T", parts[0])
	}
	q.SQL = sql
	parts = parts[1:]

	if len(parts) > 0 {
		params, ok := parts[0].([]any)
		if !ok {
			return Query{}, fmt.Errorf("query descriptor: params must be []any, got %T", parts[0])
		}
		q.Params = params
		parts = parts[1:]
	}

	if len(parts) > 0 {
		switch f := parts[0].(type) {
		case driver.ResultFactory:
			q.Factory = f
		case func(driver.Result) driver.Result:
			q.Factory = f
		default:
			return Query{}, fmt.Errorf("query descriptor: result factory must be a driver.ResultFactory, got %T", parts[0])
		}
		parts = parts[1:]
	}

	if len(parts) > 0 {
		return Query{}, fmt.Errorf("query descriptor: %d unexpected trailing elements", len(parts))
	}
	return q, nil
}
