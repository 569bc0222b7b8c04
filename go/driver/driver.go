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

// Package driver defines the non-blocking database transport consumed by
// the pool. A Driver opens handles whose connect handshake and operations
// are driven by repeated polling: the handle reports whether it needs the
// socket readable or writable, and the caller polls again once the socket
// is ready. Implementations never block in Poll or Issue.
package driver

import (
	"errors"
	"fmt"
)

// ErrConnLost indicates the underlying connection is broken or was closed
// and must not be reused. Pools discard handles that fail with it.
var ErrConnLost = errors.New("connection lost")

// ErrOperational indicates the server or driver rejected an operation
// without invalidating the connection (bad statement, constraint
// violation, driver misuse).
var ErrOperational = errors.New("operational error")

// OpKind selects how a statement is issued on a handle.
type OpKind int

const (
	// Execute runs a single SQL statement.
	Execute OpKind = iota
	// ExecuteMany runs one SQL statement once per parameter set.
	ExecuteMany
	// CallProcedure invokes a stored procedure by name.
	CallProcedure
)

// String returns the wire name of the operation kind.
func (k OpKind) String() string {
	switch k {
	case Execute:
		return "execute"
	case ExecuteMany:
		return "executemany"
	case CallProcedure:
		return "callproc"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// ParseOpKind converts an operation kind name into an OpKind. The set of
// kinds is closed; anything but "execute", "executemany" and "callproc"
// is an error.
func ParseOpKind(s string) (OpKind, error) {
	switch s {
	case "execute":
		return Execute, nil
	case "executemany":
		return ExecuteMany, nil
	case "callproc":
		return CallProcedure, nil
	default:
		return 0, fmt.Errorf("unknown operation kind %q", s)
	}
}

// PollStatus is the progress report of a single Poll call. A failed poll
// is reported through Poll's error return, not through a status value, so
// callers always handle readiness and failure separately.
type PollStatus int

const (
	// StatusReady means the in-flight handshake or operation completed.
	StatusReady PollStatus = iota
	// StatusNeedRead means the handle needs the socket readable before
	// the next Poll can make progress.
	StatusNeedRead
	// StatusNeedWrite means the handle needs the socket writable before
	// the next Poll can make progress.
	StatusNeedWrite
)

func (s PollStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusNeedRead:
		return "need-read"
	case StatusNeedWrite:
		return "need-write"
	default:
		return fmt.Sprintf("PollStatus(%d)", int(s))
	}
}

// Result is the driver-produced outcome of one completed operation.
type Result interface {
	// Columns returns the column names of the result set, or nil for
	// statements that return no rows.
	Columns() []string

	// Rows returns all rows of the result set. Row slices are positional,
	// matching Columns.
	Rows() [][]any

	// RowsAffected returns the number of rows changed by the statement,
	// or -1 when the driver cannot tell.
	RowsAffected() int64
}

// ResultFactory reshapes a completed result before continuations see it.
// A nil factory leaves the driver's result untouched.
type ResultFactory func(Result) Result

// Statement describes one operation to issue on a handle.
type Statement struct {
	// Op selects how SQL is interpreted.
	Op OpKind

	// SQL is the statement text, or the procedure name when Op is
	// CallProcedure.
	SQL string

	// Params are the statement parameters. For ExecuteMany each entry is
	// itself one parameter set.
	Params []any

	// Factory optionally reshapes the completed result.
	Factory ResultFactory
}

// Driver opens non-blocking connections.
type Driver interface {
	// Open starts a connect handshake and returns immediately. The
	// returned handle is not usable until polling it yields StatusReady.
	// An error is returned only for failures detected synchronously, such
	// as an unparseable DSN or socket creation failure.
	Open(dsn string) (Handle, error)
}

// Handle is one non-blocking connection. Handles are not safe for
// concurrent use; the pool drives each handle from a single goroutine.
type Handle interface {
	// Poll advances the in-flight handshake or operation. It returns
	// StatusReady when complete, or the readiness the handle is waiting
	// for. A non-nil error means the handshake or operation failed; the
	// status is then meaningless.
	Poll() (PollStatus, error)

	// Fd returns the file descriptor readiness notifications apply to.
	// It is stable for the life of the handle.
	Fd() int

	// Issue starts stmt on an idle handle and returns immediately.
	// Completion is observed through Poll.
	Issue(stmt Statement) error

	// Result returns the outcome of the last operation. It is valid only
	// after Poll returned StatusReady for that operation.
	Result() Result

	// Busy reports whether a handshake or operation is in flight.
	Busy() bool

	// Close tears the connection down. It is idempotent.
	Close() error
}
