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

package driver

import (
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "i/o timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsConnectivity(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"conn lost sentinel", ErrConnLost, true},
		{"wrapped conn lost", fmt.Errorf("issue: %w", ErrConnLost), true},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"econnreset", syscall.ECONNRESET, true},
		{"econnrefused", syscall.ECONNREFUSED, true},
		{"epipe in op error", &net.OpError{Op: "write", Err: syscall.EPIPE}, true},
		{"net timeout", fakeTimeoutErr{}, true},
		{"dial error", &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Name: "db", IsTimeout: true}}, true},
		{"pq connection failure", &pq.Error{Code: "08006"}, true},
		{"pq connection does not exist", &pq.Error{Code: "08003"}, true},
		{"pq admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"pq cannot connect now", &pq.Error{Code: "57P03"}, true},
		{"pq syntax error", &pq.Error{Code: "42601"}, false},
		{"pq unique violation", &pq.Error{Code: "23505"}, false},
		{"pgconn connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"pgconn crash shutdown", &pgconn.PgError{Code: "57P02"}, true},
		{"pgconn undefined table", &pgconn.PgError{Code: "42P01"}, false},
		{"wrapped pq error", fmt.Errorf("query: %w", &pq.Error{Code: "08001"}), true},
		{"operational sentinel", ErrOperational, false},
		{"plain error", fmt.Errorf("boom"), false},
		{"deadline-ish duration error", fmt.Errorf("took %v", time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectivity(tt.err))
		})
	}
}

func TestParseOpKind(t *testing.T) {
	for _, kind := range []OpKind{Execute, ExecuteMany, CallProcedure} {
		parsed, err := ParseOpKind(kind.String())
		assert.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseOpKind("truncate")
	assert.Error(t, err)
	_, err = ParseOpKind("")
	assert.Error(t, err)
}

func TestPollStatusString(t *testing.T) {
	assert.Equal(t, "ready", StatusReady.String())
	assert.Equal(t, "need-read", StatusNeedRead.String())
	assert.Equal(t, "need-write", StatusNeedWrite.String())
}
