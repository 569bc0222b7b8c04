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

package asyncpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/pgloop/pgloop/go/driver"
	"github.com/pgloop/pgloop/go/fakedb"
	"github.com/pgloop/pgloop/go/tools/telemetry"
)

// getConnectionCountMetric extracts the db.client.connection.count metric data.
func getConnectionCountMetric(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.Sum[int64] {
	t.Helper()

	var metricData metricdata.ResourceMetrics
	err := reader.Collect(t.Context(), &metricData)
	require.NoError(t, err)

	for _, scopeMetric := range metricData.ScopeMetrics {
		for _, m := range scopeMetric.Metrics {
			if m.Name == "db.client.connection.count" {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok, "expected Sum[int64] data type for db.client.connection.count")
				return &sum
			}
		}
	}
	return nil
}

// getStateCount extracts the count for a specific pool name and state from the metric data.
func getStateCount(sum *metricdata.Sum[int64], poolName, state string) int64 {
	if sum == nil {
		return 0
	}
	for _, dp := range sum.DataPoints {
		var dpPoolName, dpState string
		for _, attr := range dp.Attributes.ToSlice() {
			if string(attr.Key) == attrKeyPoolName {
				dpPoolName = attr.Value.AsString()
			}
			if string(attr.Key) == attrKeyState {
				dpState = attr.Value.AsString()
			}
		}
		if dpPoolName == poolName && dpState == state {
			return dp.Value
		}
	}
	return 0
}

func TestOTelConnectionCount_IssueAndComplete(t *testing.T) {
	setup := telemetry.SetupTestTelemetry(t)

	err := setup.Telemetry.InitTelemetry(t.Context(), "test-service")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = setup.Telemetry.ShutdownTelemetry(context.Background())
	})

	h := newHarness(t)
	h.db.AddQuery("select 1", &fakedb.ExpectedResult{})
	p := newTestPool(t, h, Config{
		Name:    "test-pool",
		MinSize: 1,
		Meter:   setup.Telemetry.GetMeterProvider().Meter("test"),
	})

	// Establishing connections count toward neither state.
	sum := getConnectionCountMetric(t, setup.MetricReader)
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "used"))
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "idle"))

	h.settle(t)
	sum = getConnectionCountMetric(t, setup.MetricReader)
	require.NotNil(t, sum, "should have metrics once the handshake completes")
	assert.Equal(t, int64(1), getStateCount(sum, "test-pool", "idle"), "idle should be 1 after the handshake")
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "used"))

	// Acquiring alone does not mark the connection used; an issued
	// statement does.
	c := acquireIdle(t, h, p)
	sum = getConnectionCountMetric(t, setup.MetricReader)
	assert.Equal(t, int64(1), getStateCount(sum, "test-pool", "idle"), "idle should still be 1 after Acquire")

	op := &resultRecorder{}
	require.NoError(t, c.Issue(driver.Statement{Op: driver.Execute, SQL: "select 1"}, op.fn()))
	sum = getConnectionCountMetric(t, setup.MetricReader)
	assert.Equal(t, int64(1), getStateCount(sum, "test-pool", "used"), "used should be 1 while the statement is in flight")
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "idle"))

	require.True(t, h.loop.FireReadable(c.Fd()))
	require.Equal(t, 1, op.calls)
	sum = getConnectionCountMetric(t, setup.MetricReader)
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "used"), "used should be 0 after completion")
	assert.Equal(t, int64(1), getStateCount(sum, "test-pool", "idle"), "idle should be 1 after completion")

	p.Close()
	sum = getConnectionCountMetric(t, setup.MetricReader)
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "used"), "used should be 0 after Close")
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "idle"), "idle should be 0 after Close")
}

func TestOTelConnectionCount_MultipleStatements(t *testing.T) {
	setup := telemetry.SetupTestTelemetry(t)

	err := setup.Telemetry.InitTelemetry(t.Context(), "test-service")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = setup.Telemetry.ShutdownTelemetry(context.Background())
	})

	h := newHarness(t)
	h.db.AddQuery("select 1", &fakedb.ExpectedResult{})
	p := newTestPool(t, h, Config{
		Name:    "multi-pool",
		MinSize: 3,
		Meter:   setup.Telemetry.GetMeterProvider().Meter("test"),
	})
	h.settle(t)

	conns := make([]*PooledConn, 3)
	for i := range conns {
		conns[i] = acquireIdle(t, h, p)
		require.NoError(t, p.Reserve(conns[i]))
	}
	for _, c := range conns {
		require.NoError(t, c.Issue(driver.Statement{Op: driver.Execute, SQL: "select 1"}, (&resultRecorder{}).fn()))
	}

	sum := getConnectionCountMetric(t, setup.MetricReader)
	assert.Equal(t, int64(3), getStateCount(sum, "multi-pool", "used"), "used should be 3 with 3 statements in flight")
	assert.Equal(t, int64(0), getStateCount(sum, "multi-pool", "idle"))

	require.True(t, h.loop.FireReadable(conns[0].Fd()))
	require.True(t, h.loop.FireReadable(conns[1].Fd()))
	sum = getConnectionCountMetric(t, setup.MetricReader)
	assert.Equal(t, int64(1), getStateCount(sum, "multi-pool", "used"), "used should be 1 after 2 completions")
	assert.Equal(t, int64(2), getStateCount(sum, "multi-pool", "idle"))

	require.True(t, h.loop.FireReadable(conns[2].Fd()))
	sum = getConnectionCountMetric(t, setup.MetricReader)
	assert.Equal(t, int64(0), getStateCount(sum, "multi-pool", "used"))
	assert.Equal(t, int64(3), getStateCount(sum, "multi-pool", "idle"))
}

func TestOTelConnectionCount_LostConnection(t *testing.T) {
	setup := telemetry.SetupTestTelemetry(t)

	err := setup.Telemetry.InitTelemetry(t.Context(), "test-service")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = setup.Telemetry.ShutdownTelemetry(context.Background())
	})

	h := newHarness(t)
	h.db.AddQuery("select 1", &fakedb.ExpectedResult{})
	p := newTestPool(t, h, Config{
		Name:    "lost-pool",
		MinSize: 1,
		Meter:   setup.Telemetry.GetMeterProvider().Meter("test"),
	})
	h.settle(t)

	c := acquireIdle(t, h, p)
	require.NoError(t, c.Issue(driver.Statement{Op: driver.Execute, SQL: "select 1"}, (&resultRecorder{}).fn()))

	sum := getConnectionCountMetric(t, setup.MetricReader)
	assert.Equal(t, int64(1), getStateCount(sum, "lost-pool", "used"))

	// The server drops the connection mid-statement.
	require.True(t, h.db.KillConn(c.Fd()))
	require.True(t, h.loop.FireReadable(c.Fd()))
	require.Equal(t, StateClosed, c.State())

	sum = getConnectionCountMetric(t, setup.MetricReader)
	assert.Equal(t, int64(0), getStateCount(sum, "lost-pool", "used"), "a lost connection leaves the used count")
	assert.Equal(t, int64(0), getStateCount(sum, "lost-pool", "idle"))
}