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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/semconv/v1.37.0/dbconv"
)

// Attribute keys from OTel semantic conventions:
// - semconv.DBClientConnectionPoolNameKey = "db.client.connection.pool.name"
// - semconv.DBClientConnectionStateKey = "db.client.connection.state"
const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeyState    = "db.client.connection.state"
)

// connMetrics tracks db.client.connection.count for one pool. The
// instrument is attributed by hand because dbconv.ClientConnectionCount
// drops the pool name and state attributes when no extra attributes are
// provided.
type connMetrics struct {
	counter  metric.Int64UpDownCounter
	poolName string
}

// newConnMetrics creates the connection count instrument using the
// standard metric name and description from OTel semconv.
func newConnMetrics(m metric.Meter, poolName string) (*connMetrics, error) {
	counter, err := m.Int64UpDownCounter(
		"db.client.connection.count",
		metric.WithDescription("The number of connections that are currently in state described by the state attribute."),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}
	return &connMetrics{counter: counter, poolName: poolName}, nil
}

func (cm *connMetrics) add(delta int64, state dbconv.ClientConnectionStateAttr) {
	if cm == nil || cm.counter == nil {
		return
	}
	cm.counter.Add(context.Background(), delta, metric.WithAttributes(
		attribute.String(attrKeyPoolName, cm.poolName),
		attribute.String(attrKeyState, string(state)),
	))
}

// noteTransition keeps the used/idle counts in step with a connection
// state change. Connecting and closed connections count toward neither
// state, matching the semconv definition.
func (cm *connMetrics) noteTransition(old, next State) {
	if cm == nil {
		return
	}
	switch old {
	case StateIdle:
		cm.add(-1, dbconv.ClientConnectionStateIdle)
	case StateBusy:
		cm.add(-1, dbconv.ClientConnectionStateUsed)
	}
	switch next {
	case StateIdle:
		cm.add(1, dbconv.ClientConnectionStateIdle)
	case StateBusy:
		cm.add(1, dbconv.ClientConnectionStateUsed)
	}
}
