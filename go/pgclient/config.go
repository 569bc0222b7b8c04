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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/metric"

	"github.com/pgloop/pgloop/go/driver"
	"github.com/pgloop/pgloop/go/pools/asyncpool"
	"github.com/pgloop/pgloop/go/reactor"
	"github.com/pgloop/pgloop/go/viperutil"
)

// Config holds viper-backed configuration values for the client plus the
// runtime dependencies that are not file or flag material. Create with
// NewConfig, register flags with RegisterFlags, fill in Driver and
// Reactor, then build the client with New once flags are parsed.
type Config struct {
	dsn               viperutil.Value[string]
	backupDSN         viperutil.Value[string]
	minSize           viperutil.Value[int]
	maxSize           viperutil.Value[int]
	reconnectInterval viperutil.Value[time.Duration]
	dispatchRetries   viperutil.Value[int]
	cleanupInterval   viperutil.Value[time.Duration]

	// Runtime dependencies, set directly.
	Driver  driver.Driver
	Reactor reactor.Reactor

	// Logger defaults to slog.Default; Meter to the global meter provider.
	Logger *slog.Logger
	Meter  metric.Meter
}

// NewConfig creates a Config with all pool settings registered on reg.
func NewConfig(reg *viperutil.Registry) *Config {
	return &Config{
		dsn: viperutil.Configure(reg, "pool.dsn", viperutil.Options[string]{
			Default:  "",
			FlagName: "pool-dsn",
			EnvVars:  []string{"PGLOOP_POOL_DSN"},
		}),
		backupDSN: viperutil.Configure(reg, "pool.backup-dsn", viperutil.Options[string]{
			Default:  "",
			FlagName: "pool-backup-dsn",
			EnvVars:  []string{"PGLOOP_POOL_BACKUP_DSN"},
		}),
		minSize: viperutil.Configure(reg, "pool.min-size", viperutil.Options[int]{
			Default:  1,
			FlagName: "pool-min-size",
		}),
		maxSize: viperutil.Configure(reg, "pool.max-size", viperutil.Options[int]{
			Default:  10,
			FlagName: "pool-max-size",
		}),
		reconnectInterval: viperutil.Configure(reg, "pool.reconnect-interval", viperutil.Options[time.Duration]{
			Default:  250 * time.Millisecond,
			FlagName: "pool-reconnect-interval",
		}),
		dispatchRetries: viperutil.Configure(reg, "pool.dispatch-retries", viperutil.Options[int]{
			Default:  1,
			FlagName: "pool-dispatch-retries",
		}),
		cleanupInterval: viperutil.Configure(reg, "pool.cleanup-interval", viperutil.Options[time.Duration]{
			Default:  0,
			FlagName: "pool-cleanup-interval",
		}),
	}
}

// RegisterFlags registers all pool flags with the given FlagSet.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("pool-dsn", c.dsn.Default(), "Primary connection string, key=value or postgres:// URL (can also be set via PGLOOP_POOL_DSN env var)")
	fs.String("pool-backup-dsn", c.backupDSN.Default(), "Backup connection string served when a primary connect fails (can also be set via PGLOOP_POOL_BACKUP_DSN env var)")
	fs.Int("pool-min-size", c.minSize.Default(), "Connection floor, created eagerly and never culled")
	fs.Int("pool-max-size", c.maxSize.Default(), "Connection cap, 0 for unlimited")
	fs.Duration("pool-reconnect-interval", c.reconnectInterval.Default(), "Minimum spacing between connection creations above the floor")
	fs.Int("pool-dispatch-retries", c.dispatchRetries.Default(), "How many times a dispatch re-acquires after losing a connection at issue time, -1 to disable")
	fs.Duration("pool-cleanup-interval", c.cleanupInterval.Default(), "How often idle connections above the floor are closed, 0 to disable")

	viperutil.BindFlags(fs,
		c.dsn,
		c.backupDSN,
		c.minSize,
		c.maxSize,
		c.reconnectInterval,
		c.dispatchRetries,
		c.cleanupInterval,
	)
}

// --- Getters for individual values ---

// DSN returns the primary connection string, normalized to key=value form.
func (c *Config) DSN() (string, error) {
	return normalizeDSN(c.dsn.Get())
}

// BackupDSN returns the backup connection string, normalized to key=value
// form. Empty means no backup pool.
func (c *Config) BackupDSN() (string, error) {
	return normalizeDSN(c.backupDSN.Get())
}

// MinSize returns the configured connection floor.
func (c *Config) MinSize() int {
	return c.minSize.Get()
}

// MaxSize returns the configured connection cap.
func (c *Config) MaxSize() int {
	return c.maxSize.Get()
}

// ReconnectInterval returns the configured creation throttle interval.
func (c *Config) ReconnectInterval() time.Duration {
	return c.reconnectInterval.Get()
}

// DispatchRetries returns the configured dispatch retry budget.
func (c *Config) DispatchRetries() int {
	return c.dispatchRetries.Get()
}

// CleanupInterval returns the configured idle cleanup interval.
func (c *Config) CleanupInterval() time.Duration {
	return c.cleanupInterval.Get()
}

// poolConfig assembles the pool configuration from the current values. A
// configured backup DSN becomes a backup pool with no floor of its own:
// backup connections open on demand, under the same cap and throttle.
func (c *Config) poolConfig() (asyncpool.Config, error) {
	dsn, err := c.DSN()
	if err != nil {
		return asyncpool.Config{}, fmt.Errorf("pool-dsn: %w", err)
	}
	pcfg := asyncpool.Config{
		Name:              "primary",
		DSN:               dsn,
		MinSize:           c.MinSize(),
		MaxSize:           c.MaxSize(),
		ReconnectInterval: c.ReconnectInterval(),
		DispatchRetries:   c.DispatchRetries(),
		CleanupInterval:   c.CleanupInterval(),
		Driver:            c.Driver,
		Reactor:           c.Reactor,
		Logger:            c.Logger,
		Meter:             c.Meter,
	}
	backup, err := c.BackupDSN()
	if err != nil {
		return asyncpool.Config{}, fmt.Errorf("pool-backup-dsn: %w", err)
	}
	if backup != "" {
		pcfg.Backup = &asyncpool.Config{
			Name:              "backup",
			DSN:               backup,
			MaxSize:           c.MaxSize(),
			ReconnectInterval: c.ReconnectInterval(),
			DispatchRetries:   c.DispatchRetries(),
			CleanupInterval:   c.CleanupInterval(),
		}
	}
	return pcfg, nil
}

// normalizeDSN converts postgres:// URLs into the key=value form drivers
// take, leaving key=value strings untouched.
func normalizeDSN(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return pq.ParseURL(dsn)
	}
	return dsn, nil
}
