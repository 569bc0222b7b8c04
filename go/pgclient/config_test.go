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
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgloop/pgloop/go/viperutil"
)

func TestConfigDefaults(t *testing.T) {
	reg := viperutil.NewRegistry()
	cfg := NewConfig(reg)

	dsn, err := cfg.DSN()
	require.NoError(t, err)
	assert.Empty(t, dsn)
	assert.Equal(t, 1, cfg.MinSize())
	assert.Equal(t, 10, cfg.MaxSize())
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectInterval())
	assert.Equal(t, 1, cfg.DispatchRetries())
	assert.Zero(t, cfg.CleanupInterval())
}

func TestConfigFlags(t *testing.T) {
	reg := viperutil.NewRegistry()
	cfg := NewConfig(reg)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--pool-dsn", "postgres://u:p@h:5432/db",
		"--pool-min-size", "3",
		"--pool-max-size", "20",
		"--pool-reconnect-interval", "100ms",
		"--pool-dispatch-retries", "2",
	}))

	dsn, err := cfg.DSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "dbname=db")
	assert.Contains(t, dsn, "user=u")
	assert.Contains(t, dsn, "host=h")
	assert.Equal(t, 3, cfg.MinSize())
	assert.Equal(t, 20, cfg.MaxSize())
	assert.Equal(t, 100*time.Millisecond, cfg.ReconnectInterval())
	assert.Equal(t, 2, cfg.DispatchRetries())
	assert.Zero(t, cfg.CleanupInterval(), "unset flags keep their defaults")
}

func TestConfigKeyValueDSNPassesThrough(t *testing.T) {
	reg := viperutil.NewRegistry()
	cfg := NewConfig(reg)
	cfg.dsn.Set("host=primary dbname=app sslmode=disable")

	dsn, err := cfg.DSN()
	require.NoError(t, err)
	assert.Equal(t, "host=primary dbname=app sslmode=disable", dsn)
}

func TestConfigFromFile(t *testing.T) {
	memfs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(memfs, "/etc/pgloop/pgloop.yaml", []byte(`
pool:
  dsn: "host=filehost dbname=filedb"
  min-size: 5
`), 0o644))

	reg := viperutil.NewRegistry()
	reg.SetFs(memfs)
	cfg := NewConfig(reg)
	vc := viperutil.NewViperConfig(reg)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	vc.RegisterFlags(fs)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config-path", "/etc/pgloop"}))

	cancel, err := vc.LoadConfig(reg)
	require.NoError(t, err)
	t.Cleanup(cancel)

	dsn, err := cfg.DSN()
	require.NoError(t, err)
	assert.Equal(t, "host=filehost dbname=filedb", dsn)
	assert.Equal(t, 5, cfg.MinSize())
	assert.Equal(t, 10, cfg.MaxSize(), "keys absent from the file keep their defaults")
}

func TestPoolConfigBackup(t *testing.T) {
	reg := viperutil.NewRegistry()
	cfg := NewConfig(reg)
	cfg.dsn.Set("fake://primary")
	cfg.backupDSN.Set("fake://backup")
	cfg.maxSize.Set(4)

	pcfg, err := cfg.poolConfig()
	require.NoError(t, err)
	assert.Equal(t, "primary", pcfg.Name)
	assert.Equal(t, "fake://primary", pcfg.DSN)

	require.NotNil(t, pcfg.Backup)
	assert.Equal(t, "backup", pcfg.Backup.Name)
	assert.Equal(t, "fake://backup", pcfg.Backup.DSN)
	assert.Zero(t, pcfg.Backup.MinSize, "backup connections open on demand only")
	assert.Equal(t, 4, pcfg.Backup.MaxSize)
}
