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

package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgloop/pgloop/go/pgclient"
	"github.com/pgloop/pgloop/go/servenv"
	"github.com/pgloop/pgloop/go/tools/telemetry"
	"github.com/pgloop/pgloop/go/viperutil"
)

const serviceName = "pgloopbench"

// BenchCommand holds the configuration shared by all pgloopbench commands.
type BenchCommand struct {
	reg            *viperutil.Registry
	duration       viperutil.Value[time.Duration]
	concurrency    viperutil.Value[int]
	batchSize      viperutil.Value[int]
	workload       viperutil.Value[string]
	latency        viperutil.Value[time.Duration]
	reportInterval viperutil.Value[time.Duration]
	pprof          viperutil.Value[[]string]
	pool           *pgclient.Config
	vc             *viperutil.ViperConfig
	lg             *servenv.Logger
	telemetry      *telemetry.Telemetry
}

// GetRootCommand creates and returns the root command for pgloopbench with
// all subcommands.
func GetRootCommand() (*cobra.Command, *BenchCommand) {
	telemetry := telemetry.NewTelemetry()
	reg := viperutil.NewRegistry()
	bc := &BenchCommand{
		reg: reg,
		duration: viperutil.Configure(reg, "bench.duration", viperutil.Options[time.Duration]{
			Default:  10 * time.Second,
			FlagName: "duration",
			Dynamic:  false,
		}),
		concurrency: viperutil.Configure(reg, "bench.concurrency", viperutil.Options[int]{
			Default:  8,
			FlagName: "concurrency",
			Dynamic:  false,
		}),
		batchSize: viperutil.Configure(reg, "bench.batch-size", viperutil.Options[int]{
			Default:  5,
			FlagName: "batch-size",
			Dynamic:  false,
		}),
		workload: viperutil.Configure(reg, "bench.workload", viperutil.Options[string]{
			Default:  "mixed",
			FlagName: "workload",
			Dynamic:  false,
		}),
		latency: viperutil.Configure(reg, "bench.latency", viperutil.Options[time.Duration]{
			Default:  time.Millisecond,
			FlagName: "latency",
			Dynamic:  false,
		}),
		reportInterval: viperutil.Configure(reg, "bench.report-interval", viperutil.Options[time.Duration]{
			Default:  2 * time.Second,
			FlagName: "report-interval",
			Dynamic:  false,
		}),
		pprof: viperutil.Configure(reg, "pprof", viperutil.Options[[]string]{
			Default:  nil,
			FlagName: "pprof",
			Dynamic:  false,
		}),
		pool:      pgclient.NewConfig(reg),
		vc:        viperutil.NewViperConfig(reg),
		lg:        servenv.NewLogger(reg, telemetry),
		telemetry: telemetry,
	}

	var span trace.Span

	root := &cobra.Command{
		Use:   serviceName,
		Short: "Workload driver for the pgloop connection pool",
		Long: `pgloopbench drives query workloads through the pgloop connection pool.

Statements run against a built-in fake PostgreSQL server that answers over
real file descriptors with a configurable round-trip latency, so the pool,
the dispatcher, and the event loop are exercised exactly as they would be
against a live server. Workloads mix single statements, parallel batches,
sequential chains, and reserved-connection transactions.`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Silence usage for application errors, but allow it for flag
			// errors. This gets called after flag parsing, so flag errors
			// will still show usage.
			cmd.SilenceUsage = true

			if _, err := bc.vc.LoadConfig(bc.reg); err != nil {
				return err
			}
			bc.lg.SetupLogging()

			var err error
			if span, err = bc.telemetry.InitForCommand(cmd, serviceName, true /* startSpan */); err != nil {
				return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
			}

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			span.End()

			// Shutdown OpenTelemetry to flush all pending spans and metrics.
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := bc.telemetry.ShutdownTelemetry(ctx); err != nil {
				return fmt.Errorf("failed to shutdown OpenTelemetry: %w", err)
			}
			return nil
		},
	}

	root.PersistentFlags().Duration("duration", bc.duration.Default(), "How long to run the workload")
	root.PersistentFlags().IntP("concurrency", "c", bc.concurrency.Default(), "Operations kept in flight at once")
	root.PersistentFlags().Int("batch-size", bc.batchSize.Default(), "Statements per batch, chain, or transaction")
	root.PersistentFlags().StringP("workload", "w", bc.workload.Default(), "Workload mix: execute, batch, chain, transaction, or mixed")
	root.PersistentFlags().Duration("latency", bc.latency.Default(), "Simulated server round-trip latency")
	root.PersistentFlags().Duration("report-interval", bc.reportInterval.Default(), "How often to log progress (0 disables progress reports)")
	root.PersistentFlags().StringSlice("pprof", bc.pprof.Default(), "Enable profiling: cpu, mem, mutex, block, trace, threads, or goroutine")
	bc.pool.RegisterFlags(root.PersistentFlags())
	bc.vc.RegisterFlags(root.PersistentFlags())
	bc.lg.RegisterFlags(root.PersistentFlags())

	viperutil.BindFlags(root.PersistentFlags(),
		bc.duration,
		bc.concurrency,
		bc.batchSize,
		bc.workload,
		bc.latency,
		bc.reportInterval,
		bc.pprof,
	)

	// Add all subcommands
	AddRunCommand(root, bc)

	return root, bc
}

// GetLogger returns the configured logger instance.
func (bc *BenchCommand) GetLogger() *slog.Logger {
	return bc.lg.GetLogger()
}
