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
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgloop/pgloop/go/driver"
	"github.com/pgloop/pgloop/go/fakedb"
	"github.com/pgloop/pgloop/go/pgclient"
	"github.com/pgloop/pgloop/go/reactor/runloop"
	"github.com/pgloop/pgloop/go/servenv"
)

// AddRunCommand adds the run subcommand to the root command
func AddRunCommand(root *cobra.Command, bc *BenchCommand) {
	runCmd := &BenchRunCmd{benchCmd: bc}
	root.AddCommand(runCmd.createCommand())
}

// BenchRunCmd holds the run command configuration
type BenchRunCmd struct {
	benchCmd *BenchCommand
}

func (r *BenchRunCmd) createCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured workload",
		Long: `Run the configured workload against the built-in fake server.

Examples:
  # Ten seconds of the mixed workload with 16 operations in flight
  pgloopbench run --duration 10s -c 16

  # Transactions only, against a pool capped at 4 connections
  pgloopbench run -w transaction --pool-max-size 4

  # Profile the event loop under a chain-heavy workload
  pgloopbench run -w chain --pprof cpu`,
		Args: cobra.NoArgs,
		RunE: r.runBench,
	}

	return cmd
}

// benchStats accumulates workload counters. The loop goroutine owns it; a
// final report is printed after the loop has stopped.
type benchStats struct {
	started   int
	completed int
	failed    int
	totalLat  time.Duration
	maxLat    time.Duration
}

func (s *benchStats) note(start time.Time, failed bool) {
	s.completed++
	if failed {
		s.failed++
	}
	lat := time.Since(start)
	s.totalLat += lat
	if lat > s.maxLat {
		s.maxLat = lat
	}
}

func (r *BenchRunCmd) runBench(cmd *cobra.Command, args []string) error {
	bc := r.benchCmd
	logger := bc.GetLogger()

	if pf := bc.pprof.Get(); len(pf) > 0 {
		stop, err := servenv.StartProfiling(pf)
		if err != nil {
			return err
		}
		defer stop()
	}

	db := fakedb.New()
	db.EnablePipes(bc.latency.Get())
	defer db.Close()
	registerBenchQueries(db)

	loop, err := runloop.New(logger)
	if err != nil {
		return err
	}
	defer loop.Close()

	bc.pool.Driver = db.Driver()
	bc.pool.Reactor = loop
	bc.pool.Logger = logger
	bc.pool.Meter = bc.telemetry.GetMeterProvider().Meter(serviceName)
	client, err := pgclient.New(bc.pool)
	if err != nil {
		return err
	}

	if err := client.Pool().WaitReady(10 * time.Second); err != nil {
		client.Close()
		return fmt.Errorf("pool warm-up: %w", err)
	}

	duration := bc.duration.Get()
	concurrency := bc.concurrency.Get()
	if concurrency < 1 {
		concurrency = 1
	}
	workload := bc.workload.Get()
	stats := &benchStats{}
	deadline := time.Now().Add(duration)

	w := &worker{
		bc:       bc,
		client:   client,
		stats:    stats,
		workload: workload,
		deadline: deadline,
	}
	for i := 0; i < concurrency; i++ {
		loop.ScheduleAfter(0, w.next)
	}

	// The workers stop launching at the deadline; the grace timer bounds
	// how long we wait for stragglers before tearing the loop down.
	loop.ScheduleAfter(duration, func() {
		var poll func()
		poll = func() {
			if w.inflight == 0 || time.Since(deadline) > 5*time.Second {
				client.Close()
				loop.Stop()
				return
			}
			loop.ScheduleAfter(10*time.Millisecond, poll)
		}
		poll()
	})

	if ri := bc.reportInterval.Get(); ri > 0 {
		var report func()
		report = func() {
			s := client.Pool().Stats()
			logger.Info("progress",
				slog.Int("completed", stats.completed),
				slog.Int("failed", stats.failed),
				slog.Int("open", s.Open),
				slog.Int("busy", s.Busy),
				slog.Uint64("creations", s.Creations),
				slog.Uint64("exhaustions", s.Exhaustions),
			)
			if time.Now().Before(deadline) {
				loop.ScheduleAfter(ri, report)
			}
		}
		loop.ScheduleAfter(ri, report)
	}

	logger.Info("workload starting",
		slog.String("workload", workload),
		slog.Duration("duration", duration),
		slog.Int("concurrency", concurrency),
	)
	if err := loop.Run(); err != nil {
		return err
	}

	printSummary(client, stats, duration)
	return nil
}

// worker keeps one slot of the concurrency budget busy, launching the
// next operation from each completion until the deadline passes.
type worker struct {
	bc       *BenchCommand
	client   *pgclient.Client
	stats    *benchStats
	workload string
	deadline time.Time
	inflight int
	turn     int
}

func (w *worker) next() {
	if time.Now().After(w.deadline) {
		return
	}
	kind := w.workload
	if kind == "mixed" {
		kind = []string{"execute", "batch", "chain", "transaction"}[w.turn%4]
		w.turn++
	}

	w.stats.started++
	w.inflight++
	start := time.Now()
	done := func(failed bool) {
		w.inflight--
		w.stats.note(start, failed)
		w.next()
	}

	n := w.bc.batchSize.Get()
	switch kind {
	case "batch":
		queries := make(map[string]pgclient.Query, n)
		for i := 0; i < n; i++ {
			queries[fmt.Sprintf("q%d", i)] = pgclient.SQL("SELECT id, payload FROM bench_items WHERE id = $1", i)
		}
		w.client.Batch(queries, func(outcomes map[string]pgclient.Outcome) {
			done(anyFailed(outcomes))
		})
	case "chain":
		queries := make([]pgclient.Query, 0, n)
		for i := 0; i < n; i++ {
			queries = append(queries, pgclient.SQL("SELECT count(*) FROM bench_items"))
		}
		w.client.Chain(queries, func(outcomes []pgclient.Outcome) {
			failed := false
			for _, o := range outcomes {
				failed = failed || o.Err != nil
			}
			done(failed)
		})
	case "transaction":
		queries := make([]pgclient.Query, 0, n+2)
		queries = append(queries, pgclient.SQL("BEGIN"))
		for i := 0; i < n; i++ {
			queries = append(queries, pgclient.SQL("INSERT INTO bench_items (payload) VALUES ($1)", i))
		}
		queries = append(queries, pgclient.SQL("COMMIT"))
		w.client.Transaction(queries, func(_ []pgclient.Outcome, err error) {
			done(err != nil)
		})
	default:
		w.client.Execute(pgclient.SQL("SELECT id, payload FROM bench_items WHERE id = $1", w.turn), func(_ driver.Result, err error) {
			done(err != nil)
		})
	}
}

func anyFailed(outcomes map[string]pgclient.Outcome) bool {
	for _, o := range outcomes {
		if o.Err != nil {
			return true
		}
	}
	return false
}

func registerBenchQueries(db *fakedb.DB) {
	db.AddQueryPattern(`select id, payload from bench_items.*`, &fakedb.ExpectedResult{
		Columns: []string{"id", "payload"},
		Rows:    [][]any{{int64(1), "payload"}},
	})
	db.AddQuery("SELECT count(*) FROM bench_items", &fakedb.ExpectedResult{
		Columns: []string{"count"},
		Rows:    [][]any{{int64(42)}},
	})
	db.AddQueryPattern(`insert into bench_items.*`, &fakedb.ExpectedResult{RowsAffected: 1})
	db.AddQuery("BEGIN", &fakedb.ExpectedResult{})
	db.AddQuery("COMMIT", &fakedb.ExpectedResult{})
}

func printSummary(client *pgclient.Client, stats *benchStats, duration time.Duration) {
	var avg time.Duration
	if stats.completed > 0 {
		avg = stats.totalLat / time.Duration(stats.completed)
	}
	s := client.Pool().Stats()
	fmt.Printf("completed %d operations in %v (%d failed)\n", stats.completed, duration, stats.failed)
	fmt.Printf("throughput: %.1f ops/s, latency avg %v max %v\n",
		float64(stats.completed)/duration.Seconds(), avg, stats.maxLat)
	fmt.Printf("pool: %d connections created, %d discarded, %d acquire failures\n",
		s.Creations, s.Discarded, s.Exhaustions)
}
