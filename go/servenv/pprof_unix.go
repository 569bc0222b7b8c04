//go:build !windows

/*
Copyright 2023 The Vitess Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

Modifications Copyright 2025 Supabase, Inc.
*/

package servenv

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// StartProfiling interprets the --pprof flag values and begins profiling
// unless the waitSig option was given. SIGUSR1 toggles the profile on and
// off for as long as the process runs. The returned stop function flushes
// the active profile to disk; callers must run it before exiting.
func StartProfiling(pf []string) (stop func(), err error) {
	prof, err := parseProfileFlag(pf)
	if err != nil {
		return nil, fmt.Errorf("parsing pprof flags: %w", err)
	}
	if prof == nil {
		return func() {}, nil
	}

	start, stop := prof.init()

	if !prof.waitSig {
		if err := start(); err != nil {
			return nil, err
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1)

	go func() {
		for range sigChan {
			if isProfileStarted() {
				stop()
			} else {
				start()
			}
		}
	}()

	return stop, nil
}
