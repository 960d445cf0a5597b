//go:build !windows

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asheshgoplani/conductor/internal/logging"
)

// handleDumpSignal writes the log ring buffer to dir on SIGUSR1 for
// post-mortem debugging. The returned func stops listening.
func handleDumpSignal(dir string) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		for range ch {
			path := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(path); err != nil {
				cliLog.Error("crash_dump_failed", slog.String("error", err.Error()))
				continue
			}
			cliLog.Info("crash_dump_written", slog.String("path", path))
		}
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
	}
}
