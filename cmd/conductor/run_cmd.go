package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/asheshgoplani/conductor/internal/config"
	"github.com/asheshgoplani/conductor/internal/daemon"
	"github.com/asheshgoplani/conductor/internal/logging"
)

var cliLog = logging.ForComponent(logging.CompDaemon)

// cmdRun starts the supervisor in the foreground until SIGINT or SIGTERM.
func cmdRun(env *cliEnv, args []string) error {
	fs := newFlagSet("run", "run [--debug]", env.out)
	debug := fs.Bool("debug", false, "Log at debug level")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}

	cfg := env.cfg
	if *debug {
		cfg.Logging.Level = "debug"
	}
	initLogging(cfg)
	defer logging.Shutdown()

	stopDump := handleDumpSignal(cfg.Home)
	defer stopDump()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(ctx, cfg, daemon.Options{ConfigPath: env.configPath})
	if err != nil {
		return err
	}
	defer d.Close()

	env.printf("conductor v%s supervising (home %s)\n", Version, cfg.Home)
	if cfg.Web.Enabled {
		env.printf("web surface on http://%s\n", cfg.Web.Listen)
	}
	cliLog.Info("cli_run", slog.String("version", Version), slog.String("config", env.configPath))

	err = d.Run(ctx)
	if errors.Is(err, daemon.ErrNotPrimary) {
		return fmt.Errorf("%w (stop it first, or wait for its heartbeat to lapse)", err)
	}
	return err
}

// initLogging maps the [logging] section onto the rotating file logger.
func initLogging(cfg *config.Config) {
	logging.Init(logging.Config{
		LogDir:                cfg.LogDir(),
		Level:                 cfg.Logging.Level,
		Format:                cfg.Logging.Format,
		MaxSizeMB:             cfg.Logging.MaxSizeMB,
		MaxBackups:            cfg.Logging.MaxBackups,
		MaxAgeDays:            cfg.Logging.MaxAgeDays,
		Compress:              true,
		RingBufferSize:        10 * 1024 * 1024,
		AggregateIntervalSecs: 30,
	})
}
