package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/asheshgoplani/conductor/internal/config"
	"github.com/asheshgoplani/conductor/internal/notify"
)

// cmdConfig handles "config init" and "config path".
func cmdConfig(env *cliEnv, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: conductor config init [--force] | config path")
	}
	switch args[0] {
	case "path":
		env.printf("%s\n", env.configPath)
		return nil
	case "init":
		fs := newFlagSet("config init", "config init [--force]", env.out)
		force := fs.Bool("force", false, "Overwrite an existing file")
		if err := fs.Parse(normalizeArgs(fs, args[1:])); err != nil {
			return err
		}
		if _, err := os.Stat(env.configPath); err == nil && !*force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", env.configPath)
		}
		if err := config.Save(env.configPath, config.Default()); err != nil {
			return err
		}
		env.printf("%s Wrote %s\n", env.style(okStyle, "✓"), env.configPath)
		return nil
	default:
		return fmt.Errorf("unknown config subcommand %q", args[0])
	}
}

// cmdPushKeys creates the VAPID keypair if missing and prints the public
// key browsers subscribe with.
func cmdPushKeys(env *cliEnv, args []string) error {
	fs := newFlagSet("push-keys", "push-keys", env.out)
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}
	path := env.cfg.VAPIDKeysPath()
	pub, _, generated, err := notify.EnsureVAPIDKeys(path)
	if err != nil {
		return err
	}
	if generated {
		env.printf("%s Generated keypair in %s\n", env.style(okStyle, "✓"), path)
	}
	env.printf("%s\n", pub)
	return nil
}
