package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/conductor/internal/config"
	"github.com/asheshgoplani/conductor/internal/statedb"
	"github.com/asheshgoplani/conductor/internal/tmux"
)

const Version = "0.4.0"

// command is one subcommand. Commands write to env.out and return errors
// instead of exiting so they can be tested.
type command func(env *cliEnv, args []string) error

var commands = map[string]command{
	"run":       cmdRun,
	"new":       cmdNew,
	"list":      cmdList,
	"ls":        cmdList,
	"send":      cmdSend,
	"kill":      cmdKill,
	"pause":     cmdPause,
	"resume":    cmdResume,
	"rename":    cmdRename,
	"rules":     cmdRules,
	"events":    cmdEvents,
	"ack":       cmdAck,
	"prune":     cmdPrune,
	"push-keys": cmdPushKeys,
	"config":    cmdConfig,
}

func init() {
	initColorProfile()
}

// initColorProfile picks the lipgloss color profile. CONDUCTOR_COLOR
// (truecolor, 256, 16, none) overrides detection.
func initColorProfile() {
	switch strings.ToLower(os.Getenv("CONDUCTOR_COLOR")) {
	case "truecolor", "true", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	case "256", "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
		return
	case "16", "ansi", "basic":
		lipgloss.SetColorProfile(termenv.ANSI)
		return
	case "none", "off", "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	if ct := os.Getenv("COLORTERM"); ct == "truecolor" || ct == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	configPath, args := extractConfigFlag(os.Args[1:])

	if len(args) == 0 {
		printHelp(os.Stdout)
		return
	}
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("conductor v%s\n", Version)
		return
	case "help", "--help", "-h":
		printHelp(os.Stdout)
		return
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp(os.Stderr)
		os.Exit(2)
	}

	env, err := newCLIEnv(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	err = cmd(env, args[1:])
	env.Close()
	if err != nil {
		if !errors.Is(err, errAborted) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// extractConfigFlag pulls a global --config/-c flag out of args.
func extractConfigFlag(args []string) (string, []string) {
	var path string
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case (arg == "--config" || arg == "-c") && i+1 < len(args) && path == "":
			path = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config=") && path == "":
			path = strings.TrimPrefix(arg, "--config=")
		default:
			rest = append(rest, arg)
		}
	}
	return path, rest
}

func newCLIEnv(configPath string) (*cliEnv, error) {
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}
	configPath = config.ExpandHome(configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return &cliEnv{
		cfg:        cfg,
		configPath: configPath,
		out:        os.Stdout,
		in:         os.Stdin,
		styled:     isTerminal(os.Stdout),
		openDB: func(path string) (*statedb.StateDB, error) {
			db, err := statedb.Open(path)
			if err != nil {
				return nil, err
			}
			if err := db.Migrate(); err != nil {
				db.Close()
				return nil, err
			}
			return db, nil
		},
		newMux: func() (tmux.Multiplexer, error) {
			if err := tmux.Available(); err != nil {
				return nil, err
			}
			return tmux.New(), nil
		},
	}, nil
}

func printHelp(w io.Writer) {
	fmt.Fprintf(w, "conductor v%s: supervise terminal sessions running coding assistants\n", Version)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: conductor [--config path] <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Daemon:")
	fmt.Fprintln(w, "  run                          Start the supervisor in the foreground")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Sessions:")
	fmt.Fprintln(w, "  new [dir] [--kind k]         Create a session")
	fmt.Fprintln(w, "  list                         List live sessions")
	fmt.Fprintln(w, "  send <session> <text>        Type text into a session")
	fmt.Fprintln(w, "  kill <session> [--yes]       Terminate a session")
	fmt.Fprintln(w, "  pause <session>              Stop a session's process")
	fmt.Fprintln(w, "  resume <session>             Continue a paused session")
	fmt.Fprintln(w, "  rename <session> <alias>     Change a session's alias")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Auto-responder:")
	fmt.Fprintln(w, "  rules list|add|rm|enable|disable")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Event log:")
	fmt.Fprintln(w, "  events [--session s] [--limit n] [--unacked]")
	fmt.Fprintln(w, "  ack <event-id>")
	fmt.Fprintln(w, "  prune [--days n]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Setup:")
	fmt.Fprintln(w, "  config init                  Write the default config file")
	fmt.Fprintln(w, "  push-keys                    Create or show the web push keypair")
	fmt.Fprintln(w, "  version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Sessions are named by number (2 or #2), alias, or id.")
}
