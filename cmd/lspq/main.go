// Command lspq is a thin CLI consumer of the session library: it opens one
// session against a chosen backend, runs a single query, and tears the
// session down. It exists to exercise the library end to end the way a
// real editor integration would, not to be a feature-complete tool itself.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Mazyod/lsp-python-types/backend"
	"github.com/Mazyod/lsp-python-types/backend/pyrefly"
	"github.com/Mazyod/lsp-python-types/backend/pyright"
	"github.com/Mazyod/lsp-python-types/backend/ty"
	"github.com/Mazyod/lsp-python-types/dispatcher"
	"github.com/Mazyod/lsp-python-types/session"
)

type Config struct {
	Command   string
	Arguments []string
	Backend   string
	Watch     bool
	Verbose   bool
	Timeout   int
	Help      bool
}

func parseArgs(args []string) (*Config, error) {
	config := &Config{Backend: "pyright", Timeout: 30}

	var positionalArgs []string
	i := 0

	for i < len(args) {
		arg := args[i]

		if strings.HasPrefix(arg, "--") {
			if arg == "--help" || arg == "-h" {
				config.Help = true
				i++
				continue
			}
			if arg == "--verbose" || arg == "-v" {
				config.Verbose = true
				i++
				continue
			}
			if arg == "--watch" {
				config.Watch = true
				i++
				continue
			}

			var key, value string
			if strings.Contains(arg, "=") {
				parts := strings.SplitN(arg, "=", 2)
				key, value = parts[0], parts[1]
				i++
			} else if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				key, value = arg, args[i+1]
				i += 2
			} else {
				return nil, fmt.Errorf("flag %s requires a value", arg)
			}

			switch key {
			case "--backend":
				config.Backend = value
			case "--timeout":
				timeout, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("invalid timeout value: %s", value)
				}
				config.Timeout = timeout
			default:
				return nil, fmt.Errorf("unknown flag: %s", key)
			}
		} else {
			positionalArgs = append(positionalArgs, arg)
			i++
		}
	}

	if len(positionalArgs) > 0 {
		config.Command = positionalArgs[0]
		config.Arguments = positionalArgs[1:]
	}

	return config, nil
}

func printHelp() {
	fmt.Println(`lspq - query a Python language server over a scratch document

Usage:
  lspq <command> [arguments] [flags]

Commands:
  hover <file> <line>:<col>   Show hover info at a position
  diagnostics <file>          Show current diagnostics for a file

Flags:
  --backend <name>  Backend to use: pyright, pyrefly, ty (default: pyright)
  --watch           (diagnostics only) re-check on every file save
  --timeout <s>     Per-request timeout in seconds (default: 30)
  --verbose         Enable verbose logging
  --help            Show this help message

Examples:
  lspq hover src/app.py 12:4
  lspq diagnostics src/app.py --watch --backend ty`)
}

func resolveBackend(name string) (backend.Backend, error) {
	switch name {
	case "pyright":
		return pyright.Adapter{}, nil
	case "pyrefly":
		return pyrefly.Adapter{}, nil
	case "ty":
		return ty.Adapter{}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func parsePosition(s string) (line, col int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("position must be <line>:<col>, got %q", s)
	}
	line, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid line %q: %w", parts[0], err)
	}
	col, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid column %q: %w", parts[1], err)
	}
	return line, col, nil
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func runHover(config *Config) error {
	if len(config.Arguments) < 2 {
		return fmt.Errorf("hover requires <file> <line>:<col>")
	}
	file := config.Arguments[0]
	line, col, err := parsePosition(config.Arguments[1])
	if err != nil {
		return err
	}

	be, err := resolveBackend(config.Backend)
	if err != nil {
		return err
	}

	code, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	logger := newLogger(config.Verbose)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.Timeout)*time.Second)
	defer cancel()

	sess, err := session.Create(ctx, be, filepath.Dir(file), string(code), nil, nil, logger)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer sess.Shutdown(context.Background())

	hover, err := sess.GetHoverInfo(ctx, dispatcher.Position{Line: line, Character: col})
	if err != nil {
		return fmt.Errorf("hover: %w", err)
	}
	if hover == nil {
		fmt.Println("(no hover information)")
		return nil
	}
	fmt.Println(hover.Contents.Value)
	return nil
}

func runDiagnostics(config *Config) error {
	if len(config.Arguments) < 1 {
		return fmt.Errorf("diagnostics requires <file>")
	}
	file := config.Arguments[0]

	be, err := resolveBackend(config.Backend)
	if err != nil {
		return err
	}

	logger := newLogger(config.Verbose)
	defer func() { _ = logger.Sync() }()

	p := session.NewPool(4, 10*time.Minute, time.Minute, logger)
	defer p.Cleanup(context.Background())

	printDiagnostics := func() error {
		code, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.Timeout)*time.Second)
		defer cancel()

		sess, err := session.Create(ctx, be, filepath.Dir(file), string(code), nil, p, logger)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		defer sess.Shutdown(context.Background())

		diags, err := sess.GetDiagnostics(ctx)
		if err != nil {
			return fmt.Errorf("get diagnostics: %w", err)
		}
		if len(diags) == 0 {
			fmt.Println("no diagnostics")
			return nil
		}
		for _, d := range diags {
			fmt.Printf("%d:%d: %s\n", d.Range.Start.Line+1, d.Range.Start.Character+1, d.Message)
		}
		return nil
	}

	if err := printDiagnostics(); err != nil {
		return err
	}
	if !config.Watch {
		return nil
	}

	return watchAndReprint(file, printDiagnostics)
}

// watchAndReprint re-runs fn every time file changes on disk, debounced so a
// burst of writes from an editor's save only triggers one re-check.
func watchAndReprint(file string, fn func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(file)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(file), err)
	}

	abs, err := filepath.Abs(file)
	if err != nil {
		return err
	}

	var debounce *time.Timer
	const debounceDelay = 300 * time.Millisecond

	fmt.Fprintf(os.Stderr, "watching %s for changes (ctrl-c to stop)\n", file)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			eventPath, err := filepath.Abs(event.Name)
			if err != nil || eventPath != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := fn(); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		}
	}
}

func main() {
	config, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if config.Help || config.Command == "help" || config.Command == "" {
		printHelp()
		if config.Command == "" && !config.Help {
			os.Exit(1)
		}
		return
	}

	var runErr error
	switch config.Command {
	case "hover":
		runErr = runHover(config)
	case "diagnostics":
		runErr = runDiagnostics(config)
	default:
		runErr = fmt.Errorf("unknown command %q", config.Command)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}
