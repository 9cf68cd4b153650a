package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/leadstitch/flowline/internal/blocks"
	"github.com/leadstitch/flowline/internal/logging"
	"github.com/leadstitch/flowline/internal/runtime"
	"github.com/leadstitch/flowline/internal/secrets"
	"github.com/leadstitch/flowline/internal/store"
	"github.com/leadstitch/flowline/internal/streaming"
)

const version = "1.0.0"

// Exit codes: 0 success, 1 validation/argument/runtime error, 2 partial completion.
const (
	exitOK      = 0
	exitError   = 1
	exitPartial = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitError
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	switch args[0] {
	case "version":
		fmt.Println("flowline " + version)
		return exitOK
	case "help", "-h", "--help":
		usage()
		return exitOK
	}

	app, err := newApp(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitError
	}
	defer app.close()

	switch args[0] {
	case "workflows":
		return app.cmdWorkflows(args[1:])
	case "exec":
		return app.cmdExec(args[1:])
	case "executions":
		return app.cmdExecutions(args[1:])
	case "blocks":
		return app.cmdBlocks(args[1:])
	case "schedules":
		return app.cmdSchedules(args[1:])
	case "secrets":
		return app.cmdSecrets(args[1:])
	case "serve":
		return app.cmdServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		return exitError
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `flowline - DAG workflow orchestration engine

Usage:
  flowline workflows list|get|create|update|delete|validate ...
  flowline exec <workflow-id> [--file def.json] [--input JSON] [--mode MODE] [--watch]
  flowline executions list|get ...
  flowline blocks list|get|test|baseline ...
  flowline schedules list|create|delete|enable|disable ...
  flowline secrets list|set|delete ...
  flowline serve
  flowline version

Configuration is read from ~/.flowline/settings.json and FLOWLINE_* env vars.
`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// app bundles the wired components behind the CLI commands.
type app struct {
	cfg    Config
	logger *slog.Logger
	store  store.Store
	vault  secrets.Vault
	hub    streaming.EventHub
	runner *runtime.Runner
}

func newApp(cfg Config, logger *slog.Logger) (*app, error) {
	if path := strings.TrimPrefix(cfg.DBPath, "file:"); !strings.HasPrefix(path, ":memory:") {
		_ = os.MkdirAll(filepath.Dir(path), 0o700)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		v, err := secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("init vault: %w", err)
		}
		vault = v
	}

	hub := streaming.NewMemoryHub()
	runner, err := runtime.NewRunner(runtime.Options{
		Store:        st,
		Vault:        vault,
		Hub:          hub,
		Logger:       logger,
		EnvAllowlist: cfg.EnvAllowlist,
		HTTP:         blocks.HTTPConfig{},
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		vault:  vault,
		hub:    hub,
		runner: runner,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", slog.String("error", err.Error()))
	}
}
