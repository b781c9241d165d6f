package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schaermu/wipsync/internal/config"
	"github.com/schaermu/wipsync/internal/git"
	"github.com/schaermu/wipsync/internal/sync"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	syncDir   string
	assumeYes bool

	// Prune command flags
	keepBundles int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wipsync",
	Short: "Carry uncommitted work between machines through a shared folder",
	Long: `wipsync captures the work in progress of a Git repository and all of its
submodules (checked out branches and commits plus staged and unstaged changes)
into a bundle file in a shared folder, and restores it on another machine.

Commits must be pushed: a bundle only records where each repository stands on
its remote, never the commits themselves.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "wipsync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/wipsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&syncDir, "sync-dir", "", "shared folder holding the bundles (overrides sync_dir)")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask before critical operations")

	// Add commands
	for _, op := range operations {
		rootCmd.AddCommand(op.command())
	}
	rootCmd.AddCommand(versionCmd)
}

// execute runs one operation against the repository tree at args[0] (default
// the current directory) and reports its outcome.
func execute(cmd *cobra.Command, op operation, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	err := func() error {
		root := "."
		if len(args) > 0 {
			root = args[0]
		}
		root, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", root, err)
		}

		// Load configuration
		cfg, err := loadConfig(logger)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Create dependencies
		gitClient := git.NewShellClient(cfg.Git.Binary, cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
		env := &runEnv{
			name:     op.name(),
			critical: op.critical,
			engine:   sync.NewEngine(cfg, gitClient, logger),
			in:       cmd.InOrStdin(),
			out:      cmd.OutOrStdout(),
		}

		logger.Debug("starting operation", "operation", op.name(), "root", root)
		return op.run(ctx, env, root)
	}()

	return report(logger, op.name(), err)
}

// report logs the outcome of an operation and returns the error that decides
// the exit status.
func report(logger *slog.Logger, name string, err error) error {
	switch outcome := sync.OutcomeOf(err); outcome {
	case sync.Succeeded:
		logger.Debug("operation finished", "operation", name, "outcome", outcome)
		return nil
	case sync.Aborted:
		logger.Warn("operation aborted", "operation", name, "error", err)
		return err
	case sync.Failed:
		logger.Error("operation failed", "operation", name, "error", err)
		return err
	default:
		return fmt.Errorf("%s: unexpected outcome %s: %w", name, outcome, err)
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format. Logs go to stderr, command output to stdout.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	overrides := []config.Override{config.WithSyncDir(syncDir)}

	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		found, ok := config.Find()
		if !ok {
			logger.Debug("no config file found, using defaults", "path", config.DefaultPath())
			return config.Default(overrides...)
		}
		configPath = found
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath, overrides...)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"sync_dir", cfg.SyncDir,
		"remote", cfg.Git.Remote,
		"parallel", cfg.Collect.Parallel,
		"keep", cfg.Bundles.Keep,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// runEnv is what an operation handler works with
type runEnv struct {
	name     string
	critical bool
	engine   *sync.Engine
	in       io.Reader
	out      io.Writer
}

// confirm asks the user before a critical operation changes anything and
// returns sync.ErrAborted when they decline.
func (env *runEnv) confirm() error {
	if !env.critical || assumeYes {
		return nil
	}
	ok, err := confirm(env.in, env.out, env.name)
	if err != nil {
		return fmt.Errorf("failed to read confirmation: %w", err)
	}
	if !ok {
		return sync.ErrAborted
	}
	return nil
}

func (env *runEnv) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(env.out, format, args...)
}

var errDiverged = errors.New("working tree diverged from the latest bundle")
