package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncharbor/syncharbor/internal/config"
)

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that resolve config themselves (none
// currently do, but the hook is kept so a future command — e.g. an
// interactive login wizard — can opt out without touching the root command).
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles the resolved bootstrap config, its path, and a logger
// built from it. Populated once in PersistentPreRunE.
type CLIContext struct {
	Cfg        *config.Config
	ConfigPath string
	Logger     *slog.Logger
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		return nil
	}

	return cc
}

// mustCLIContext extracts the CLIContext or panics. RunE handlers that are
// not annotated with skipConfigAnnotation are guaranteed PersistentPreRunE
// ran first, so a nil result here is always a programmer error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — command tree should guarantee PersistentPreRunE populated it")
	}

	return cc
}

const httpClientTimeout = 30 * time.Second

// defaultHTTPClient times out metadata calls (listing, delta polling) so a
// hung connection cannot block a command indefinitely.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// transferHTTPClient has no timeout: upload/download bodies are bounded by
// context cancellation and the configured data timeout instead, since a
// fixed timeout would cut off large transfers on slow links.
func transferHTTPClient() *http.Client {
	return &http.Client{Timeout: 0}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "syncharbor",
		Short:         "Multi-cloud file sync engine",
		Long:          "Keeps a local directory converged with one or more enrolled cloud storage accounts.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "bootstrap config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show info-level output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadConfig resolves the bootstrap file from the --config flag / env var /
// platform default, loads and validates it, and stashes the result plus a
// logger in the command's context for RunE to pick up.
func loadConfig(cmd *cobra.Command) error {
	bootstrapLogger := buildLogger("")

	env := config.ReadEnvOverrides()
	path := config.ResolveConfigPath(env, flagConfigPath, bootstrapLogger)

	cfg, err := config.LoadOrDefault(path, bootstrapLogger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(cfg.Logging.LogLevel)
	cc := &CLIContext{Cfg: cfg, ConfigPath: path, Logger: logger}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger builds a logger whose baseline level comes from the config
// file (configLevel, possibly empty) with --verbose/--debug/--quiet
// overriding it — CLI flags always win, and Cobra enforces they are
// mutually exclusive.
func buildLogger(configLevel string) *slog.Logger {
	level := slog.LevelWarn

	switch configLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelInfo
	}
	if flagDebug {
		level = slog.LevelDebug
	}
	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
