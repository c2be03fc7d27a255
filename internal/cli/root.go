package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/substreams-redis-sink/internal/control"
	"github.com/vietddude/substreams-redis-sink/internal/core/config"
)

var (
	cfgPath         string
	isDebug         bool
	endpointURL     string
	packageRef      string
	moduleName      string
	blockRange      string
	finalBlocksOnly bool
)

var rootCmd = &cobra.Command{
	Use:   "substreams-redis-sink",
	Short: "Substreams to Redis sink",
	Long: `substreams-redis-sink streams a Substreams module and writes a short-lived
record per block to Redis, checkpointing its cursor after every applied block
so it can resume exactly where it stopped.`,
	Run: runSink,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file, the embedded default is used when it does not exist")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")

	rootCmd.Flags().StringVar(&endpointURL, "endpoint", "", "substreams endpoint, overrides substreams.endpoint_url")
	rootCmd.Flags().StringVar(&packageRef, "package", "", "package file, URL or registry name, overrides substreams.package")
	rootCmd.Flags().StringVar(&moduleName, "module", "", "output module, overrides substreams.module")
	rootCmd.Flags().StringVar(&blockRange, "block-range", "", "block range such as 1000:+500, overrides substreams.block_range")
	rootCmd.Flags().BoolVar(&finalBlocksOnly, "final-blocks-only", false, "only stream irreversible blocks")
}

// loadConfig reads .env, the config file and the command line overrides,
// then installs the logger.
func loadConfig(cmd *cobra.Command) *config.AppConfig {
	_ = godotenv.Load()

	raw, err := config.LoadRaw(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	applyFlags(cmd, raw)

	cfg, err := config.Finalize(raw)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging.Level)
	return cfg
}

func applyFlags(cmd *cobra.Command, cfg *config.AppConfig) {
	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cfg.Substreams.EndpointURL = endpointURL
	}
	if flags.Changed("package") {
		cfg.Substreams.Package = packageRef
	}
	if flags.Changed("module") {
		cfg.Substreams.Module = moduleName
	}
	if flags.Changed("block-range") {
		cfg.Substreams.BlockRange = blockRange
	}
	if flags.Changed("final-blocks-only") {
		cfg.Substreams.FinalBlocksOnly = finalBlocksOnly
	}
}

func setupLogging(level string) {
	slogLevel := slog.LevelInfo
	switch {
	case isDebug || level == "debug":
		slogLevel = slog.LevelDebug
	case level == "warn":
		slogLevel = slog.LevelWarn
	case level == "error":
		slogLevel = slog.LevelError
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
}

func runSink(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinker, err := control.NewSinker(ctx, cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to initialize sink", "error", err)
		os.Exit(1)
	}

	slog.Info("Sink started",
		"config", cfgPath,
		"endpoint", cfg.Substreams.EndpointURL,
		"module", cfg.Substreams.Module,
		"checkpoint", cfg.Checkpoint.Backend,
	)

	runErr := sinker.Run(ctx)
	if err := sinker.Close(); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}

	switch {
	case runErr == nil, errors.Is(runErr, io.EOF):
		slog.Info("Stream ended")
	case errors.Is(runErr, context.Canceled):
		slog.Info("Received signal, shut down")
	default:
		slog.Error("Sink failed", "error", runErr)
		os.Exit(1)
	}
}
