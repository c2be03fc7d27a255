package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/substreams-redis-sink/internal/control"
	redisclient "github.com/vietddude/substreams-redis-sink/internal/infra/redis"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted cursor and the newest block record in Redis",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := control.OpenCheckpointStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open checkpoint store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	rc, err := redisclient.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	cache := redisclient.NewBlockCache(rc, cfg.Sink, slog.Default())
	defer func() {
		_ = cache.Close()
	}()

	c, found, err := store.Get(ctx, cfg.Checkpoint.Key)
	if err != nil {
		slog.Error("Failed to read cursor", "error", err)
		os.Exit(1)
	}
	cursorValue := "<none>"
	if found {
		cursorValue = c.String()
	}

	head, headFound, err := cache.Head(ctx)
	if err != nil {
		slog.Error("Failed to read head block", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "MODULE\tHEAD\tHEAD ID\tHEAD TIME\tCURSOR")
	if headFound {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", cfg.Substreams.Module, head.HeadBlockNumber, head.HeadBlockID, head.HeadBlockTime, cursorValue)
	} else {
		_, _ = fmt.Fprintf(w, "%s\t-\t-\t-\t%s\n", cfg.Substreams.Module, cursorValue)
	}
	_ = w.Flush()
}
