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
	"github.com/vietddude/substreams-redis-sink/internal/core/config"
	"github.com/vietddude/substreams-redis-sink/internal/core/cursor"
	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or override the persisted stream cursor",
}

var cursorShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the persisted cursor",
	Args:  cobra.NoArgs,
	Run:   runCursorShow,
}

var cursorSetCmd = &cobra.Command{
	Use:   "set [cursor]",
	Short: "Overwrite the persisted cursor; the next run resumes from it",
	Args:  cobra.ExactArgs(1),
	Run:   runCursorSet,
}

var cursorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the persisted cursor; the next run starts from the block range",
	Args:  cobra.NoArgs,
	Run:   runCursorReset,
}

func init() {
	cursorCmd.AddCommand(cursorShowCmd, cursorSetCmd, cursorResetCmd)
	rootCmd.AddCommand(cursorCmd)
}

// withCursorManager opens the configured checkpoint store for the duration
// of fn.
func withCursorManager(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.AppConfig, m *cursor.DefaultManager) error) {
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

	m := cursor.NewManager(store, cursor.Options{Key: cfg.Checkpoint.Key, TTL: cfg.Checkpoint.TTL})
	if err := fn(ctx, cfg, m); err != nil {
		slog.Error("Cursor command failed", "error", err)
		_ = store.Close()
		os.Exit(1)
	}
}

func runCursorShow(cmd *cobra.Command, args []string) {
	withCursorManager(cmd, func(ctx context.Context, cfg *config.AppConfig, m *cursor.DefaultManager) error {
		c, found, err := m.Load(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintln(w, "BACKEND\tKEY\tCURSOR")
		value := c.String()
		if !found {
			value = "<none>"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", cfg.Checkpoint.Backend, m.Key(), value)
		return w.Flush()
	})
}

func runCursorSet(cmd *cobra.Command, args []string) {
	withCursorManager(cmd, func(ctx context.Context, cfg *config.AppConfig, m *cursor.DefaultManager) error {
		if err := m.Set(ctx, domain.Cursor(args[0])); err != nil {
			return err
		}
		fmt.Printf("Successfully set cursor %s\n", m.Key())
		return nil
	})
}

func runCursorReset(cmd *cobra.Command, args []string) {
	withCursorManager(cmd, func(ctx context.Context, cfg *config.AppConfig, m *cursor.DefaultManager) error {
		if err := m.Reset(ctx); err != nil {
			return err
		}
		fmt.Printf("Successfully reset cursor %s\n", m.Key())
		return nil
	})
}
