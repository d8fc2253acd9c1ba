package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codequery/internal/config"
	"codequery/internal/index"
)

var (
	flagWatch       bool
	flagWorkers     int
	flagIgnoreTests bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the configured roots, optionally watching for changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, func(cfg *config.Config) {
			if flagWorkers > 0 {
				cfg.Index.Workers = flagWorkers
			}
			if flagIgnoreTests {
				cfg.Index.IgnoreTests = true
			}
		})
		if err != nil {
			return err
		}
		defer a.Close()

		roots := a.cfg.Paths.Roots
		fmt.Printf("Indexing %v...\n", roots)
		start := time.Now()

		stats, err := a.manager.ReconcileAll(ctx, roots)
		elapsed := time.Since(start)
		fmt.Printf("\nDone in %s\n", elapsed.Round(time.Millisecond))
		fmt.Printf("  Files:   %d seen, %d changed, %d unchanged, %d failed, %d removed\n",
			stats.FilesSeen, stats.FilesChanged, stats.FilesSkipped, stats.FilesFailed, stats.FilesRemoved)
		fmt.Printf("  Chunks:  %d embedded, %d removed\n", stats.ChunksUpsert, stats.ChunksDelete)
		if err != nil {
			return err
		}

		if !flagWatch {
			return nil
		}

		w := index.NewWatcher(a.manager, a.walker, a.log, a.cfg.Index.Debounce)
		if err := w.Run(ctx, roots); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	indexCmd.Flags().BoolVar(&flagWatch, "watch", false, "keep running and re-index files as they change")
	indexCmd.Flags().IntVar(&flagWorkers, "workers", 0, "parallel workers (default from config)")
	indexCmd.Flags().BoolVar(&flagIgnoreTests, "ignore-tests", false, "skip files matching test naming conventions")
	rootCmd.AddCommand(indexCmd)
}
