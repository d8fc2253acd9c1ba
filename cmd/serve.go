package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codequery/internal/gateway"
	"codequery/internal/index"
)

var flagServeWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the query gateway over HTTP",
	Long: `Starts the HTTP gateway: GET /health, GET /v1/index/status,
POST /v1/query (buffered), POST /v1/query/stream and /v1/bug/stream (SSE).
With --watch the index stays in sync with the tracked roots while serving.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		completer, err := a.completer()
		if err != nil {
			return err
		}
		gw := gateway.New(a.engine, completer, a.manager, a.log)
		srv := gateway.NewServer(gw, a.cfg.Server.Addr, a.log)

		if flagServeWatch {
			w := index.NewWatcher(a.manager, a.walker, a.log, a.cfg.Index.Debounce)
			go func() {
				if err := w.Run(ctx, a.cfg.Paths.Roots); err != nil && !errors.Is(err, context.Canceled) {
					a.log.Error("watcher stopped", "error", err)
				}
			}()
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&flagServeWatch, "watch", false, "keep the index in sync while serving")
	rootCmd.AddCommand(serveCmd)
}
