package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/starbox/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the starbox HTTP API",
	Long: `Start the HTTP server with REST and WebSocket endpoints under /api.

Remote callers submit script text only. The directories their scripts can
see come from the "mounts" list in the config file.

Examples:
  starbox serve
  starbox serve --port 9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	grants, err := cfg.Grants()
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	exec, store, closeStore, err := newExecutor(cfg, nil, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(exec, store, server.Options{
		Grants:        grants,
		MaxConcurrent: int64(cfg.Server.MaxConcurrent),
	})

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})

	return g.Wait()
}
