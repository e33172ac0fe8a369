package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cwbudde/gdescent/internal/server"
	"github.com/cwbudde/gdescent/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP job server",
	Long: `Starts an HTTP server that runs optimization jobs in the background.

Endpoints:
  POST   /api/v1/jobs             create a job
  GET    /api/v1/jobs             list jobs
  GET    /api/v1/jobs/:id/status  job status
  GET    /api/v1/jobs/:id/stream  progress events (SSE)
  GET    /api/v1/jobs/:id/trace   per-iteration trace
  DELETE /api/v1/jobs/:id         cancel a job
  GET    /metrics                 Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Listen address")
	serveCmd.Flags().String("data-dir", "./data", "Base directory for runs and traces")
	serveCmd.Flags().Bool("no-store", false, "Keep results in memory only")
	serveCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "Grace period for in-flight requests on shutdown")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	var runStore *store.FSStore
	if !viper.GetBool("no-store") {
		var err error
		runStore, err = store.NewFSStore(viper.GetString("data-dir"))
		if err != nil {
			return fmt.Errorf("failed to create run store: %w", err)
		}
	}

	srv := server.NewServer(viper.GetString("addr"), runStore)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("shutdown-timeout"))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
