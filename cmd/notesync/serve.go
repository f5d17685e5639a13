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

	"github.com/sietchlabs/notesync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference notes server",
	Long: `Run the reference implementation of the notes server.

Intended for development and integration testing; clients point at it
with --server-url.

Example:
  notesync serve --listen :8787 --server-db ./notes-server.db`,
	RunE: runServe,
}

var (
	serveListen string
	serveDBPath string
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", ":8787", "Listen address")
	serveCmd.Flags().StringVar(&serveDBPath, "server-db", "notesync-server.db", "Server database path")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: serveLogLevel(),
	}))

	storage, err := server.NewStorage(cmd.Context(), serveDBPath)
	if err != nil {
		return fmt.Errorf("open server storage: %w", err)
	}
	defer storage.Close()

	srv := &http.Server{
		Addr:              serveListen,
		Handler:           server.NewServer(storage, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", serveListen, "db", serveDBPath)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-stop:
	}

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func serveLogLevel() slog.Level {
	if cfgDebug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
