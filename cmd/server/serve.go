package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/campfire-engine/api"
)

var serveScenario string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API with graceful shutdown.

On SIGINT/SIGTERM the server stops accepting connections, waits up to 30s
for active requests, stops the hold expiry scheduler, flushes pending
notifications and closes the database.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP server port (default 8080)")
	serveCmd.Flags().String("catalog", "", "credit catalog TOML file")
	serveCmd.Flags().Duration("expire-after", 0, "cancel submitted tasks older than this (0 disables)")
	serveCmd.Flags().Duration("check-interval", 0, "hold expiry sweep interval")
	serveCmd.Flags().StringVar(&serveScenario, "scenario", "", "load a demo scenario on startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.store, a.tasks, a.credits, a.log)
	handler.ExpireAfter = a.cfg.Holds.ExpireAfter

	if serveScenario != "" {
		if err := handler.Seed(cmd.Context(), serveScenario); err != nil {
			return fmt.Errorf("loading scenario %s: %w", serveScenario, err)
		}
	}
	if len(a.cfg.Auth.Tokens) == 0 {
		a.log.Warn("no auth.tokens configured; every /api request will be rejected")
	}

	scheduler := api.NewHoldExpiryScheduler(a.tasks, a.cfg.Holds.ExpireAfter, a.log)
	scheduler.CheckInterval = a.cfg.Holds.CheckInterval
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		Auth:           a.tokens,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		MetricsEnabled: a.cfg.Metrics.Enabled,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", "addr", server.Addr, "db", a.cfg.DB.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
	}

	a.log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("server stopped")
	return nil
}
