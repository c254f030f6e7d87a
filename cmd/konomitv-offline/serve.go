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

	"konomitv-offline/internal/cleanup"
	"konomitv-offline/internal/interceptor"
	"konomitv-offline/internal/web"
)

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task manager, web UI and interception agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve()
		},
	}
}

func (c *cli) serve() error {
	slog.Info("Starting KonomiTV Offline", "version", Version, "store", c.cfg.StoreDriver, "upstream", c.cfg.KonomiTVAPIURL)

	fileLock, err := acquireAgentLock(c.cfg.StorePath())
	if err != nil {
		return err
	}
	defer releaseAgentLock(fileLock)

	a, err := newApp(c.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("Failed to close application", "error", err)
		}
	}()

	handler, err := a.newInterceptor()
	if err != nil {
		return err
	}

	// Create main context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if removed, err := a.cleanup.RemoveEmptyPartitions(ctx); err != nil {
		slog.Warn("Failed to remove empty caches", "error", err)
	} else if removed > 0 {
		slog.Info("Removed empty caches", "count", removed)
	}

	// Restore tasks from a previous session
	restored, err := a.manager.RestoreFromCacheStorage(ctx)
	if err != nil {
		slog.Error("Failed to restore downloads", "error", err)
	} else if restored > 0 {
		slog.Info("Restored downloads from cache storage", "count", restored)
	}

	go func() {
		if err := a.manager.Run(ctx); err != nil {
			slog.Error("Task manager stopped listening for messages", "error", err)
		}
	}()
	go func() {
		if err := handler.Run(ctx); err != nil {
			slog.Error("Interception agent stopped listening for messages", "error", err)
		}
	}()
	go startLockSweeper(ctx, a.cleanup, c.cfg.LockSweepInterval)

	webServer := web.NewServer(a.manager, a.recorder, c.cfg.ServerPort)
	agentServer := interceptor.NewServer(":"+c.cfg.AgentPort, handler)

	return runServers(cancel, webServer, agentServer)
}

// startable is an HTTP server with graceful shutdown
type startable interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// runServers blocks until a server fails or a shutdown signal arrives, then shuts
// every server down
func runServers(cancel context.CancelFunc, servers ...startable) error {
	serverErr := make(chan error, len(servers))
	for _, server := range servers {
		go func(server startable) {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}(server)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed to start: %w", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig.String())
	}

	// Stop background loops and downloads
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("failed to shutdown server gracefully: %w", err))
		}
	}

	slog.Info("Server shutdown complete")
	return runErr
}

// startLockSweeper releases download locks whose owners stopped refreshing them
func startLockSweeper(ctx context.Context, service *cleanup.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Lock sweeper shutting down")
			return
		case <-ticker.C:
			released, err := service.ReleaseExpiredLocks(ctx)
			if err != nil {
				slog.Error("Failed to release expired locks", "error", err)
				continue
			}
			if released > 0 {
				slog.Info("Released expired download locks", "count", released)
			}
		}
	}
}
