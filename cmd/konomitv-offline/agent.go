package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"konomitv-offline/internal/interceptor"
)

func (c *cli) newAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run only the interception agent",
		Long: `Runs the interception agent alone. Downloads started by other processes are
only seen when REDIS_ADDR points all processes at the same Redis server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.agent()
		},
	}
}

func (c *cli) agent() error {
	fileLock, err := acquireAgentLock(c.cfg.StorePath())
	if err != nil {
		return err
	}
	defer releaseAgentLock(fileLock)

	if c.cfg.RedisAddr == "" {
		slog.Warn("REDIS_ADDR is not set, the agent will not see downloads started by other processes")
	}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := handler.Run(ctx); err != nil {
			slog.Error("Interception agent stopped listening for messages", "error", err)
		}
	}()

	return runServers(cancel, interceptor.NewServer(":"+c.cfg.AgentPort, handler))
}
