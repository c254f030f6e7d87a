package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"konomitv-offline/internal/config"
)

// Version information - set via ldflags during build
var Version = "dev"

// cli holds state shared by the subcommands
type cli struct {
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "konomitv-offline",
		Short:         "Offline video cache for KonomiTV",
		Long:          `Downloads KonomiTV recordings into a local cache and serves them to players while offline.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			setupLogging(strings.ToLower(cfg.LogLevel))
			c.cfg = cfg
			return nil
		},
	}

	root.AddCommand(
		c.newServeCmd(),
		c.newAgentCmd(),
		c.newDownloadCmd(),
		c.newListCmd(),
		c.newDeleteCmd(),
		c.newStatsCmd(),
	)
	return root
}

// parseTaskArgs reads the "<video-id> <quality>" positional arguments
func parseTaskArgs(args []string) (int, string, error) {
	videoID, err := strconv.Atoi(args[0])
	if err != nil || videoID <= 0 {
		return 0, "", fmt.Errorf("invalid video id %q", args[0])
	}
	quality := strings.TrimSpace(args[1])
	if quality == "" {
		return 0, "", fmt.Errorf("quality is required")
	}
	return videoID, quality, nil
}
