package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"konomitv-offline/internal/cleanup"
	"konomitv-offline/internal/database"
	"konomitv-offline/internal/downloader"
	"konomitv-offline/internal/web/templates"
	"konomitv-offline/pkg/models"
)

func (c *cli) newDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <video-id> <quality>",
		Short: "Download one video into the offline cache",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			videoID, quality, err := parseTaskArgs(args)
			if err != nil {
				return err
			}
			useHEVC, _ := cmd.Flags().GetBool("hevc")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return download(ctx, a.orchestrator, downloader.Request{
				VideoID: videoID,
				Quality: quality,
				UseHEVC: useHEVC,
				PageID:  uuid.NewString(),
			}, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().Bool("hevc", false, "download the HEVC stream")
	return cmd
}

// download runs one download in the foreground, reporting progress to w
func download(ctx context.Context, d *downloader.Orchestrator, req downloader.Request, w io.Writer) error {
	err := d.DownloadVideo(ctx, req, func(p downloader.Progress) {
		fmt.Fprintf(w, "\r%3d%%  %d/%d segments  %s  %s/s   ",
			models.ProgressPercent(p.Downloaded, p.Total), p.Downloaded, p.Total,
			templates.FormatBytes(p.Bytes), templates.FormatBytes(int64(p.Speed)))
	})
	fmt.Fprintln(w)
	if err != nil {
		return fmt.Errorf("download of video %d (%s) failed: %w", req.VideoID, req.Quality, err)
	}
	fmt.Fprintf(w, "Video %d (%s) is available offline\n", req.VideoID, req.Quality)
	return nil
}

func (c *cli) newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List offline downloads found in the cache store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			a, err := newApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.manager.RestoreFromCacheStorage(cmd.Context()); err != nil {
				return fmt.Errorf("failed to read downloads: %w", err)
			}
			return printTasks(cmd.OutOrStdout(), a.manager.Tasks(), asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func printTasks(w io.Writer, list []models.DownloadTask, asJSON bool) error {
	if asJSON {
		if list == nil {
			list = []models.DownloadTask{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No offline downloads")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VIDEO\tQUALITY\tSTATUS\tPROGRESS\tSIZE\tTITLE")
	for _, task := range list {
		quality := task.Quality
		if task.IsHEVC {
			quality += " (hevc)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d%% (%d/%d)\t%s\t%s\n",
			task.VideoID, quality, task.Status, task.Progress,
			task.DownloadedSegments, task.TotalSegments, templates.FormatBytes(task.DownloadedBytes), task.Title)
	}
	return tw.Flush()
}

func (c *cli) newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <video-id> <quality>",
		Short: "Delete an offline download and its cached data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			videoID, quality, err := parseTaskArgs(args)
			if err != nil {
				return err
			}

			a, err := newApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.manager.Delete(cmd.Context(), videoID, quality); err != nil {
				return fmt.Errorf("failed to delete video %d (%s): %w", videoID, quality, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted video %d (%s)\n", videoID, quality)
			return nil
		},
	}
}

// storeStats is the stats command output
type storeStats struct {
	*cleanup.CleanupStats
	Store map[string]int64 `json:"store,omitempty"`
}

func (c *cli) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache store and lock statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.cleanup.GetCleanupStats(cmd.Context())
			if err != nil {
				return err
			}
			out := storeStats{CleanupStats: stats}
			if db, ok := a.storage.(*database.DB); ok {
				if out.Store, err = db.Stats(cmd.Context()); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
