// Package templates renders the status page. The components are generated from
// the .templ sources with templ generate.
package templates

import (
	"fmt"

	"konomitv-offline/pkg/models"
)

// FormatBytes formats a byte count with binary units
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatSpeed(task models.DownloadTask) string {
	if task.Status != models.StatusDownloading || task.DownloadSpeed <= 0 {
		return "-"
	}
	return FormatBytes(int64(task.DownloadSpeed)) + "/s"
}

func qualityLabel(task models.DownloadTask) string {
	if task.IsHEVC {
		return task.Quality + " (HEVC)"
	}
	return task.Quality
}

func statusClass(status models.DownloadStatus) string {
	return "status-" + string(status)
}

func progressLabel(task models.DownloadTask) string {
	return fmt.Sprintf("%d%% (%d/%d)", task.Progress, task.DownloadedSegments, task.TotalSegments)
}
