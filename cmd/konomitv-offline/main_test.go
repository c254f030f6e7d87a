package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"konomitv-offline/internal/cachestore"
	"konomitv-offline/internal/config"
	"konomitv-offline/internal/database"
	"konomitv-offline/internal/konomitv/konomitvtest"
	"konomitv-offline/internal/ledger"
	"konomitv-offline/pkg/models"

	"github.com/stretchr/testify/require"
)

func TestSetupLogging(t *testing.T) {
	tests := []struct {
		name  string
		level string
	}{
		{"debug level", "debug"},
		{"info level", "info"},
		{"warn level", "warn"},
		{"error level", "error"},
		{"invalid level defaults to info", "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotPanics(t, func() {
				setupLogging(tt.level)
			})
		})
	}
}

func TestRun(t *testing.T) {
	// An empty upstream URL makes configuration loading fail
	t.Setenv("KONOMITV_API_URL", "")

	err := run([]string{"list"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to load configuration")
}

func TestRunDatabaseError(t *testing.T) {
	t.Setenv("KONOMITV_API_URL", "http://127.0.0.1:9/api")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("DATABASE_PATH", "/invalid/path/test.db")

	err := run([]string{"list"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to initialize database")
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0)
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"serve", "agent", "download", "list", "delete", "stats"} {
		require.Contains(t, names, want)
	}

	download, _, err := root.Find([]string{"download"})
	require.NoError(t, err)
	require.NotNil(t, download.Flags().Lookup("hevc"))

	list, _, err := root.Find([]string{"list"})
	require.NoError(t, err)
	require.NotNil(t, list.Flags().Lookup("json"))
}

func TestParseTaskArgs(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantID      int
		wantQuality string
		wantErr     bool
	}{
		{name: "valid", args: []string{"42", "1080p-60fps"}, wantID: 42, wantQuality: "1080p-60fps"},
		{name: "non numeric id", args: []string{"abc", "1080p"}, wantErr: true},
		{name: "negative id", args: []string{"-1", "1080p"}, wantErr: true},
		{name: "blank quality", args: []string{"1", " "}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, quality, err := parseTaskArgs(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantID, id)
			require.Equal(t, tt.wantQuality, quality)
		})
	}
}

func TestAcquireAgentLock(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "offline-cache.db")

	first, err := acquireAgentLock(storePath)
	require.NoError(t, err)

	_, err = acquireAgentLock(storePath)
	require.ErrorIs(t, err, ErrAgentRunning)

	releaseAgentLock(first)

	again, err := acquireAgentLock(storePath)
	require.NoError(t, err)
	releaseAgentLock(again)
}

func TestOrchestratorConfig(t *testing.T) {
	cfg := &config.Config{
		SegmentMaxRetries:       3,
		SegmentRetryDelay:       time.Second,
		SegmentTimeout:          2 * time.Second,
		LockHeartbeatInterval:   4 * time.Second,
		PartialTargetServiceIDs: []int{1024},
		PartialTargetPercent:    80,
	}

	got := orchestratorConfig(cfg)
	require.Equal(t, 3, got.Retry.MaxRetries)
	require.Equal(t, time.Second, got.Retry.RetryDelay)
	require.Equal(t, 2*time.Second, got.Retry.AttemptTimeout)
	require.Equal(t, []int{3, 6}, got.Retry.RefreshAfter)
	require.Equal(t, 4*time.Second, got.HeartbeatInterval)
	require.Equal(t, 80, got.Target.TargetPercent(1024))
	require.Equal(t, 100, got.Target.TargetPercent(211))
}

func TestPrintTasks(t *testing.T) {
	t.Run("empty table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printTasks(&buf, nil, false))
		require.Equal(t, "No offline downloads\n", buf.String())
	})

	t.Run("empty json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printTasks(&buf, nil, true))
		require.JSONEq(t, "[]", buf.String())
	})

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		list := []models.DownloadTask{{
			VideoID:            7,
			Quality:            "720p",
			IsHEVC:             true,
			Status:             models.StatusPaused,
			Progress:           50,
			DownloadedSegments: 2,
			TotalSegments:      4,
			DownloadedBytes:    2048,
			Title:              "Drama",
		}}
		require.NoError(t, printTasks(&buf, list, false))
		out := buf.String()
		require.Contains(t, out, "VIDEO")
		require.Contains(t, out, "720p (hevc)")
		require.Contains(t, out, "50% (2/4)")
		require.Contains(t, out, "2.0 KiB")
		require.Contains(t, out, "Drama")
	})
}

// setupEnv points the CLI at a fake upstream and a temporary SQLite store
func setupEnv(t *testing.T, upstream *konomitvtest.Server) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "offline-cache.db")

	t.Setenv("KONOMITV_API_URL", upstream.APIURL())
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("DATABASE_PATH", dbPath)
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("SEGMENT_RETRY_DELAY", "10ms")
	return dbPath
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestDownloadListDelete(t *testing.T) {
	upstream := konomitvtest.NewServer(t, 4)
	setupEnv(t, upstream)

	_, stderr, err := execute(t, "download", "5", "1080p")
	require.NoError(t, err)
	require.Contains(t, stderr, "4/4 segments")
	require.Contains(t, stderr, "Video 5 (1080p) is available offline")

	stdout, _, err := execute(t, "list", "--json")
	require.NoError(t, err)
	var listed []models.DownloadTask
	require.NoError(t, json.Unmarshal([]byte(stdout), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, 5, listed[0].VideoID)
	require.Equal(t, "1080p", listed[0].Quality)
	require.Equal(t, models.StatusCompleted, listed[0].Status)
	require.Equal(t, "Test Recording", listed[0].Title)

	stdout, _, err = execute(t, "stats")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &stats))
	require.EqualValues(t, 1, stats["offline_caches"])
	require.Contains(t, stats, "store")

	stdout, _, err = execute(t, "delete", "5", "1080p")
	require.NoError(t, err)
	require.Contains(t, stdout, "Deleted video 5 (1080p)")

	stdout, _, err = execute(t, "list")
	require.NoError(t, err)
	require.Equal(t, "No offline downloads\n", stdout)
}

func TestDelete_Unknown(t *testing.T) {
	upstream := konomitvtest.NewServer(t, 1)
	setupEnv(t, upstream)

	_, _, err := execute(t, "delete", "99", "1080p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to delete video 99")
}

func TestList_ShowsPausedDownload(t *testing.T) {
	upstream := konomitvtest.NewServer(t, 4)
	dbPath := setupEnv(t, upstream)

	db, err := database.New(dbPath)
	require.NoError(t, err)
	l := ledger.New(db, cachestore.DefaultCacheNamePrefix)
	require.NoError(t, l.Write(context.Background(), 9, "720p", func(md *models.DownloadStatusMetadata) {
		md.TotalSegments = 4
		md.DownloadedSegments = models.NewSegmentSet(0, 1)
	}))
	require.NoError(t, db.Close())

	stdout, _, err := execute(t, "list")
	require.NoError(t, err)
	require.Contains(t, stdout, "paused")
	require.Contains(t, stdout, "50% (2/4)")
}
