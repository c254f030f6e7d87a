// Package handlers provides HTTP handlers for the task manager API and status page
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"konomitv-offline/internal/notify"
	"konomitv-offline/internal/tasks"
	"konomitv-offline/internal/web/templates"
	"konomitv-offline/pkg/fuzzy"
	"konomitv-offline/pkg/models"
)

// recentNotifications is how many notifications the page and API show
const recentNotifications = 20

// Handlers contains all HTTP handlers and their dependencies
type Handlers struct {
	manager  *tasks.Manager
	recorder *notify.Recorder
	matcher  *fuzzy.Matcher
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(manager *tasks.Manager, recorder *notify.Recorder) *Handlers {
	return &Handlers{
		manager:  manager,
		recorder: recorder,
		matcher:  fuzzy.NewMatcher(),
		logger:   slog.Default(),
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

type cachedResponse struct {
	Cached bool `json:"cached"`
}

// Home handles the status page
func (h *Handlers) Home(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	component := templates.Base("KonomiTV Offline", templates.Home(h.manager.Tasks(), h.recorder.Recent(recentNotifications)))
	if err := component.Render(r.Context(), w); err != nil {
		h.logger.Error("Failed to render home template", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
}

// ListDownloads returns every task, ranked by title when q is given
func (h *Handlers) ListDownloads(w http.ResponseWriter, r *http.Request) {
	list := h.manager.Tasks()
	if query := r.URL.Query().Get("q"); query != "" {
		list = h.matcher.RankTasks(query, list)
	}
	if list == nil {
		list = []models.DownloadTask{}
	}
	writeJSON(w, http.StatusOK, list)
}

// StartDownload starts a download in the background
func (h *Handlers) StartDownload(w http.ResponseWriter, r *http.Request) {
	var req tasks.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid request body"})
		return
	}
	if req.VideoID <= 0 || req.Quality == "" {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "video_id and quality are required"})
		return
	}

	result, err := h.manager.Launch(req)
	if err != nil {
		h.writeTaskError(w, "start", req.VideoID, req.Quality, err)
		return
	}
	h.watch(req.VideoID, req.Quality, result)

	h.logger.Info("Download requested", "video_id", req.VideoID, "quality", req.Quality, "use_hevc", req.UseHEVC)
	writeJSON(w, http.StatusAccepted, messageResponse{Message: "Download started"})
}

// PauseDownload pauses a running download
func (h *Handlers) PauseDownload(w http.ResponseWriter, r *http.Request) {
	videoID, quality, ok := h.taskFromPath(w, r)
	if !ok {
		return
	}

	if err := h.manager.Pause(r.Context(), videoID, quality); err != nil {
		h.writeTaskError(w, "pause", videoID, quality, err)
		return
	}

	h.logger.Info("Download paused", "video_id", videoID, "quality", quality)
	writeJSON(w, http.StatusOK, messageResponse{Message: "Download paused"})
}

// ResumeDownload resumes a paused download in the background
func (h *Handlers) ResumeDownload(w http.ResponseWriter, r *http.Request) {
	videoID, quality, ok := h.taskFromPath(w, r)
	if !ok {
		return
	}

	result, err := h.manager.LaunchResume(videoID, quality)
	if err != nil {
		h.writeTaskError(w, "resume", videoID, quality, err)
		return
	}
	h.watch(videoID, quality, result)

	h.logger.Info("Download resume requested", "video_id", videoID, "quality", quality)
	writeJSON(w, http.StatusAccepted, messageResponse{Message: "Download resumed"})
}

// DeleteDownload removes a download and its cached data
func (h *Handlers) DeleteDownload(w http.ResponseWriter, r *http.Request) {
	videoID, quality, ok := h.taskFromPath(w, r)
	if !ok {
		return
	}

	if err := h.manager.Delete(r.Context(), videoID, quality); err != nil {
		h.writeTaskError(w, "delete", videoID, quality, err)
		return
	}

	h.logger.Info("Download deleted", "video_id", videoID, "quality", quality)
	writeJSON(w, http.StatusOK, messageResponse{Message: "Download deleted"})
}

// IsCached reports whether a video is fully available offline
func (h *Handlers) IsCached(w http.ResponseWriter, r *http.Request) {
	videoID, quality, ok := h.taskFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, cachedResponse{Cached: h.manager.IsVideoCached(r.Context(), videoID, quality)})
}

// Notifications returns the recent notifications, newest first
func (h *Handlers) Notifications(w http.ResponseWriter, r *http.Request) {
	limit := recentNotifications
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid limit"})
			return
		}
		limit = n
	}

	list := h.recorder.Recent(limit)
	if list == nil {
		list = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

// watch logs the outcome of a launched download. Failures are reported to users
// through notifications by the manager.
func (h *Handlers) watch(videoID int, quality string, result <-chan error) {
	go func() {
		if err := <-result; err != nil {
			h.logger.Debug("Background download ended with error", "video_id", videoID, "quality", quality, "error", err)
		}
	}()
}

func (h *Handlers) taskFromPath(w http.ResponseWriter, r *http.Request) (int, string, bool) {
	idStr := r.PathValue("video_id")
	videoID, err := strconv.Atoi(idStr)
	if err != nil || videoID <= 0 {
		h.logger.Error("Invalid video ID in request", "id", idStr, "path", r.URL.Path)
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid video ID"})
		return 0, "", false
	}

	quality := r.PathValue("quality")
	if quality == "" {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Quality is required"})
		return 0, "", false
	}
	return videoID, quality, true
}

func (h *Handlers) writeTaskError(w http.ResponseWriter, action string, videoID int, quality string, err error) {
	if errors.Is(err, tasks.ErrTaskNotFound) {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "Download not found"})
		return
	}
	h.logger.Error("Failed to "+action+" download", "video_id", videoID, "quality", quality, "error", err)
	writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "Failed to " + action + " download"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
