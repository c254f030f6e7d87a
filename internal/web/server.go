// Package web provides the HTTP server and routing
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"konomitv-offline/internal/metrics"
	"konomitv-offline/internal/notify"
	"konomitv-offline/internal/tasks"
	"konomitv-offline/internal/web/handlers"
)

// Server represents the HTTP server
type Server struct {
	server   *http.Server
	handlers *handlers.Handlers
	logger   *slog.Logger
}

// NewServer creates the task manager HTTP server listening on port
func NewServer(manager *tasks.Manager, recorder *notify.Recorder, port string) *Server {
	handlers := handlers.NewHandlers(manager, recorder)

	mux := http.NewServeMux()

	// Status page
	mux.HandleFunc("GET /{$}", handlers.Home)

	// Task manager API
	mux.HandleFunc("GET /api/downloads", handlers.ListDownloads)
	mux.HandleFunc("POST /api/downloads", handlers.StartDownload)
	mux.HandleFunc("POST /api/downloads/{video_id}/{quality}/pause", handlers.PauseDownload)
	mux.HandleFunc("POST /api/downloads/{video_id}/{quality}/resume", handlers.ResumeDownload)
	mux.HandleFunc("DELETE /api/downloads/{video_id}/{quality}", handlers.DeleteDownload)
	mux.HandleFunc("GET /api/downloads/{video_id}/{quality}/cached", handlers.IsCached)
	mux.HandleFunc("GET /api/notifications", handlers.Notifications)

	mux.Handle("GET /metrics", metrics.Handler())

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		server:   server,
		handlers: handlers,
		logger:   slog.Default(),
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	localIP := getLocalIP()
	port := strings.TrimPrefix(s.server.Addr, ":")

	s.logger.Info("Starting HTTP server",
		"addr", s.server.Addr,
		"local_ip", localIP,
		"port", port,
		"url", fmt.Sprintf("http://%s:%s", localIP, port))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// getLocalIP returns the first private IPv4 address of this host,
// preferring 192.168.*
func getLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}

	var fallback string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || !ip.IsPrivate() {
			continue
		}
		if strings.HasPrefix(ip.String(), "192.168.") {
			return ip.String()
		}
		if fallback == "" {
			fallback = ip.String()
		}
	}

	if fallback == "" {
		return "localhost"
	}
	return fallback
}
