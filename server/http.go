// Package server provides the thin HTTP controllers around the Cache
// Manager: status endpoints for the two background workers, volume
// summaries, and the one write endpoint that caches a dataset (it calls
// CacheDataset directly rather than queueing). Restoration, placement, and eviction all live in cache.Manager;
// nothing here does more than translate HTTP into calls on it.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	root "github.com/nistoar/pdr-cachemgr"
	"github.com/nistoar/pdr-cachemgr/cache"
	"github.com/nistoar/pdr-cachemgr/registry"
	"github.com/nistoar/pdr-cachemgr/store/inventorydb"
	"github.com/nistoar/pdr-cachemgr/telemetry"
	"github.com/nistoar/pdr-cachemgr/worker/cacher"
	"github.com/nistoar/pdr-cachemgr/worker/monitor"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, if non-empty, is required as a Bearer token on every
	// request except /health and /metrics.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server exposing status and control endpoints for
// the cache manager daemon.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	inv       inventorydb.DB
	volumes   *registry.Volumes
	placement cache.Placement
	monitor   *monitor.Worker
	monStatus *monitor.StatusStore
	cacher    *cacher.Worker
	queue     *cacher.Queue
}

// New creates a new server with the given configuration and components.
// placement drives PUT /ds/restricted/{dsid}; the two workers and stores
// back the status endpoints. Any of monitorWorker/monStatus/cacherWorker/
// queue may be nil, in which case the corresponding status endpoint
// reports itself unavailable rather than panicking.
func New(
	cfg Config,
	inv inventorydb.DB,
	volumes *registry.Volumes,
	placement cache.Placement,
	monitorWorker *monitor.Worker,
	monStatus *monitor.StatusStore,
	cacherWorker *cacher.Worker,
	queue *cacher.Queue,
) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		inv:       inv,
		volumes:   volumes,
		placement: placement,
		monitor:   monitorWorker,
		monStatus: monStatus,
		cacher:    cacherWorker,
		queue:     queue,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.authMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // restoration of large bags can take a while
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /status/monitor", s.handleMonitorStatus)
	mux.HandleFunc("GET /status/queue", s.handleQueueStatus)
	mux.HandleFunc("GET /status/volumes", s.handleVolumeSummaries)

	mux.HandleFunc("PUT /ds/restricted/{dsid}", s.handleCacheDataset)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// monitorStatusResponse mirrors monitor.Status but is built fresh so the
// endpoint can report unavailability without a *monitor.Worker.
type monitorStatusResponse struct {
	monitor.Status
	State string `json:"state,omitempty"`
}

// handleMonitorStatus returns the Integrity Monitor's last-run status
// document, per spec.md §6.
func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	if s.monStatus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "monitor not configured"})
		return
	}

	running := s.monitor != nil && s.monitor.State() != monitor.Exited
	status, err := s.monStatus.Load(r.Context(), running)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := monitorStatusResponse{Status: status}
	if s.monitor != nil {
		resp.State = s.monitor.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleQueueStatus reports the cacher worker's persistent queue: whether
// it is running and how many entries are pending.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cacher queue not configured"})
		return
	}

	entries, err := s.queue.LoadQueue(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.String()
	}

	resp := map[string]any{
		"pending": ids,
		"depth":   len(ids),
	}
	if s.cacher != nil {
		resp["running"] = s.cacher.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}

// volumeSummary is the per-volume line reported by GET /status/volumes.
type volumeSummary struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Priority    int    `json:"priority"`
	Capacity    int64  `json:"capacity,omitempty"`
	ObjectCount int64  `json:"objectCount"`
	TotalBytes  int64  `json:"totalBytes"`
}

// handleVolumeSummaries lists every registered Cache Volume with its
// current utilization, per spec.md §6.
func (s *Server) handleVolumeSummaries(w http.ResponseWriter, r *http.Request) {
	if s.volumes == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "volume registry not configured"})
		return
	}

	infos, err := s.volumes.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	summaries := make([]volumeSummary, 0, len(infos))
	for _, info := range infos {
		totals, err := s.volumes.Totals(r.Context(), info.Name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		summaries = append(summaries, volumeSummary{
			Name:        info.Name,
			Status:      string(info.Status),
			Priority:    info.Priority,
			Capacity:    info.Capacity,
			ObjectCount: totals.ObjectCount,
			TotalBytes:  totals.TotalBytes,
		})
	}

	writeJSON(w, http.StatusOK, summaries)
}

// handleCacheDataset handles PUT /ds/restricted/{dsid}?version=, invoking
// cacheDataset per spec.md §6. recache=1 forces re-restoration of members
// already cached.
func (s *Server) handleCacheDataset(w http.ResponseWriter, r *http.Request) {
	dsid := r.PathValue("dsid")
	if dsid == "" {
		http.Error(w, "missing dataset id", http.StatusBadRequest)
		return
	}
	version := r.URL.Query().Get("version")

	recache := false
	if v := r.URL.Query().Get("recache"); v != "" {
		var err error
		recache, err = strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid recache value", http.StatusBadRequest)
			return
		}
	}

	ids, err := s.placement.CacheDataset(r.Context(), dsid, version, recache, 0)
	if err != nil {
		if isNotFound(err) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"dataset": dsid,
		"version": version,
		"cached":  ids,
	})
}

func isNotFound(err error) bool {
	for err != nil {
		if err == root.ErrResourceNotFound {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written. It preserves http.Flusher and http.Hijacker for streaming
// support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
