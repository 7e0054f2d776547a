package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"yolopipe/internal/auth"
	"yolopipe/internal/database"
	"yolopipe/internal/middleware"
	"yolopipe/internal/pipeline"
	"yolopipe/internal/source"
	"yolopipe/internal/stream"
	"yolopipe/internal/ws"
)

const (
	defaultDetectionLimit = 50
	maxDetectionLimit     = 1000
)

type pipelineStatus interface {
	State() pipeline.State
	Stats() pipeline.PipelineStats
}

type healthChecker interface {
	IsHealthy() bool
}

// server holds everything the HTTP surface reports on. Optional publishers
// are nil when disabled.
type server struct {
	logger *log.Logger
	debug  bool

	scheduler pipelineStatus
	store     *pipeline.FrameStore
	source    source.Source
	engine    healthChecker
	bus       *pipeline.EventBus
	auth      *auth.Authenticator

	hub      *ws.DetectionHub
	db       *database.Database
	recorder *database.Recorder
	stream   *stream.DetectionStream
}

func (s *server) routes() http.Handler {
	protect := middleware.AuthMiddleware(s.auth)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/api/auth/login", auth.LoginHandler(s.auth))
	mux.Handle("/api/pipeline/stats", protect(http.HandlerFunc(s.handleStats)))
	mux.Handle("/api/detections", protect(http.HandlerFunc(s.handleDetections)))

	if s.hub != nil {
		mux.Handle("/ws/detections/", protect(ws.NewHandler(s.hub)))
	}
	if s.stream != nil {
		mux.Handle("/stream/detections.mjpeg", protect(s.stream))
		mux.Handle("/stream/detection_image.jpg", protect(stream.NewSnapshotHandler(s.stream)))
	}

	return s.logRequests(mux)
}

// logRequests tags every request with an ID and logs failures, or every
// request in debug mode
func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)

		if s.debug || rec.status >= http.StatusInternalServerError {
			s.logger.Printf("[%s] %s %s -> %d (%s)", id, r.Method, r.URL.Path, rec.status, time.Since(started).Round(time.Millisecond))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps MJPEG streaming working through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the WebSocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

type healthResponse struct {
	Status        string `json:"status"`
	Pipeline      string `json:"pipeline"`
	EngineHealthy bool   `json:"engine_healthy"`
	SourceRunning bool   `json:"source_running"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Pipeline:      s.scheduler.State().String(),
		EngineHealthy: s.engine.IsHealthy(),
		SourceRunning: s.source.Running(),
	}

	code := http.StatusOK
	if !resp.EngineHealthy || !resp.SourceRunning {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type statsResponse struct {
	Pipeline   pipeline.PipelineStats   `json:"pipeline"`
	FrameStore pipeline.FrameStoreStats `json:"frame_store"`
	Source     source.Stats             `json:"source"`
	BusDropped uint64                   `json:"bus_dropped"`
	WSClients  int                      `json:"ws_clients"`
	WSDropped  uint64                   `json:"ws_dropped"`
	Recorder   *database.RecorderStats  `json:"recorder,omitempty"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Pipeline:   s.scheduler.Stats(),
		FrameStore: s.store.Stats(),
		Source:     s.source.Stats(),
		BusDropped: s.bus.Dropped(),
	}
	if s.hub != nil {
		resp.WSClients = s.hub.ClientCount()
		resp.WSDropped = s.hub.Dropped()
	}
	if s.recorder != nil {
		stats := s.recorder.Stats()
		resp.Recorder = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleDetections(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, `{"error": "detection recording is disabled"}`, http.StatusNotFound)
		return
	}

	limit := defaultDetectionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, `{"error": "invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = min(n, maxDetectionLimit)
	}

	var since *time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, `{"error": "invalid since, expected RFC3339"}`, http.StatusBadRequest)
			return
		}
		since = &t
	}

	sets, err := s.db.ListDetectionSets(r.URL.Query().Get("source"), since, limit)
	if err != nil {
		s.logger.Printf("failed to list detections: %v", err)
		http.Error(w, `{"error": "failed to list detections"}`, http.StatusInternalServerError)
		return
	}
	if sets == nil {
		sets = []*database.DetectionSetRecord{}
	}
	writeJSON(w, http.StatusOK, sets)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// handleHTTPServer starts the HTTP server on addr. It shuts down the server
// when ctx is done.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan error, logger *log.Logger) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Printf("HTTP server listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}
