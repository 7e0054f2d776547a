package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yolopipe/internal/auth"
	"yolopipe/internal/database"
	"yolopipe/internal/pipeline"
	"yolopipe/internal/source"
)

type fakeScheduler struct{}

func (fakeScheduler) State() pipeline.State { return pipeline.StateRunning }
func (fakeScheduler) Stats() pipeline.PipelineStats {
	return pipeline.PipelineStats{State: "running", Cycles: 42, FPS: 9.5}
}

type fakeSource struct{ running bool }

func (s *fakeSource) Start() error  { s.running = true; return nil }
func (s *fakeSource) Stop()         { s.running = false }
func (s *fakeSource) Running() bool { return s.running }
func (s *fakeSource) Stats() source.Stats {
	return source.Stats{Source: "front", FramesCaptured: 7}
}

type fakeEngine struct{ healthy bool }

func (e fakeEngine) IsHealthy() bool { return e.healthy }

func newTestServer(t *testing.T, authCfg auth.Config) *server {
	t.Helper()
	a, err := auth.NewAuthenticator(authCfg)
	require.NoError(t, err)
	return &server{
		logger:    log.New(io.Discard, "", 0),
		scheduler: fakeScheduler{},
		store:     pipeline.NewFrameStore(),
		source:    &fakeSource{running: true},
		engine:    fakeEngine{healthy: true},
		bus:       pipeline.NewEventBus(),
		auth:      a,
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, auth.Config{})
	h := s.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body.Pipeline)
	assert.True(t, body.EngineHealthy)

	s.engine = fakeEngine{healthy: false}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, auth.Config{})

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pipeline/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint64(42), body.Pipeline.Cycles)
	assert.Equal(t, uint64(7), body.Source.FramesCaptured)
	assert.Nil(t, body.Recorder)
}

func TestDetectionsEndpoint(t *testing.T) {
	s := newTestServer(t, auth.Config{})

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/detections", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	db, err := database.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate())
	s.db = db

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		meta := pipeline.FrameMeta{Seq: uint64(i), Timestamp: base.Add(time.Duration(i) * time.Second), Source: "front"}
		set := &pipeline.DetectionSet{Cycle: uint64(i + 1), Meta: meta, Detections: []pipeline.Detection{{Label: "person"}}}
		require.NoError(t, db.SaveDetectionSet(database.NewDetectionSetRecord(set, meta)))
	}

	h := s.routes()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/detections?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var sets []database.DetectionSetRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sets))
	require.Len(t, sets, 2)
	assert.Equal(t, uint64(3), sets[0].Cycle)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/detections?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/detections?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, auth.Config{Enabled: true, Username: "admin", Password: "secret", JWTSecret: "test-secret"})
	h := s.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pipeline/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays public
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := bytes.NewBufferString(`{"username":"admin","password":"secret"}`)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)

	req := httptest.NewRequest(http.MethodGet, "/api/pipeline/stats", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
