package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yolopipe/internal/auth"
	"yolopipe/internal/middleware"
	"yolopipe/internal/pipeline"
)

func sampleSet() (*pipeline.DetectionSet, pipeline.FrameMeta) {
	meta := pipeline.FrameMeta{ID: "f-1", Seq: 7, Timestamp: time.Unix(100, 0).UTC(), Source: "front"}
	set := &pipeline.DetectionSet{
		Cycle:       9,
		Meta:        meta,
		FrameWidth:  640,
		FrameHeight: 480,
		InferenceMs: 12.5,
		Detections: []pipeline.Detection{{
			ClassID:     0,
			Label:       "person",
			Probability: 0.75,
			Box:         pipeline.Box{X: 0.5, Y: 0.5, W: 0.25, H: 0.5},
			Pixels:      pipeline.PixelBox{XMin: 240, YMin: 120, XMax: 400, YMax: 360},
		}},
	}
	return set, meta
}

func dial(t *testing.T, srv *httptest.Server, source string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/detections/" + source
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNewDetectionMessage(t *testing.T) {
	set, meta := sampleSet()
	msg := NewDetectionMessage(set, meta)

	assert.Equal(t, "detection", msg.Type)
	assert.Equal(t, "front", msg.Source)
	assert.Equal(t, uint64(9), msg.Cycle)
	assert.Equal(t, uint64(7), msg.FrameSeq)
	assert.Equal(t, 1, msg.Count)
	require.Len(t, msg.Objects, 1)
	assert.Equal(t, []int{240, 120, 400, 360}, msg.Objects[0].BBox)
	assert.Equal(t, "person", msg.Objects[0].Class)
}

func TestHubBroadcastsToSourceClients(t *testing.T) {
	hub := NewDetectionHub()
	defer hub.Close()
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	front := dial(t, srv, "front")
	all := dial(t, srv, AllSources)
	back := dial(t, srv, "back")

	require.Eventually(t, func() bool { return hub.ClientCount() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, hub.HasClients("front"))

	set, meta := sampleSet()
	hub.Publish(set, meta)

	for _, conn := range []*websocket.Conn{front, all} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg DetectionMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "front", msg.Source)
		assert.Equal(t, 1, msg.Count)
	}

	back.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := back.ReadMessage()
	assert.Error(t, err)
}

func TestHubUnregistersClosedClients(t *testing.T) {
	hub := NewDetectionHub()
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	conn := dial(t, srv, "front")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, hub.HasClients("front"))
}

func TestHubPublishWithoutClients(t *testing.T) {
	hub := NewDetectionHub()
	set, meta := sampleSet()
	hub.Publish(set, meta)
	assert.Equal(t, uint64(0), hub.Dropped())
}

func TestHandlerRequiresSource(t *testing.T) {
	srv := httptest.NewServer(NewHandler(NewDetectionHub()))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/ws/detections/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

func TestHandlerEnforcesTokenSources(t *testing.T) {
	h := NewHandler(NewDetectionHub())
	withClaims := func(path string, claims *auth.Claims) *http.Request {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		return r.WithContext(context.WithValue(r.Context(), middleware.UserContextKey, claims))
	}
	restricted := &auth.Claims{Username: "ops", Sources: []string{"front"}}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withClaims("/ws/detections/yard", restricted))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withClaims("/ws/detections/*", restricted))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// An allowed source reaches the upgrader, which rejects a plain GET
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withClaims("/ws/detections/front", restricted))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageJSONShape(t *testing.T) {
	set, meta := sampleSet()
	data, err := json.Marshal(NewDetectionMessage(set, meta))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"bbox":[240,120,400,360]`)
}
