package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
camera:
  name: front
  device: pattern:bars
  fps: 10
  frame_width: 320
  frame_height: 240
network:
  endpoint: inference:50051
  width: 64
  height: 64
  timeout: 2s
  layers:
    - width: 2
      height: 2
      anchors: [32, 32]
      mask: [0]
detection:
  threshold: 0.5
  nms_threshold: 0.45
  average_frames: 3
  names: [person, dog]
publishers:
  console: false
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "yolopipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, float32(0.3), cfg.Detection.Threshold)
	assert.Equal(t, float32(0.4), cfg.Detection.NMSThreshold)
	assert.Equal(t, 1, cfg.Detection.AverageFrames)
	assert.Len(t, cfg.Detection.Names, 80)
	assert.Equal(t, 416, cfg.Network.Width)
	assert.Len(t, cfg.Network.Layers, 2)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "front", cfg.Camera.Name)
	assert.Equal(t, "pattern:bars", cfg.Camera.Device)
	assert.Equal(t, 2*time.Second, cfg.Network.Timeout)
	assert.Equal(t, []string{"person", "dog"}, cfg.Detection.Names)
	assert.False(t, cfg.Publishers.Console)
	// Unset values keep their defaults
	assert.Equal(t, float32(0.01), cfg.Detection.MinBoxSize)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)

	p := cfg.PipelineConfig()
	assert.Equal(t, 3, p.AverageFrames)
	assert.Equal(t, float32(0.5), p.Threshold)
	assert.Equal(t, 320, p.FrameWidth)

	e := cfg.EngineConfig()
	assert.Equal(t, 2, e.Classes)
	assert.Equal(t, "inference:50051", e.Endpoint)

	s := cfg.SourceConfig()
	assert.Equal(t, "front", s.Name)
	assert.Equal(t, 10, s.FPS)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleYAML)
	t.Setenv("DETECTION_THRESHOLD", "0.7")
	t.Setenv("AVERAGE_FRAMES", "5")
	t.Setenv("YOLO_ENDPOINT", "gpu:9000")
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("AUTH_PASSWORD", "secret")
	t.Setenv("JWT_EXPIRY", "1h")
	t.Setenv("AUTH_SOURCES", "front,yard")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, float32(0.7), cfg.Detection.Threshold)
	assert.Equal(t, 5, cfg.Detection.AverageFrames)
	assert.Equal(t, "gpu:9000", cfg.Network.Endpoint)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, time.Hour, cfg.AuthConfig().JWTExpiry)
	assert.Equal(t, []string{"front", "yard"}, cfg.AuthConfig().Sources)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"zero averaging":    func(c *Config) { c.Detection.AverageFrames = 0 },
		"threshold above 1": func(c *Config) { c.Detection.Threshold = 1.5 },
		"negative nms":      func(c *Config) { c.Detection.NMSThreshold = -0.1 },
		"no classes":        func(c *Config) { c.Detection.Names = nil },
		"bad mask":          func(c *Config) { c.Network.Layers[0].Mask = []int{9} },
		"no endpoint":       func(c *Config) { c.Network.Endpoint = "" },
		"unknown nms kind":  func(c *Config) { c.Detection.NMSKind = "soft" },
		"auth no password":  func(c *Config) { c.Auth.Enabled = true },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "detection: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type thresholdRecorder struct {
	mu        sync.Mutex
	threshold float32
	nms       float32
	calls     int
}

func (r *thresholdRecorder) SetThresholds(threshold, nms float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threshold, r.nms = threshold, nms
	r.calls++
}

func (r *thresholdRecorder) get() (float32, float32, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threshold, r.nms, r.calls
}

func TestWatcherPushesThresholds(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	rec := &thresholdRecorder{}
	w, err := NewWatcher(path, cfg, rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// An invalid edit is ignored
	require.NoError(t, os.WriteFile(path, []byte("detection:\n  average_frames: 0\n"), 0o644))
	time.Sleep(3 * reloadDelay)
	_, _, calls := rec.get()
	assert.Equal(t, 0, calls)

	updated := sampleYAML
	updated = strings.Replace(updated, "threshold: 0.5", "threshold: 0.6", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		th, _, _ := rec.get()
		return th == 0.6
	}, 5*time.Second, 20*time.Millisecond)

	_, nms, _ := rec.get()
	assert.Equal(t, float32(0.45), nms)
	assert.Equal(t, float32(0.6), w.Current().Detection.Threshold)
}
