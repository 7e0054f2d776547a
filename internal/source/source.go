package source

import (
	"fmt"
	"strings"
	"time"

	"yolopipe/internal/pipeline"
)

// Config describes one frame source
type Config struct {
	Name   string // Source name carried in frame metadata
	Device string // rtsp://, http(s)://, /dev/videoN, a video file, or pattern:<kind>
	FPS    int
	Width  int // Frames are resized to Width x Height when both are set
	Height int
}

// Stats contains capture statistics
type Stats struct {
	Source         string    `json:"source"`
	FramesCaptured uint64    `json:"frames_captured"`
	DecodeErrors   uint64    `json:"decode_errors"`
	LastFrameTime  time.Time `json:"last_frame_time"`
}

// Source pushes frames into a FrameSubmitter from its own goroutine
type Source interface {
	Start() error
	Stop()
	Running() bool
	Stats() Stats
}

const patternPrefix = "pattern:"

// New returns the source matching cfg.Device
func New(cfg Config, sink pipeline.FrameSubmitter) (Source, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("source %q has no device", cfg.Name)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	if strings.HasPrefix(cfg.Device, patternPrefix) {
		return NewTestPattern(cfg, sink)
	}
	return NewCapture(cfg, sink), nil
}
