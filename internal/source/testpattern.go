package source

import (
	"fmt"
	"image/color"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"yolopipe/internal/pipeline"
)

// SMPTE color bars, left to right
var barColors = [7][3]uint8{
	{192, 192, 192}, // Gray
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
}

// FillColorBars paints SMPTE color bars into an RGB frame
func FillColorBars(f *pipeline.Frame) {
	barWidth := f.Width / 7
	if barWidth == 0 {
		barWidth = 1
	}
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			bar := x / barWidth
			if bar >= 7 {
				bar = 6
			}
			f.Set(x, y, color.RGBA{R: barColors[bar][0], G: barColors[bar][1], B: barColors[bar][2], A: 255})
		}
	}
}

// TestPattern submits a synthetic frame at a fixed rate.
// Devices: pattern:bars, pattern:gray, pattern:black.
type TestPattern struct {
	cfg   Config
	sink  pipeline.FrameSubmitter
	frame *pipeline.Frame

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	frameSeq atomic.Uint64
	stats    Stats
	statsMu  sync.RWMutex
}

// NewTestPattern renders the pattern once; every tick submits the same frame
func NewTestPattern(cfg Config, sink pipeline.FrameSubmitter) (*TestPattern, error) {
	w, h := cfg.Width, cfg.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}

	var (
		frame *pipeline.Frame
		err   error
	)
	switch kind := strings.TrimPrefix(cfg.Device, patternPrefix); kind {
	case "bars":
		frame, err = pipeline.NewFrame(w, h, 3)
		if err == nil {
			FillColorBars(frame)
		}
	case "gray":
		frame, err = pipeline.SolidFrame(w, h, color.RGBA{R: 128, G: 128, B: 128, A: 255})
	case "black":
		frame, err = pipeline.NewFrame(w, h, 3)
	default:
		return nil, fmt.Errorf("unknown test pattern %q", kind)
	}
	if err != nil {
		return nil, err
	}

	return &TestPattern{
		cfg:    cfg,
		sink:   sink,
		frame:  frame,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		stats:  Stats{Source: cfg.Name},
	}, nil
}

// Start launches the ticker loop
func (p *TestPattern) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("source %s already started", p.cfg.Name)
	}
	go p.run()
	log.Printf("[Capture] Started test pattern %s for %s (%dx%d @ %d fps)",
		p.cfg.Device, p.cfg.Name, p.frame.Width, p.frame.Height, p.cfg.FPS)
	return nil
}

// Stop ends the loop
func (p *TestPattern) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.running.Load() {
			<-p.done
		}
	})
}

// Running reports whether the loop is active
func (p *TestPattern) Running() bool {
	return p.running.Load()
}

// Stats returns a copy of the statistics
func (p *TestPattern) Stats() Stats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

func (p *TestPattern) run() {
	defer close(p.done)
	defer p.running.Store(false)

	ticker := time.NewTicker(time.Second / time.Duration(p.cfg.FPS))
	defer ticker.Stop()

	p.emit()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.emit()
		}
	}
}

func (p *TestPattern) emit() {
	now := time.Now()
	p.sink.Submit(p.frame, pipeline.FrameMeta{
		ID:        uuid.New().String(),
		Seq:       p.frameSeq.Add(1),
		Timestamp: now,
		Source:    p.cfg.Name,
	})

	p.statsMu.Lock()
	p.stats.FramesCaptured++
	p.stats.LastFrameTime = now
	p.statsMu.Unlock()
}

var _ Source = (*TestPattern)(nil)
