package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrStopped        = errors.New("scheduler stopped")
)

// Min/max FPS tracking starts after this many cycles
const fpsWarmupCycles = 3

// stage is a long-lived worker that runs one task per cycle.
// The scheduler hands it a cycle number on start and waits on done.
type stage struct {
	name  string
	start chan uint64
	done  chan error
	task  func(ctx context.Context, cycle uint64) error
}

func newStage(name string, task func(context.Context, uint64) error) *stage {
	return &stage{
		name:  name,
		start: make(chan uint64),
		done:  make(chan error),
		task:  task,
	}
}

func (st *stage) loop(ctx context.Context) error {
	for cycle := range st.start {
		if err := st.task(ctx, cycle); err != nil {
			st.done <- fmt.Errorf("%s: %w", st.name, err)
			continue
		}
		st.done <- nil
	}
	return nil
}

// Scheduler drives the acquire/detect cycle over the frame ring
type Scheduler struct {
	store    *FrameStore
	engine   InferenceEngine
	sink     ResultSink
	liveness *LivenessFlag

	cfg   Config
	cfgMu sync.RWMutex

	state   State
	stateMu sync.RWMutex

	// Owned by Run and its stages while running
	ring    *FrameRing
	history *PredictionHistory
	scratch *Frame
	cycle   uint64
	records int

	// Called after each joined cycle, on the scheduler goroutine
	cycleHook func(cycle uint64)

	stats          PipelineStats
	mismatchW      int // Last mismatched frame size that was logged
	mismatchH      int
	inferenceTotal float64
	inferenceCount uint64
	statsMu        sync.RWMutex
}

// NewScheduler creates a stopped scheduler
func NewScheduler(cfg Config, store *FrameStore, engine InferenceEngine, sink ResultSink) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("frame store is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("inference engine is required")
	}
	if cfg.AverageFrames < 1 {
		return nil, fmt.Errorf("averaging depth must be at least 1, got %d", cfg.AverageFrames)
	}
	if cfg.ReadyPoll <= 0 {
		cfg.ReadyPoll = DefaultConfig().ReadyPoll
	}
	if sink == nil {
		sink = ResultSinkFunc(func(*DetectionSet, FrameMeta) {})
	}

	return &Scheduler{
		store:    store,
		engine:   engine,
		sink:     sink,
		liveness: NewLivenessFlag(),
		cfg:      cfg,
		state:    StateStopped,
	}, nil
}

// State returns the lifecycle state
func (s *Scheduler) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Scheduler) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

func (s *Scheduler) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// SetThresholds updates detection and NMS thresholds; the next cycle uses them
func (s *Scheduler) SetThresholds(threshold float32, nms float32) {
	s.cfgMu.Lock()
	s.cfg.Threshold = threshold
	s.cfg.NMSThreshold = nms
	s.cfgMu.Unlock()
	log.Printf("[Scheduler] Thresholds updated (threshold: %.2f, nms: %.2f)", threshold, nms)
}

// Stop clears the liveness flag. The cycle in flight completes and
// publishes before Run returns.
func (s *Scheduler) Stop() {
	if s.liveness.Alive() {
		log.Printf("[Scheduler] Stop requested")
	}
	s.liveness.Kill()
}

// Stats returns a copy of the pipeline statistics
func (s *Scheduler) Stats() PipelineStats {
	s.statsMu.RLock()
	stats := s.stats
	s.statsMu.RUnlock()
	stats.State = s.State().String()
	return stats
}

// Run executes the pipeline until Stop is called, ctx is cancelled or
// MaxCycles is reached. A scheduler runs once; after it stops, Run returns
// ErrStopped. An inference or sizing failure ends the loop and is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state != StateStopped {
		s.stateMu.Unlock()
		return ErrAlreadyRunning
	}
	if !s.liveness.Alive() {
		s.stateMu.Unlock()
		return ErrStopped
	}
	s.state = StateRunning
	s.stateMu.Unlock()
	defer s.setState(StateStopped)

	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-runDone:
		}
	}()

	if !s.waitFirstFrame() {
		log.Printf("[Scheduler] Stopped before the first frame arrived")
		return nil
	}

	if err := s.allocate(); err != nil {
		s.liveness.Kill()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer s.release()

	// In-flight cycles are never cancelled; only the liveness flag stops the loop
	err := s.loop(context.WithoutCancel(ctx))
	if err != nil {
		s.liveness.Kill()
		log.Printf("[Scheduler] Pipeline failed: %v", err)
		return err
	}

	log.Printf("[Scheduler] Pipeline stopped after %d cycles", s.cycle)
	return nil
}

// waitFirstFrame blocks until the store has a frame or liveness is cleared
func (s *Scheduler) waitFirstFrame() bool {
	poll := s.config().ReadyPoll
	logged := false
	for s.liveness.Alive() {
		if s.store.WaitReady(poll) {
			return true
		}
		if !logged {
			log.Printf("[Scheduler] Waiting for first frame")
			logged = true
		}
	}
	return false
}

func (s *Scheduler) allocate() error {
	cfg := s.config()
	netW, netH := s.engine.InputSize()

	ring, err := NewFrameRing(netW, netH)
	if err != nil {
		return err
	}
	history, err := NewPredictionHistory(cfg.AverageFrames, s.engine.OutputSize())
	if err != nil {
		return err
	}

	seed, meta := s.store.Snapshot()
	s.checkFrameSize(seed)
	if err := ring.Seed(seed, meta); err != nil {
		return fmt.Errorf("failed to seed frame ring: %w", err)
	}

	s.ring = ring
	s.history = history
	s.scratch = seed
	s.cycle = 0
	s.records = 0

	log.Printf("[Scheduler] Pipeline running (input %dx%d, network %dx%d, average %d frames, output %d)",
		seed.Width, seed.Height, netW, netH, cfg.AverageFrames, s.engine.OutputSize())
	return nil
}

func (s *Scheduler) release() {
	s.ring = nil
	s.history = nil
	s.scratch = nil
}

func (s *Scheduler) loop(ctx context.Context) error {
	acquire := newStage("acquire", s.acquire)
	detect := newStage("detect", s.detect)

	var g errgroup.Group
	g.Go(func() error { return acquire.loop(ctx) })
	g.Go(func() error { return detect.loop(ctx) })

	var runErr error
	for {
		s.ring.Advance()
		s.cycle++
		cycle := s.cycle
		started := time.Now()

		acquire.start <- cycle
		detect.start <- cycle

		// Join barrier: nothing of cycle N+1 starts before both finish
		acquireErr := <-acquire.done
		detectErr := <-detect.done

		s.recordCycle(cycle, started)
		if s.cycleHook != nil {
			s.cycleHook(cycle)
		}

		if err := errors.Join(acquireErr, detectErr); err != nil {
			runErr = fmt.Errorf("cycle %d: %w", cycle, err)
			break
		}
		if !s.liveness.Alive() {
			break
		}
		if max := s.config().MaxCycles; max > 0 && cycle >= max {
			log.Printf("[Scheduler] Reached %d cycles", max)
			break
		}
	}

	s.setState(StateStopping)
	close(acquire.start)
	close(detect.start)
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// acquire copies the latest frame into the current write slot and letterboxes it
func (s *Scheduler) acquire(ctx context.Context, cycle uint64) error {
	poll := s.config().ReadyPoll
	for !s.store.WaitReady(poll) {
		if !s.liveness.Alive() {
			return nil
		}
	}

	idx := s.ring.Index()
	meta := s.store.SnapshotInto(s.scratch)
	s.checkFrameSize(s.scratch)
	s.ring.WriteRaw(idx, s.scratch, meta)
	return s.ring.WriteLetterboxed(idx)
}

// detect runs inference on the slot two cycles behind, averages and publishes
func (s *Scheduler) detect(ctx context.Context, cycle uint64) error {
	cfg := s.config()
	idx := s.ring.ReadIndex()
	input, meta := s.ring.ReadLetterboxed(idx)
	raw, _ := s.ring.ReadRaw(idx)

	started := time.Now()
	output, err := s.engine.Predict(ctx, input)
	if err != nil {
		return fmt.Errorf("predict: %w", err)
	}
	inferenceMs := float32(time.Since(started).Seconds() * 1000)

	if err := s.history.Record(s.records, output); err != nil {
		return err
	}
	s.records++

	avg := s.history.Average()
	candidates := s.engine.Boxes(avg, raw.Width, raw.Height, cfg.Threshold)
	if cfg.NMSThreshold > 0 {
		candidates = s.engine.Suppress(candidates, s.engine.Classes(), cfg.NMSThreshold)
	}

	set := &DetectionSet{
		Cycle:       cycle,
		Meta:        meta,
		FrameWidth:  raw.Width,
		FrameHeight: raw.Height,
		Detections:  ExtractDetections(candidates, cfg, raw.Width, raw.Height),
		InferenceMs: inferenceMs,
		PublishedAt: time.Now(),
		Image:       raw,
	}

	s.recordInference(inferenceMs)
	s.sink.Publish(set, meta)
	return nil
}

// ExtractDetections clips candidates to the image, drops boxes smaller than
// MinBoxSize and emits one detection per class with non-zero probability
func ExtractDetections(candidates []Candidate, cfg Config, frameW, frameH int) []Detection {
	detections := make([]Detection, 0)
	for _, c := range candidates {
		xmin, ymin, xmax, ymax := c.Box.Corners()
		xmin, ymin = clamp01(xmin), clamp01(ymin)
		xmax, ymax = clamp01(xmax), clamp01(ymax)

		box := Box{
			X: (xmin + xmax) / 2,
			Y: (ymin + ymax) / 2,
			W: xmax - xmin,
			H: ymax - ymin,
		}
		if box.W <= cfg.MinBoxSize || box.H <= cfg.MinBoxSize {
			continue
		}

		for class, prob := range c.Probs {
			if prob <= 0 {
				continue
			}
			detections = append(detections, Detection{
				ClassID:     class,
				Label:       classLabel(cfg.ClassNames, class),
				Probability: prob,
				Box:         box,
				Pixels: PixelBox{
					XMin: int(xmin * float32(frameW)),
					YMin: int(ymin * float32(frameH)),
					XMax: int(xmax * float32(frameW)),
					YMax: int(ymax * float32(frameH)),
				},
			})
		}
	}
	return detections
}

func classLabel(names []string, class int) string {
	if class >= 0 && class < len(names) {
		return names[class]
	}
	return fmt.Sprintf("class_%d", class)
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *Scheduler) recordCycle(cycle uint64, started time.Time) {
	now := time.Now()
	elapsed := now.Sub(started).Seconds()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.stats.Cycles = cycle
	s.stats.LastCycleTime = now
	if elapsed > 0 {
		s.stats.FPS = float32(1 / elapsed)
	}
	if cycle > fpsWarmupCycles {
		if s.stats.MaxFPS == 0 || s.stats.FPS > s.stats.MaxFPS {
			s.stats.MaxFPS = s.stats.FPS
		}
		if s.stats.MinFPS == 0 || s.stats.FPS < s.stats.MinFPS {
			s.stats.MinFPS = s.stats.FPS
		}
	}

	if cycle%100 == 0 {
		log.Printf("[Scheduler] Cycle %d: %.1f fps (min %.1f, max %.1f), inference %.1fms",
			cycle, s.stats.FPS, s.stats.MinFPS, s.stats.MaxFPS, s.stats.AvgInferenceMs)
	}
}

// checkFrameSize counts frames that differ from the configured input size.
// Each new mismatched size is logged once.
func (s *Scheduler) checkFrameSize(f *Frame) {
	cfg := s.config()
	if cfg.FrameWidth <= 0 || cfg.FrameHeight <= 0 {
		return
	}
	if f.Width == cfg.FrameWidth && f.Height == cfg.FrameHeight {
		return
	}

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.stats.SizeMismatches++
	if f.Width != s.mismatchW || f.Height != s.mismatchH {
		s.mismatchW, s.mismatchH = f.Width, f.Height
		log.Printf("[Scheduler] Frame size %dx%d differs from configured %dx%d",
			f.Width, f.Height, cfg.FrameWidth, cfg.FrameHeight)
	}
}

func (s *Scheduler) recordInference(ms float32) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.inferenceTotal += float64(ms)
	s.inferenceCount++
	s.stats.LastInference = ms
	s.stats.AvgInferenceMs = float32(s.inferenceTotal / float64(s.inferenceCount))
}

var _ ThresholdUpdater = (*Scheduler)(nil)
