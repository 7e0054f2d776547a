package database

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"yolopipe/internal/pipeline"
)

// RecorderConfig tunes the persistence sink
type RecorderConfig struct {
	Buffer      int           // Queued records before new ones are dropped
	RecordEmpty bool          // Also store cycles without detections
	Retention   time.Duration // Delete sets older than this, 0 keeps everything
}

// Recorder is a pipeline.ResultSink that stores detection sets on its own
// goroutine. Publish never blocks the detect stage.
type Recorder struct {
	db     *Database
	cfg    RecorderConfig
	queue  chan *DetectionSetRecord
	done   chan struct{}
	closed sync.Once

	saved   atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder starts the writer goroutine
func NewRecorder(db *Database, cfg RecorderConfig) *Recorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	r := &Recorder{
		db:    db,
		cfg:   cfg,
		queue: make(chan *DetectionSetRecord, cfg.Buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Publish implements pipeline.ResultSink
func (r *Recorder) Publish(set *pipeline.DetectionSet, meta pipeline.FrameMeta) {
	if set.Count() == 0 && !r.cfg.RecordEmpty {
		return
	}

	select {
	case r.queue <- NewDetectionSetRecord(set, meta):
	default:
		if r.dropped.Add(1)%100 == 1 {
			log.Printf("[Database] Recorder queue full, dropped %d sets", r.dropped.Load())
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)

	var prune <-chan time.Time
	if r.cfg.Retention > 0 {
		ticker := time.NewTicker(pruneInterval(r.cfg.Retention))
		defer ticker.Stop()
		prune = ticker.C
	}

	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				return
			}
			if err := r.db.SaveDetectionSet(rec); err != nil {
				r.failed.Add(1)
				log.Printf("[Database] Failed to record cycle %d: %v", rec.Cycle, err)
				continue
			}
			r.saved.Add(1)

		case now := <-prune:
			n, err := r.db.DeleteOldDetectionSets(now.Add(-r.cfg.Retention))
			if err != nil {
				log.Printf("[Database] Retention cleanup failed: %v", err)
			} else if n > 0 {
				log.Printf("[Database] Deleted %d expired detection sets", n)
			}
		}
	}
}

func pruneInterval(retention time.Duration) time.Duration {
	interval := retention / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	return interval
}

// Close drains the queue and waits for the writer. Publish must not be
// called afterwards.
func (r *Recorder) Close() {
	r.closed.Do(func() {
		close(r.queue)
	})
	<-r.done
}

// RecorderStats counts what happened to published sets
type RecorderStats struct {
	Saved   uint64 `json:"saved"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Stats returns the recorder counters
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Saved:   r.saved.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}

var _ pipeline.ResultSink = (*Recorder)(nil)
