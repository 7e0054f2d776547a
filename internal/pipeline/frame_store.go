package pipeline

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// FrameStore holds the most recent camera frame.
// Sources call Submit from their own goroutines; the scheduler takes
// snapshots. Latest frame wins, nothing is queued.
type FrameStore struct {
	mu       sync.RWMutex
	frame    *Frame
	meta     FrameMeta
	consumed atomic.Bool // Set by snapshots under the read lock

	ready *ImageReadyFlag

	submitted   atomic.Uint64
	overwritten atomic.Uint64
}

// FrameStoreStats contains submission counters
type FrameStoreStats struct {
	Submitted   uint64 `json:"submitted"`
	Overwritten uint64 `json:"overwritten"` // Frames replaced before any snapshot read them
}

// NewFrameStore creates an empty store
func NewFrameStore() *FrameStore {
	return &FrameStore{
		frame: &Frame{},
		ready: NewImageReadyFlag(),
	}
}

// Submit deep-copies frame into the store, replacing the previous one
func (s *FrameStore) Submit(frame *Frame, meta FrameMeta) {
	if frame.Empty() {
		return
	}

	s.mu.Lock()
	if !s.frame.Empty() && !s.consumed.Load() {
		s.overwritten.Add(1)
	}
	s.frame.CopyFrom(frame)
	s.meta = meta
	s.consumed.Store(false)
	s.mu.Unlock()

	s.ready.Set()

	n := s.submitted.Add(1)
	if n == 1 {
		log.Printf("[FrameStore] First frame received (%dx%dx%d from %s)",
			frame.Width, frame.Height, frame.Channels, meta.Source)
	}
}

// Snapshot returns a deep copy of the current frame and its metadata.
// Before the first Submit the frame is empty.
func (s *FrameStore) Snapshot() (*Frame, FrameMeta) {
	f := &Frame{}
	meta := s.SnapshotInto(f)
	return f, meta
}

// SnapshotInto copies the current frame into dst and returns its metadata
func (s *FrameStore) SnapshotInto(dst *Frame) FrameMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dst.CopyFrom(s.frame)
	s.consumed.Store(true)
	return s.meta
}

// Ready returns true once at least one frame was submitted
func (s *FrameStore) Ready() bool {
	return s.ready.Ready()
}

// WaitReady waits up to timeout for the first frame
func (s *FrameStore) WaitReady(timeout time.Duration) bool {
	return s.ready.Wait(timeout)
}

// Stats returns submission counters
func (s *FrameStore) Stats() FrameStoreStats {
	return FrameStoreStats{
		Submitted:   s.submitted.Load(),
		Overwritten: s.overwritten.Load(),
	}
}

var _ FrameSubmitter = (*FrameStore)(nil)
