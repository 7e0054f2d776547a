package pipeline

import (
	"sync"
	"time"
)

// LivenessFlag tells the scheduler whether to keep cycling.
// It starts alive and is cleared exactly once.
type LivenessFlag struct {
	mu    sync.RWMutex
	alive bool
	once  sync.Once
}

// NewLivenessFlag returns a flag in the alive state
func NewLivenessFlag() *LivenessFlag {
	return &LivenessFlag{alive: true}
}

// Alive returns true until Kill is called
func (l *LivenessFlag) Alive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.alive
}

// Kill clears the flag. Later calls are no-ops.
func (l *LivenessFlag) Kill() {
	l.once.Do(func() {
		l.mu.Lock()
		l.alive = false
		l.mu.Unlock()
	})
}

// ImageReadyFlag becomes true once the first frame has been received.
// readyCh is closed at the same moment so waiters need not poll.
type ImageReadyFlag struct {
	mu      sync.RWMutex
	ready   bool
	readyCh chan struct{}
}

// NewImageReadyFlag returns a flag in the not-ready state
func NewImageReadyFlag() *ImageReadyFlag {
	return &ImageReadyFlag{readyCh: make(chan struct{})}
}

// Ready returns the current state
func (f *ImageReadyFlag) Ready() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ready
}

// Set marks the flag ready and wakes all waiters
func (f *ImageReadyFlag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ready {
		return
	}
	f.ready = true
	close(f.readyCh)
}

// Wait blocks until the flag is set or timeout elapses.
// Returns the flag state at return.
func (f *ImageReadyFlag) Wait(timeout time.Duration) bool {
	if f.Ready() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.readyCh:
		return true
	case <-timer.C:
		return f.Ready()
	}
}
