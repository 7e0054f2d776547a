package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrVectorSize = errors.New("prediction vector size mismatch")
)

// PredictionHistory keeps the last K raw network outputs and averages them.
// Slots never written count as zero vectors, so the first K-1 averages are
// biased toward zero. Only the detect stage touches it.
type PredictionHistory struct {
	depth   int
	size    int
	ring    [][]float32
	sum     []float64
	avg     []float32
	records uint64
}

// NewPredictionHistory allocates a depth-K ring of size-length vectors
func NewPredictionHistory(depth, size int) (*PredictionHistory, error) {
	if depth < 1 {
		return nil, fmt.Errorf("averaging depth must be at least 1, got %d", depth)
	}
	if size < 1 {
		return nil, fmt.Errorf("output size must be positive, got %d", size)
	}
	ring := make([][]float32, depth)
	for i := range ring {
		ring[i] = make([]float32, size)
	}
	return &PredictionHistory{
		depth: depth,
		size:  size,
		ring:  ring,
		sum:   make([]float64, size),
		avg:   make([]float32, size),
	}, nil
}

// Depth returns K
func (h *PredictionHistory) Depth() int {
	return h.depth
}

// Record copies vector into position idx mod K, replacing the oldest entry
func (h *PredictionHistory) Record(idx int, vector []float32) error {
	if len(vector) != h.size {
		return fmt.Errorf("%w: got %d, want %d", ErrVectorSize, len(vector), h.size)
	}
	slot := idx % h.depth
	if slot < 0 {
		slot += h.depth
	}
	copy(h.ring[slot], vector)
	h.records++
	return nil
}

// Average returns the arithmetic mean of the K stored vectors.
// The returned slice is the accumulator and is overwritten by the next call.
func (h *PredictionHistory) Average() []float32 {
	for i := range h.sum {
		h.sum[i] = 0
	}
	for _, v := range h.ring {
		for i, x := range v {
			h.sum[i] += float64(x)
		}
	}
	k := float64(h.depth)
	for i, s := range h.sum {
		h.avg[i] = float32(s / k)
	}
	return h.avg
}

// Records returns how many vectors were recorded in total
func (h *PredictionHistory) Records() uint64 {
	return h.records
}

// Snapshot returns copies of the ring slots in slot order
func (h *PredictionHistory) Snapshot() [][]float32 {
	out := make([][]float32, h.depth)
	for i, v := range h.ring {
		out[i] = append([]float32(nil), v...)
	}
	return out
}
