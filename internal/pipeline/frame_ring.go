package pipeline

import (
	"fmt"
)

// RingSize is the number of slots in the frame ring
const RingSize = 3

// readLag is how many cycles the inference read slot trails the write slot
const readLag = 2

// FrameRing owns three (raw, letterboxed) slot pairs used round-robin.
// Acquisition writes slot Index() while inference reads ReadIndex(), two
// positions behind; the third slot holds the frame queued for the next
// inference. The ring has no locking of its own: the scheduler must join
// both stages before calling Advance.
type FrameRing struct {
	idx       int
	raw       [RingSize]*Frame
	letterbox [RingSize]*Frame
	meta      [RingSize]FrameMeta
	netW      int
	netH      int
}

// NewFrameRing allocates letterboxed slots at the network input size
func NewFrameRing(netW, netH int) (*FrameRing, error) {
	r := &FrameRing{netW: netW, netH: netH}
	for i := 0; i < RingSize; i++ {
		lb, err := NewFrame(netW, netH, 3)
		if err != nil {
			return nil, fmt.Errorf("letterbox slot: %w", err)
		}
		r.letterbox[i] = lb
		r.raw[i] = &Frame{}
	}
	return r, nil
}

// Advance rotates the write index by one
func (r *FrameRing) Advance() {
	r.idx = (r.idx + 1) % RingSize
}

// Index returns the slot being written this cycle
func (r *FrameRing) Index() int {
	return r.idx
}

// ReadIndex returns the slot inference reads this cycle
func (r *FrameRing) ReadIndex() int {
	return (r.idx - readLag + RingSize) % RingSize
}

// Seed writes the same frame into every slot
func (r *FrameRing) Seed(frame *Frame, meta FrameMeta) error {
	for i := 0; i < RingSize; i++ {
		r.WriteRaw(i, frame, meta)
		if err := r.WriteLetterboxed(i); err != nil {
			return err
		}
	}
	return nil
}

// WriteRaw copies frame into raw slot idx
func (r *FrameRing) WriteRaw(idx int, frame *Frame, meta FrameMeta) {
	r.raw[idx].CopyFrom(frame)
	r.meta[idx] = meta
}

// WriteLetterboxed letterboxes raw slot idx into its letterboxed slot
func (r *FrameRing) WriteLetterboxed(idx int) error {
	if err := Letterbox(r.letterbox[idx], r.raw[idx]); err != nil {
		return fmt.Errorf("slot %d: %w", idx, err)
	}
	return nil
}

// ReadLetterboxed returns the letterboxed frame and metadata of slot idx
func (r *FrameRing) ReadLetterboxed(idx int) (*Frame, FrameMeta) {
	return r.letterbox[idx], r.meta[idx]
}

// ReadRaw returns the raw frame and metadata of slot idx
func (r *FrameRing) ReadRaw(idx int) (*Frame, FrameMeta) {
	return r.raw[idx], r.meta[idx]
}
