package pipeline

import (
	"fmt"
	"io"
	"sync"
)

// ConsoleSink prints a per-cycle summary of the detections
type ConsoleSink struct {
	mu    sync.Mutex
	w     io.Writer
	stats func() PipelineStats
}

// NewConsoleSink writes to w. stats may be nil; when set, the line includes FPS.
func NewConsoleSink(w io.Writer, stats func() PipelineStats) *ConsoleSink {
	return &ConsoleSink{w: w, stats: stats}
}

// Publish implements ResultSink
func (c *ConsoleSink) Publish(set *DetectionSet, meta FrameMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stats != nil {
		fmt.Fprintf(c.w, "FPS:%.1f\n", c.stats().FPS)
	}
	fmt.Fprintf(c.w, "Objects (cycle %d, frame %d from %s): %d\n", set.Cycle, meta.Seq, meta.Source, set.Count())

	classes := 0
	for _, d := range set.Detections {
		if d.ClassID >= classes {
			classes = d.ClassID + 1
		}
	}
	// Grouped in class order, detection order kept within a class
	for _, group := range set.ByClass(classes) {
		for _, d := range group {
			fmt.Fprintf(c.w, "  %s: %.0f%% [%d,%d %d,%d]\n",
				d.Label, d.Probability*100, d.Pixels.XMin, d.Pixels.YMin, d.Pixels.XMax, d.Pixels.YMax)
		}
	}
}

var _ ResultSink = (*ConsoleSink)(nil)
