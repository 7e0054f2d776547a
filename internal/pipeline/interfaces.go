package pipeline

import (
	"context"
)

// FrameSubmitter receives frames from a capture source
// Implemented by FrameStore
type FrameSubmitter interface {
	// Submit stores the latest frame, overwriting any unconsumed one
	Submit(frame *Frame, meta FrameMeta)
}

// InferenceEngine is the black-box network consumed by the scheduler
type InferenceEngine interface {
	// InputSize returns the fixed network input dimensions
	InputSize() (width int, height int)

	// OutputSize returns the length of the flattened output of all detection layers
	OutputSize() int

	// Classes returns the number of classes the network predicts
	Classes() int

	// Predict runs the network on a letterboxed frame and returns the raw
	// detection layer outputs. The call is synchronous.
	Predict(ctx context.Context, input *Frame) ([]float32, error)

	// Boxes decodes raw (or averaged) outputs into candidates, correcting for
	// the letterbox applied to a frameW x frameH source frame
	Boxes(output []float32, frameW int, frameH int, threshold float32) []Candidate

	// Suppress runs non-max suppression over candidates
	Suppress(candidates []Candidate, classes int, threshold float32) []Candidate
}

// ResultSink consumes final detections
type ResultSink interface {
	// Publish is fire-and-forget. Implementations that keep the set or its
	// Image beyond the call must copy them.
	Publish(set *DetectionSet, meta FrameMeta)
}

// ResultSinkFunc adapts a function to ResultSink
type ResultSinkFunc func(set *DetectionSet, meta FrameMeta)

// Publish implements ResultSink
func (f ResultSinkFunc) Publish(set *DetectionSet, meta FrameMeta) {
	f(set, meta)
}

// ThresholdUpdater accepts hot-reloaded detection thresholds
type ThresholdUpdater interface {
	SetThresholds(threshold float32, nms float32)
}
