package pipeline

import (
	"time"
)

// FrameMeta is the capture metadata that travels with a frame
type FrameMeta struct {
	ID        string    `json:"id"`        // Unique frame identifier (uuid)
	Seq       uint64    `json:"seq"`       // Source sequence number
	Timestamp time.Time `json:"timestamp"` // Capture timestamp
	Source    string    `json:"source"`    // Source name (camera identifier)
}

// Box is a bounding box in normalized [0,1] image coordinates, center based
type Box struct {
	X float32 `json:"x"` // Center x
	Y float32 `json:"y"` // Center y
	W float32 `json:"w"` // Width
	H float32 `json:"h"` // Height
}

// Corners returns the box as (xmin, ymin, xmax, ymax)
func (b Box) Corners() (float32, float32, float32, float32) {
	return b.X - b.W/2, b.Y - b.H/2, b.X + b.W/2, b.Y + b.H/2
}

// Candidate is a decoded box before non-max suppression
type Candidate struct {
	Box        Box
	Objectness float32
	Probs      []float32 // Per-class probability, zero below the detection threshold
	SortClass  int       // Class used for ordering during suppression, -1 for objectness
}

// PixelBox is a bounding box in pixel coordinates of the source frame
type PixelBox struct {
	XMin int `json:"xmin"`
	YMin int `json:"ymin"`
	XMax int `json:"xmax"`
	YMax int `json:"ymax"`
}

// Detection is a single object that survived suppression
type Detection struct {
	ClassID     int      `json:"class_id"`
	Label       string   `json:"label"`
	Probability float32  `json:"probability"`
	Box         Box      `json:"box"`
	Pixels      PixelBox `json:"pixels"`
}

// DetectionSet is the result of one pipeline cycle
type DetectionSet struct {
	Cycle       uint64      `json:"cycle"`
	Meta        FrameMeta   `json:"meta"`
	FrameWidth  int         `json:"frame_width"`
	FrameHeight int         `json:"frame_height"`
	Detections  []Detection `json:"detections"`
	InferenceMs float32     `json:"inference_ms"`
	PublishedAt time.Time   `json:"published_at"`

	// Image is the raw frame the detections refer to. It is owned by the
	// frame ring and only valid for the duration of Publish.
	Image *Frame `json:"-"`
}

// Count returns the number of detections in the set
func (s *DetectionSet) Count() int {
	return len(s.Detections)
}

// ByClass groups detections per class id
func (s *DetectionSet) ByClass(classes int) [][]Detection {
	grouped := make([][]Detection, classes)
	for _, d := range s.Detections {
		if d.ClassID < 0 || d.ClassID >= classes {
			continue
		}
		grouped[d.ClassID] = append(grouped[d.ClassID], d)
	}
	return grouped
}

// State is the scheduler lifecycle state
type State int

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config holds the values the pipeline core consumes
type Config struct {
	FrameWidth      int           // Expected input frame width, 0 accepts any
	FrameHeight     int           // Expected input frame height, 0 accepts any
	AverageFrames   int           // Averaging depth K
	Threshold       float32       // Detection probability threshold
	NMSThreshold    float32       // IoU threshold for suppression, 0 disables it
	MinBoxSize      float32       // Minimum normalized width/height of a published box
	ClassNames      []string      // Labels indexed by class id
	MaxCycles       uint64        // Stop after this many cycles, 0 runs until stopped
	ReadyPoll       time.Duration // Bounded wait for the first frame
}

// DefaultConfig returns defaults for a 640x480 source
func DefaultConfig() Config {
	return Config{
		FrameWidth:    640,
		FrameHeight:   480,
		AverageFrames: 1,
		Threshold:     0.3,
		NMSThreshold:  0.4,
		MinBoxSize:    0.01,
		ReadyPoll:     500 * time.Millisecond,
	}
}

// PipelineStats contains scheduler performance metrics
type PipelineStats struct {
	State          string    `json:"state"`
	Cycles         uint64    `json:"cycles"`
	FPS            float32   `json:"fps"`
	MinFPS         float32   `json:"min_fps"`
	MaxFPS         float32   `json:"max_fps"`
	LastInference  float32   `json:"last_inference_ms"`
	AvgInferenceMs float32   `json:"avg_inference_ms"`
	LastCycleTime  time.Time `json:"last_cycle_time"`
	SizeMismatches uint64    `json:"size_mismatches"` // Frames that differ from the configured input size
}

// Detach returns a deep copy of the set without the image
func (s *DetectionSet) Detach() *DetectionSet {
	c := *s
	c.Detections = append([]Detection(nil), s.Detections...)
	c.Image = nil
	return &c
}
