package ws

import (
	"time"

	"yolopipe/internal/pipeline"
)

// DetectionMessage is the per-cycle broadcast sent to WebSocket clients
type DetectionMessage struct {
	Type        string            `json:"type"` // "detection"
	Source      string            `json:"source"`
	Cycle       uint64            `json:"cycle"`
	FrameID     string            `json:"frame_id"`
	FrameSeq    uint64            `json:"frame_seq"`
	Timestamp   time.Time         `json:"timestamp"` // Capture time of the frame
	FrameWidth  int               `json:"frame_width"`
	FrameHeight int               `json:"frame_height"`
	InferenceMs float32           `json:"inference_ms"`
	Count       int               `json:"count"`
	Objects     []ObjectDetection `json:"objects"`
}

// ObjectDetection represents a single detected object
type ObjectDetection struct {
	Class       string    `json:"class"`
	ClassID     int       `json:"class_id"`
	Probability float32   `json:"probability"`
	BBox        []int     `json:"bbox"` // [xmin, ymin, xmax, ymax] in pixels
	Box         []float32 `json:"box"`  // [x, y, w, h] normalized, center based
}

// NewDetectionMessage builds the broadcast for one detection set
func NewDetectionMessage(set *pipeline.DetectionSet, meta pipeline.FrameMeta) *DetectionMessage {
	msg := &DetectionMessage{
		Type:        "detection",
		Source:      meta.Source,
		Cycle:       set.Cycle,
		FrameID:     meta.ID,
		FrameSeq:    meta.Seq,
		Timestamp:   meta.Timestamp,
		FrameWidth:  set.FrameWidth,
		FrameHeight: set.FrameHeight,
		InferenceMs: set.InferenceMs,
		Count:       set.Count(),
		Objects:     make([]ObjectDetection, 0, set.Count()),
	}
	for _, d := range set.Detections {
		msg.Objects = append(msg.Objects, ObjectDetection{
			Class:       d.Label,
			ClassID:     d.ClassID,
			Probability: d.Probability,
			BBox:        []int{d.Pixels.XMin, d.Pixels.YMin, d.Pixels.XMax, d.Pixels.YMax},
			Box:         []float32{d.Box.X, d.Box.Y, d.Box.W, d.Box.H},
		})
	}
	return msg
}
