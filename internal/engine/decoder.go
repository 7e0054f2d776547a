package engine

import (
	"fmt"
	"math"

	"yolopipe/internal/pipeline"
)

// LayerConfig describes one YOLO detection layer of the network.
// Anchors holds every (w, h) anchor pair of the network in input pixels;
// Mask selects the pairs this layer predicts.
type LayerConfig struct {
	Width   int       `yaml:"width"`  // Grid columns
	Height  int       `yaml:"height"` // Grid rows
	Anchors []float32 `yaml:"anchors"`
	Mask    []int     `yaml:"mask"`
}

// entries per box: x, y, w, h, objectness, then one score per class
func (l LayerConfig) entries(classes int) int {
	return 4 + 1 + classes
}

func (l LayerConfig) outputs(classes int) int {
	return l.Width * l.Height * len(l.Mask) * l.entries(classes)
}

// Decoder turns the concatenated outputs of YOLO layers into candidates.
// Outputs are expected post-activation, laid out per layer as
// [box][entry][row][col].
type Decoder struct {
	netW    int
	netH    int
	classes int
	layers  []LayerConfig
	offsets []int
	size    int
}

// NewDecoder validates the layer geometry against the network input
func NewDecoder(netW, netH, classes int, layers []LayerConfig) (*Decoder, error) {
	if netW <= 0 || netH <= 0 {
		return nil, fmt.Errorf("invalid network input size %dx%d", netW, netH)
	}
	if classes <= 0 {
		return nil, fmt.Errorf("invalid class count %d", classes)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("at least one detection layer is required")
	}

	d := &Decoder{netW: netW, netH: netH, classes: classes, layers: layers}
	for i, l := range layers {
		if l.Width <= 0 || l.Height <= 0 {
			return nil, fmt.Errorf("layer %d: invalid grid %dx%d", i, l.Width, l.Height)
		}
		if len(l.Mask) == 0 {
			return nil, fmt.Errorf("layer %d: empty anchor mask", i)
		}
		for _, m := range l.Mask {
			if m < 0 || 2*m+1 >= len(l.Anchors) {
				return nil, fmt.Errorf("layer %d: mask %d has no anchor pair", i, m)
			}
		}
		d.offsets = append(d.offsets, d.size)
		d.size += l.outputs(classes)
	}
	return d, nil
}

// OutputSize returns the length of the concatenated layer outputs
func (d *Decoder) OutputSize() int {
	return d.size
}

// Classes returns the class count
func (d *Decoder) Classes() int {
	return d.classes
}

// Boxes decodes every box whose objectness exceeds threshold. Class
// probabilities are objectness * class score, zeroed below threshold.
// Boxes are corrected from letterboxed network space to the frameW x frameH
// source frame, normalized to [0,1].
func (d *Decoder) Boxes(output []float32, frameW, frameH int, threshold float32) []pipeline.Candidate {
	if len(output) != d.size {
		return nil
	}

	var candidates []pipeline.Candidate
	for li, l := range d.layers {
		base := d.offsets[li]
		plane := l.Width * l.Height
		stride := l.entries(d.classes) * plane

		for n, mask := range l.Mask {
			boxBase := base + n*stride
			for loc := 0; loc < plane; loc++ {
				objectness := output[boxBase+4*plane+loc]
				if objectness <= threshold {
					continue
				}

				col := loc % l.Width
				row := loc / l.Width
				box := pipeline.Box{
					X: (float32(col) + output[boxBase+loc]) / float32(l.Width),
					Y: (float32(row) + output[boxBase+plane+loc]) / float32(l.Height),
					W: float32(math.Exp(float64(output[boxBase+2*plane+loc]))) * l.Anchors[2*mask] / float32(d.netW),
					H: float32(math.Exp(float64(output[boxBase+3*plane+loc]))) * l.Anchors[2*mask+1] / float32(d.netH),
				}

				probs := make([]float32, d.classes)
				for c := 0; c < d.classes; c++ {
					p := objectness * output[boxBase+(5+c)*plane+loc]
					if p > threshold {
						probs[c] = p
					}
				}

				candidates = append(candidates, pipeline.Candidate{
					Box:        d.correct(box, frameW, frameH),
					Objectness: objectness,
					Probs:      probs,
					SortClass:  -1,
				})
			}
		}
	}
	return candidates
}

// correct maps a box from letterboxed network coordinates to frame coordinates
func (d *Decoder) correct(b pipeline.Box, frameW, frameH int) pipeline.Box {
	if frameW <= 0 || frameH <= 0 {
		return b
	}
	r := pipeline.LetterboxRect(frameW, frameH, d.netW, d.netH)
	newW, newH := float32(r.Dx()), float32(r.Dy())
	netW, netH := float32(d.netW), float32(d.netH)

	return pipeline.Box{
		X: (b.X - (netW-newW)/2/netW) / (newW / netW),
		Y: (b.Y - (netH-newH)/2/netH) / (newH / netH),
		W: b.W * netW / newW,
		H: b.H * netH / newH,
	}
}
