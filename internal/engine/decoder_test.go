package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yolopipe/internal/pipeline"
)

// 2x2 grid, one anchor, two classes, 64x64 network
func testLayers() []LayerConfig {
	return []LayerConfig{{Width: 2, Height: 2, Anchors: []float32{32, 32}, Mask: []int{0}}}
}

// setEntry writes entry e of grid cell loc in a single-anchor 2x2 layer
func setEntry(out []float32, e, loc int, v float32) {
	out[e*4+loc] = v
}

func TestNewDecoderValidation(t *testing.T) {
	_, err := NewDecoder(64, 64, 2, nil)
	assert.Error(t, err)

	_, err = NewDecoder(64, 64, 2, []LayerConfig{{Width: 2, Height: 2, Anchors: []float32{32, 32}, Mask: []int{1}}})
	assert.Error(t, err)

	_, err = NewDecoder(0, 64, 2, testLayers())
	assert.Error(t, err)

	d, err := NewDecoder(64, 64, 2, testLayers())
	require.NoError(t, err)
	assert.Equal(t, 28, d.OutputSize())
}

func TestDecoderBoxes(t *testing.T) {
	d, err := NewDecoder(64, 64, 2, testLayers())
	require.NoError(t, err)

	out := make([]float32, d.OutputSize())
	// Cell (1,1), centered, anchor-sized box
	setEntry(out, 0, 3, 0.5)
	setEntry(out, 1, 3, 0.5)
	setEntry(out, 4, 3, 0.9)
	setEntry(out, 5, 3, 0.5)
	setEntry(out, 6, 3, 0.2)
	// Cell (0,0) below the objectness threshold
	setEntry(out, 4, 0, 0.1)

	candidates := d.Boxes(out, 64, 64, 0.3)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.InDelta(t, 0.75, c.Box.X, 1e-6)
	assert.InDelta(t, 0.75, c.Box.Y, 1e-6)
	assert.InDelta(t, 0.5, c.Box.W, 1e-6)
	assert.InDelta(t, 0.5, c.Box.H, 1e-6)
	assert.InDelta(t, 0.9, c.Objectness, 1e-6)
	assert.InDelta(t, 0.45, c.Probs[0], 1e-6)
	assert.Equal(t, float32(0), c.Probs[1], "0.18 is below the threshold")
	assert.Equal(t, -1, c.SortClass)
}

func TestDecoderCorrectsLetterbox(t *testing.T) {
	d, err := NewDecoder(64, 64, 2, testLayers())
	require.NoError(t, err)

	out := make([]float32, d.OutputSize())
	setEntry(out, 0, 3, 0.5)
	setEntry(out, 1, 3, 0.5)
	setEntry(out, 4, 3, 0.9)
	setEntry(out, 5, 3, 0.9)

	// A 128x64 frame occupies rows 16..48 of the 64x64 network input
	candidates := d.Boxes(out, 128, 64, 0.3)
	require.Len(t, candidates, 1)

	b := candidates[0].Box
	assert.InDelta(t, 0.75, b.X, 1e-6)
	assert.InDelta(t, 1.0, b.Y, 1e-6)
	assert.InDelta(t, 0.5, b.W, 1e-6)
	assert.InDelta(t, 1.0, b.H, 1e-6)
}

func TestDecoderRejectsWrongSize(t *testing.T) {
	d, err := NewDecoder(64, 64, 2, testLayers())
	require.NoError(t, err)
	assert.Nil(t, d.Boxes(make([]float32, 3), 64, 64, 0.3))
}

func TestDecoderMultipleLayers(t *testing.T) {
	layers := []LayerConfig{
		{Width: 1, Height: 1, Anchors: []float32{10, 10, 20, 20}, Mask: []int{1}},
		{Width: 2, Height: 2, Anchors: []float32{10, 10, 20, 20}, Mask: []int{0, 1}},
	}
	d, err := NewDecoder(40, 40, 1, layers)
	require.NoError(t, err)
	assert.Equal(t, 1*6+2*4*6, d.OutputSize())

	out := make([]float32, d.OutputSize())
	// Second layer, second anchor, cell 0: entries start at 6 + 1*24
	base := 6 + 24
	out[base+4*4] = 0.8
	out[base+5*4] = 1

	candidates := d.Boxes(out, 40, 40, 0.5)
	require.Len(t, candidates, 1)
	assert.InDelta(t, 0.5, candidates[0].Box.W, 1e-6)
	assert.InDelta(t, 0.8, candidates[0].Probs[0], 1e-6)
}

func TestIoU(t *testing.T) {
	a := pipeline.Box{X: 0.5, Y: 0.5, W: 0.2, H: 0.2}
	assert.InDelta(t, 1.0, IoU(a, a), 1e-6)
	assert.Equal(t, float32(0), IoU(a, pipeline.Box{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}))

	// Half overlap horizontally: inter 0.02, union 0.06
	b := pipeline.Box{X: 0.6, Y: 0.5, W: 0.2, H: 0.2}
	assert.InDelta(t, 1.0/3.0, IoU(a, b), 1e-5)
}
