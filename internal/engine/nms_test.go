package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yolopipe/internal/pipeline"
)

func candidate(x, y, obj float32, probs ...float32) pipeline.Candidate {
	return pipeline.Candidate{
		Box:        pipeline.Box{X: x, Y: y, W: 0.2, H: 0.2},
		Objectness: obj,
		Probs:      probs,
		SortClass:  -1,
	}
}

func TestSuppressByObjectness(t *testing.T) {
	in := []pipeline.Candidate{
		candidate(0.5, 0.5, 0.6, 0.6, 0),
		candidate(0.51, 0.5, 0.9, 0, 0.9), // Same object, stronger, other class
		candidate(0.1, 0.1, 0.7, 0.7, 0),
		candidate(0.9, 0.9, 0, 0, 0),
	}

	out := SuppressByObjectness(in, 2, 0.4)
	require.Len(t, out, 2)
	assert.Equal(t, float32(0.9), out[0].Objectness)
	assert.Equal(t, float32(0.7), out[1].Objectness)

	// Inputs are not modified
	assert.Equal(t, float32(0.6), in[0].Probs[0])
}

func TestSuppressByClassKeepsOtherClasses(t *testing.T) {
	in := []pipeline.Candidate{
		candidate(0.5, 0.5, 0.6, 0.6, 0),
		candidate(0.51, 0.5, 0.9, 0, 0.9),
		candidate(0.52, 0.5, 0.5, 0.5, 0),
	}

	out := SuppressByClass(in, 2, 0.4)
	require.Len(t, out, 2)
	assert.Equal(t, float32(0.6), out[0].Probs[0])
	assert.Equal(t, float32(0.9), out[1].Probs[1])
}

func TestParseNMSKind(t *testing.T) {
	kind, err := ParseNMSKind("")
	require.NoError(t, err)
	assert.Equal(t, NMSObjectness, kind)

	kind, err = ParseNMSKind("sort")
	require.NoError(t, err)
	assert.Equal(t, NMSPerClass, kind)

	_, err = ParseNMSKind("greedy")
	assert.Error(t, err)
}
