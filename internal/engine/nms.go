package engine

import (
	"fmt"
	"sort"

	"yolopipe/internal/pipeline"
)

// NMS kinds
const (
	NMSObjectness = "obj"  // One pass ordered by objectness, suppresses across classes
	NMSPerClass   = "sort" // One pass per class ordered by that class probability
)

// ParseNMSKind validates an NMS kind, defaulting to NMSObjectness
func ParseNMSKind(kind string) (string, error) {
	switch kind {
	case "", NMSObjectness:
		return NMSObjectness, nil
	case NMSPerClass:
		return NMSPerClass, nil
	default:
		return "", fmt.Errorf("unknown nms kind %q", kind)
	}
}

func overlap(x1, w1, x2, w2 float32) float32 {
	left := max(x1-w1/2, x2-w2/2)
	right := min(x1+w1/2, x2+w2/2)
	return right - left
}

// IoU returns the intersection over union of two center-based boxes
func IoU(a, b pipeline.Box) float32 {
	w := overlap(a.X, a.W, b.X, b.W)
	h := overlap(a.Y, a.H, b.Y, b.H)
	var inter float32
	if w > 0 && h > 0 {
		inter = w * h
	}
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clearProbs(c pipeline.Candidate) {
	for k := range c.Probs {
		c.Probs[k] = 0
	}
}

// SuppressByObjectness orders candidates by objectness and removes every
// candidate overlapping a stronger one by more than threshold, whatever its
// class. Candidates with zero objectness are dropped.
func SuppressByObjectness(candidates []pipeline.Candidate, classes int, threshold float32) []pipeline.Candidate {
	live := make([]pipeline.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Objectness > 0 {
			c.SortClass = -1
			c.Probs = append([]float32(nil), c.Probs...)
			live = append(live, c)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].Objectness > live[j].Objectness
	})

	for i := range live {
		if live[i].Objectness == 0 {
			continue
		}
		for j := i + 1; j < len(live); j++ {
			if live[j].Objectness == 0 {
				continue
			}
			if IoU(live[i].Box, live[j].Box) > threshold {
				live[j].Objectness = 0
				clearProbs(live[j])
			}
		}
	}

	out := live[:0]
	for _, c := range live {
		if c.Objectness > 0 {
			out = append(out, c)
		}
	}
	return out
}

// SuppressByClass runs suppression independently for each class: within a
// class, a candidate's probability is zeroed when it overlaps a stronger
// candidate of that class. Candidates with no probability left are dropped.
func SuppressByClass(candidates []pipeline.Candidate, classes int, threshold float32) []pipeline.Candidate {
	live := make([]pipeline.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Objectness > 0 {
			c.Probs = append([]float32(nil), c.Probs...)
			live = append(live, c)
		}
	}

	order := make([]int, len(live))
	for k := 0; k < classes; k++ {
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return classProb(live[order[a]], k) > classProb(live[order[b]], k)
		})

		for oi, i := range order {
			if classProb(live[i], k) == 0 {
				continue
			}
			for _, j := range order[oi+1:] {
				if IoU(live[i].Box, live[j].Box) > threshold && k < len(live[j].Probs) {
					live[j].Probs[k] = 0
				}
			}
		}
	}

	out := live[:0]
	for _, c := range live {
		for _, p := range c.Probs {
			if p > 0 {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func classProb(c pipeline.Candidate, k int) float32 {
	if k < len(c.Probs) {
		return c.Probs[k]
	}
	return 0
}
