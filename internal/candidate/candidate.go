// Package candidate defines the raw detection primitive produced by recognizers
// and the deterministic merge applied before results leave a task.
package candidate

import (
	"math"
	"sort"

	"github.com/andresmejia3/spotter/internal/geom"
)

// Candidate is one raw detection.
type Candidate struct {
	ClassID int       `json:"class_id"`
	Score   float64   `json:"score"` // [0,1]
	Scale   float64   `json:"scale"`
	Label   string    `json:"label,omitempty"`
	Rect    geom.Rect `json:"rect"`
}

// SortByScore orders candidates by descending score. Equal scores keep their
// input order so the result is reproducible.
func SortByScore(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].Score > cs[j].Score
	})
}

// Merge collapses candidates whose rectangles overlap (IoU) by more than
// overlapThreshold. Each cluster becomes one candidate whose rectangle is the
// coordinate-wise mean of its members and whose score, class, label and scale
// come from its best member. The output is sorted by descending score.
//
// Passes repeat until no two survivors overlap above the threshold, so
// Merge(Merge(c, t), t) == Merge(c, t).
func Merge(cs []Candidate, overlapThreshold float64) []Candidate {
	if len(cs) == 0 {
		return []Candidate{}
	}

	out := make([]Candidate, len(cs))
	copy(out, cs)
	SortByScore(out)

	for {
		next, merged := mergePass(out, overlapThreshold)
		if !merged {
			return next
		}
		out = next
	}
}

// MergePerClass applies Merge within each ClassID separately, so hits of
// different elements never absorb one another.
func MergePerClass(cs []Candidate, overlapThreshold float64) []Candidate {
	byClass := map[int][]Candidate{}
	var classes []int
	for _, c := range cs {
		if _, ok := byClass[c.ClassID]; !ok {
			classes = append(classes, c.ClassID)
		}
		byClass[c.ClassID] = append(byClass[c.ClassID], c)
	}
	sort.Ints(classes)
	out := make([]Candidate, 0, len(cs))
	for _, id := range classes {
		out = append(out, Merge(byClass[id], overlapThreshold)...)
	}
	SortByScore(out)
	return out
}

// mergePass greedily clusters sorted candidates around the highest-scoring
// unassigned seed.
func mergePass(sorted []Candidate, t float64) ([]Candidate, bool) {
	assigned := make([]bool, len(sorted))
	out := make([]Candidate, 0, len(sorted))
	merged := false

	for i := range sorted {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		seed := sorted[i]
		members := []geom.Rect{seed.Rect}

		for j := i + 1; j < len(sorted); j++ {
			if assigned[j] {
				continue
			}
			if seed.Rect.IoU(sorted[j].Rect) > t {
				assigned[j] = true
				members = append(members, sorted[j].Rect)
			}
		}

		if len(members) > 1 {
			merged = true
			seed.Rect = meanRect(members)
		}
		out = append(out, seed)
	}

	SortByScore(out)
	return out, merged
}

func meanRect(rs []geom.Rect) geom.Rect {
	var x, y, w, h float64
	for _, r := range rs {
		x += float64(r.X)
		y += float64(r.Y)
		w += float64(r.W)
		h += float64(r.H)
	}
	n := float64(len(rs))
	return geom.Rect{
		X: int(math.Round(x / n)),
		Y: int(math.Round(y / n)),
		W: int(math.Round(w / n)),
		H: int(math.Round(h / n)),
	}
}

// Best returns the highest-scoring candidate.
func Best(cs []Candidate) (Candidate, bool) {
	if len(cs) == 0 {
		return Candidate{}, false
	}
	best := cs[0]
	for _, c := range cs[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	return best, true
}
