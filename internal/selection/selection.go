// Package selection picks the z-planes to keep for each tile once the best plane has
// been corrected.
package selection

import (
	"fmt"
	"sort"
)

// Defaults for the windowed and top-k policies.
const (
	DefaultAbove = 1
	DefaultBelow = 1
	DefaultK     = 3
)

// Input is what a policy sees for one tile. Plane indices are 0-based.
type Input struct {
	Tile   int
	BestZ  int
	Count  int
	Scores []float64
}

// Result lists the planes kept for a tile in ascending z order.
type Result struct {
	Tile    int
	Planes  []int
	Clamped bool
}

// Policy chooses planes for a single tile. Implementations must not depend on other
// tiles.
type Policy interface {
	Name() string
	Select(in Input) (Result, error)
}

// Best keeps only the corrected best plane.
type Best struct{}

func (Best) Name() string { return "best" }

func (Best) Select(in Input) (Result, error) {
	return Result{Tile: in.Tile, Planes: []int{in.BestZ}}, nil
}

// Windowed keeps Below planes under and Above planes over the best plane.
type Windowed struct {
	Above int
	Below int
}

func (w Windowed) Name() string { return "window" }

func (w Windowed) Select(in Input) (Result, error) {
	planes, clamped := Window(in.BestZ, in.Count, w.Above, w.Below)
	return Result{Tile: in.Tile, Planes: planes, Clamped: clamped}, nil
}

// TopScores keeps the K highest-scoring planes.
type TopScores struct {
	K int
}

func (p TopScores) Name() string { return "topk" }

func (p TopScores) Select(in Input) (Result, error) {
	if len(in.Scores) == 0 {
		return Result{}, fmt.Errorf("tile %d: no focus scores for top-k selection", in.Tile)
	}
	return Result{Tile: in.Tile, Planes: TopK(in.Scores, p.K)}, nil
}

// Window returns [best-below, best+above] clamped to [0, count-1]. Planes cut off at
// one edge are not moved to the other side. The bool reports whether clamping
// happened. A single-plane stack always yields [best].
func Window(best, count, above, below int) ([]int, bool) {
	if count <= 1 {
		return []int{best}, false
	}
	lo, hi := best-below, best+above
	clamped := false
	if lo < 0 {
		lo, clamped = 0, true
	}
	if hi > count-1 {
		hi, clamped = count-1, true
	}
	planes := make([]int, 0, hi-lo+1)
	for z := lo; z <= hi; z++ {
		planes = append(planes, z)
	}
	return planes, clamped
}

// TopK returns the indices of the k largest scores in ascending index order. Equal
// scores prefer the lower index.
func TopK(scores []float64, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return scores[idx[i]] > scores[idx[j]] })
	if k < len(idx) {
		idx = idx[:k]
	}
	sort.Ints(idx)
	return idx
}

// ParsePolicy maps a policy name to its implementation.
func ParsePolicy(name string, above, below, k int) (Policy, error) {
	switch name {
	case "", "best", "single":
		return Best{}, nil
	case "window", "windowed":
		if above < 0 || below < 0 {
			return nil, fmt.Errorf("window half-widths must be >= 0, got above=%d below=%d", above, below)
		}
		return Windowed{Above: above, Below: below}, nil
	case "topk", "top-k", "top":
		if k < 1 {
			return nil, fmt.Errorf("top-k needs k >= 1, got %d", k)
		}
		return TopScores{K: k}, nil
	default:
		return nil, fmt.Errorf("unknown selection policy: %s", name)
	}
}
