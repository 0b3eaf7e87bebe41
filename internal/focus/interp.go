package focus

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

type point struct {
	x, y float64
}

type triangle struct {
	a, b, c int
}

type edge struct {
	a, b int
}

// linearInterpolator interpolates scattered samples piecewise linearly over their
// Delaunay triangulation. Queries outside the convex hull have no value.
type linearInterpolator struct {
	pts    []point
	values []float64
	tris   []triangle
}

func newLinearInterpolator(pts []point, values []float64) *linearInterpolator {
	return &linearInterpolator{pts: pts, values: values, tris: triangulate(pts)}
}

// At returns the interpolated value at (x, y).
func (li *linearInterpolator) At(x, y float64) (float64, bool) {
	const eps = 1e-9
	for _, t := range li.tris {
		a, b, c := li.pts[t.a], li.pts[t.b], li.pts[t.c]
		if x < math.Min(a.x, math.Min(b.x, c.x))-eps || x > math.Max(a.x, math.Max(b.x, c.x))+eps ||
			y < math.Min(a.y, math.Min(b.y, c.y))-eps || y > math.Max(a.y, math.Max(b.y, c.y))+eps {
			continue
		}
		lambda, ok := barycentric(a, b, c, x, y)
		if !ok {
			continue
		}
		if lambda[0] < -eps || lambda[1] < -eps || lambda[2] < -eps {
			continue
		}
		return lambda[0]*li.values[t.a] + lambda[1]*li.values[t.b] + lambda[2]*li.values[t.c], true
	}
	return 0, false
}

// barycentric solves [a b c; 1 1 1] * l = [x y 1].
func barycentric(a, b, c point, x, y float64) ([3]float64, bool) {
	m := mat.NewDense(3, 3, []float64{
		a.x, b.x, c.x,
		a.y, b.y, c.y,
		1, 1, 1,
	})
	rhs := mat.NewVecDense(3, []float64{x, y, 1})
	var l mat.VecDense
	if err := l.SolveVec(m, rhs); err != nil {
		return [3]float64{}, false
	}
	return [3]float64{l.AtVec(0), l.AtVec(1), l.AtVec(2)}, true
}

// triangulate builds a Delaunay triangulation with the Bowyer-Watson algorithm.
// Grid coordinates are integers and the super triangle is placed on integer
// coordinates, so the orientation and in-circle predicates are exact for grids up to
// about two hundred cells per side.
func triangulate(pts []point) []triangle {
	n := len(pts)
	if n < 3 {
		return nil
	}

	minX, minY := pts[0].x, pts[0].y
	maxX, maxY := minX, minY
	for _, p := range pts[1:] {
		minX, maxX = math.Min(minX, p.x), math.Max(maxX, p.x)
		minY, maxY = math.Min(minY, p.y), math.Max(maxY, p.y)
	}
	span := math.Max(math.Max(maxX-minX, maxY-minY), 1)
	midX := math.Round((minX + maxX) / 2)
	midY := math.Round((minY + maxY) / 2)
	reach := 20 * span

	all := make([]point, n, n+3)
	copy(all, pts)
	all = append(all,
		point{midX - reach, midY - reach},
		point{midX + reach, midY - reach},
		point{midX, midY + reach},
	)
	super := triangle{n, n + 1, n + 2}
	tris := []triangle{ccw(all, super)}

	for i := 0; i < n; i++ {
		p := all[i]
		var bad []triangle
		keep := tris[:0:0]
		for _, t := range tris {
			if inCircumcircle(all, t, p) {
				bad = append(bad, t)
			} else {
				keep = append(keep, t)
			}
		}

		counts := make(map[edge]int, len(bad)*3)
		var order []edge
		for _, t := range bad {
			for _, e := range []edge{{t.a, t.b}, {t.b, t.c}, {t.c, t.a}} {
				k := normEdge(e)
				if counts[k] == 0 {
					order = append(order, k)
				}
				counts[k]++
			}
		}
		for _, e := range order {
			if counts[e] != 1 {
				continue
			}
			t := triangle{e.a, e.b, i}
			if orient(all[t.a], all[t.b], all[t.c]) == 0 {
				continue
			}
			keep = append(keep, ccw(all, t))
		}
		tris = keep
	}

	out := tris[:0]
	for _, t := range tris {
		if t.a >= n || t.b >= n || t.c >= n {
			continue
		}
		out = append(out, t)
	}
	return out
}

func normEdge(e edge) edge {
	if e.a > e.b {
		return edge{e.b, e.a}
	}
	return e
}

func orient(a, b, c point) float64 {
	return (b.x-a.x)*(c.y-a.y) - (b.y-a.y)*(c.x-a.x)
}

func ccw(pts []point, t triangle) triangle {
	if orient(pts[t.a], pts[t.b], pts[t.c]) < 0 {
		return triangle{t.a, t.c, t.b}
	}
	return t
}

// inCircumcircle reports whether p lies strictly inside the circumcircle of the
// counter-clockwise triangle t. Points on the circle are outside.
func inCircumcircle(pts []point, t triangle, p point) bool {
	a, b, c := pts[t.a], pts[t.b], pts[t.c]
	ax, ay := a.x-p.x, a.y-p.y
	bx, by := b.x-p.x, b.y-p.y
	cx, cy := c.x-p.x, c.y-p.y
	det := (ax*ax+ay*ay)*(bx*cy-cx*by) -
		(bx*bx+by*by)*(ax*cy-cx*ay) +
		(cx*cx+cy*cy)*(ax*by-bx*ay)
	return det > 0
}
