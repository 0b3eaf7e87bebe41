package focus

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// DefaultThreshold is the plane distance both grid differences must exceed for a cell
// to be treated as an outlier.
const DefaultThreshold = 3.0

// Position is a tile grid cell.
type Position struct {
	Row int
	Col int
}

// Grid is a dense row-major grid of best-z values; NaN marks a missing cell.
type Grid struct {
	Rows  int
	Cols  int
	cells []float64
}

// NewGrid returns a grid with every cell missing.
func NewGrid(rows, cols int) *Grid {
	g := &Grid{Rows: rows, Cols: cols, cells: make([]float64, rows*cols)}
	for i := range g.cells {
		g.cells[i] = math.NaN()
	}
	return g
}

// At returns the value at (row, col).
func (g *Grid) At(row, col int) float64 { return g.cells[row*g.Cols+col] }

// Set stores v at (row, col).
func (g *Grid) Set(row, col int, v float64) { g.cells[row*g.Cols+col] = v }

// Missing reports whether a cell has no value.
func (g *Grid) Missing(row, col int) bool { return math.IsNaN(g.At(row, col)) }

// Clone returns an independent copy.
func (g *Grid) Clone() *Grid {
	out := &Grid{Rows: g.Rows, Cols: g.Cols, cells: make([]float64, len(g.cells))}
	copy(out.cells, g.cells)
	return out
}

// BuildGrid places every report entry's best z at its grid position. The grid spans
// (max row + 1) x (max col + 1); cells with no tile stay missing.
func BuildGrid(rep *Report) (*Grid, map[int]Position) {
	rows, cols := 0, 0
	for _, e := range rep.Entries {
		rows = max(rows, e.TileY+1)
		cols = max(cols, e.TileX+1)
	}
	g := NewGrid(rows, cols)
	positions := make(map[int]Position, len(rep.Entries))
	for _, e := range rep.Entries {
		g.Set(e.TileY, e.TileX, float64(e.BestZ))
		positions[e.Tile()] = e.Position()
	}
	return g, positions
}

// Diagnostics lists what the correction changed.
type Diagnostics struct {
	Outliers     []Position
	Interpolated []Position
	Unfilled     []Position
}

// Correct flags cells whose forward differences along both axes exceed threshold,
// then refills outliers and missing cells by linear interpolation over the remaining
// cells. The input grid is not modified.
func Correct(g *Grid, threshold float64) (*Grid, Diagnostics) {
	var diag Diagnostics
	h := diffAlongCols(g)
	v := diffAlongRows(g)

	out := g.Clone()
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			// NaN differences never compare greater, so missing neighbours don't flag.
			if h.At(r, c) > threshold && v.At(r, c) > threshold {
				out.Set(r, c, math.NaN())
				diag.Outliers = append(diag.Outliers, Position{Row: r, Col: c})
			}
		}
	}

	fill(out, &diag)
	return out, diag
}

// diffAlongCols is |G[r][c+1] - G[r][c]|. The last column repeats the last valid
// difference of its row, taken against the nearest present cell before it.
func diffAlongCols(g *Grid) *Grid {
	d := NewGrid(g.Rows, g.Cols)
	for r := 0; r < g.Rows; r++ {
		if g.Cols == 1 {
			d.Set(r, 0, 0)
			continue
		}
		for c := 0; c < g.Cols-1; c++ {
			d.Set(r, c, math.Abs(g.At(r, c+1)-g.At(r, c)))
		}
		last := g.Cols - 1
		for c := last - 1; c >= 0; c-- {
			if !g.Missing(r, c) {
				d.Set(r, last, math.Abs(g.At(r, last)-g.At(r, c)))
				break
			}
		}
	}
	return d
}

// diffAlongRows is |G[r+1][c] - G[r][c]|. The last row repeats the last valid
// difference of its column, taken against the nearest present cell above it.
func diffAlongRows(g *Grid) *Grid {
	d := NewGrid(g.Rows, g.Cols)
	for c := 0; c < g.Cols; c++ {
		if g.Rows == 1 {
			d.Set(0, c, 0)
			continue
		}
		for r := 0; r < g.Rows-1; r++ {
			d.Set(r, c, math.Abs(g.At(r+1, c)-g.At(r, c)))
		}
		last := g.Rows - 1
		for r := last - 1; r >= 0; r-- {
			if !g.Missing(r, c) {
				d.Set(last, c, math.Abs(g.At(last, c)-g.At(r, c)))
				break
			}
		}
	}
	return d
}

func fill(g *Grid, diag *Diagnostics) {
	var known []point
	var values []float64
	var holes []Position
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			if g.Missing(r, c) {
				holes = append(holes, Position{Row: r, Col: c})
				continue
			}
			known = append(known, point{x: float64(c), y: float64(r)})
			values = append(values, g.At(r, c))
		}
	}
	if len(holes) == 0 {
		return
	}

	interp := newLinearInterpolator(known, values)
	for _, p := range holes {
		v, ok := interp.At(float64(p.Col), float64(p.Row))
		if !ok {
			diag.Unfilled = append(diag.Unfilled, p)
			continue
		}
		g.Set(p.Row, p.Col, math.Round(v))
		diag.Interpolated = append(diag.Interpolated, p)
	}
}

// CellFailure names a tile whose grid cell could not be interpolated.
type CellFailure struct {
	Tile     int
	Position Position
}

// InterpolationFailureError lists every tile left without a corrected value.
type InterpolationFailureError struct {
	Cells []CellFailure
}

func (e *InterpolationFailureError) Error() string {
	parts := make([]string, 0, len(e.Cells))
	for _, c := range e.Cells {
		parts = append(parts, fmt.Sprintf("tile %d at (%d,%d)", c.Tile, c.Position.Row, c.Position.Col))
	}
	return "cannot interpolate best z-plane for " + strings.Join(parts, ", ")
}

// CorrectedBestZ returns tile -> corrected 0-based best z-plane.
func CorrectedBestZ(rep *Report, threshold float64) (map[int]int, Diagnostics, error) {
	g, positions := BuildGrid(rep)
	corrected, diag := Correct(g, threshold)

	out := make(map[int]int, len(positions))
	var failed []CellFailure
	for tile, p := range positions {
		v := corrected.At(p.Row, p.Col)
		if math.IsNaN(v) {
			failed = append(failed, CellFailure{Tile: tile, Position: p})
			continue
		}
		out[tile] = int(v)
	}
	if len(failed) > 0 {
		sort.Slice(failed, func(i, j int) bool { return failed[i].Tile < failed[j].Tile })
		return nil, diag, &InterpolationFailureError{Cells: failed}
	}
	return out, diag, nil
}
