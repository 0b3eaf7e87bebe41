package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"bestfocus/internal/arrange"
	"bestfocus/internal/focus"
	"bestfocus/internal/resolve"
	"bestfocus/internal/selection"
)

// PlaneStats summarises correction and selection for one run.
type PlaneStats struct {
	Tiles        int
	Planes       int
	Clamped      int
	Outliers     int
	Interpolated int
}

// Meta renders the stats for job results.
func (s PlaneStats) Meta() map[string]any {
	return map[string]any{
		"tiles":        s.Tiles,
		"planes":       s.Planes,
		"clamped":      s.Clamped,
		"outliers":     s.Outliers,
		"interpolated": s.Interpolated,
	}
}

// choosePlanes corrects the best-plane grid, checks it against the listing and runs
// the policy per tile. The returned selection holds 1-based plane indices.
func choosePlanes(ctx context.Context, rep *focus.Report, a *arrange.Arrangement, policy selection.Policy, threshold float64, workers int, log *slog.Logger) (resolve.Selection, PlaneStats, error) {
	// the whole grid must be corrected before any tile is selected
	best, diag, err := focus.CorrectedBestZ(rep, threshold)
	if err != nil {
		return nil, PlaneStats{}, err
	}
	for _, p := range diag.Outliers {
		log.Debug("best z-plane outlier", "row", p.Row, "col", p.Col)
	}

	if err := resolve.CheckCoverage(a, rep.Tiles()); err != nil {
		return nil, PlaneStats{}, err
	}

	byTile := rep.ByTile()
	inputs := make([]selection.Input, 0, len(best))
	for tile, z := range best {
		e := byTile[tile]
		inputs = append(inputs, selection.Input{Tile: tile, BestZ: z, Count: len(e.Scores), Scores: e.Scores})
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Tile < inputs[j].Tile })

	results, sum, err := selection.SelectAll(ctx, policy, inputs, workers, log)
	if err != nil {
		return nil, PlaneStats{}, fmt.Errorf("select planes: %w", err)
	}

	sel := make(resolve.Selection, len(results))
	for tile, res := range results {
		planes := make([]int, len(res.Planes))
		for i, z := range res.Planes {
			planes[i] = z + 1
		}
		sel[tile] = planes
	}
	stats := PlaneStats{
		Tiles:        sum.Tiles,
		Planes:       sum.Planes,
		Clamped:      sum.Clamped,
		Outliers:     len(diag.Outliers),
		Interpolated: len(diag.Interpolated),
	}
	return sel, stats, nil
}
