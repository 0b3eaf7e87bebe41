package selection

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// OutOfRangeError reports a corrected best plane that the tile's stack does not have.
type OutOfRangeError struct {
	Tile  int
	BestZ int
	Count int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("tile %d: best z-plane %d outside stack of %d planes", e.Tile, e.BestZ+1, e.Count)
}

// WindowClampedWarning describes a window cut short at the edge of the stack. It is
// logged, never returned.
type WindowClampedWarning struct {
	Tile   int
	BestZ  int
	Count  int
	Planes []int
}

func (w WindowClampedWarning) log(l *slog.Logger) {
	l.Warn("plane window clamped at stack edge",
		"tile", w.Tile,
		"best_z", w.BestZ+1,
		"planes", w.Count,
		"kept", len(w.Planes),
	)
}

// Summary counts what a batch selection did.
type Summary struct {
	Tiles   int
	Planes  int
	Clamped int
}

// SelectAll runs policy over every input with at most workers goroutines. Tiles are
// independent, so the result does not depend on scheduling.
func SelectAll(ctx context.Context, policy Policy, inputs []Input, workers int, log *slog.Logger) (map[int]Result, Summary, error) {
	if log == nil {
		log = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}

	results := make([]Result, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, in := range inputs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if in.Count > 0 && (in.BestZ < 0 || in.BestZ >= in.Count) {
				return &OutOfRangeError{Tile: in.Tile, BestZ: in.BestZ, Count: in.Count}
			}
			res, err := policy.Select(in)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Summary{}, err
	}

	out := make(map[int]Result, len(results))
	sum := Summary{Tiles: len(results)}
	for i, res := range results {
		if res.Clamped {
			sum.Clamped++
			WindowClampedWarning{Tile: res.Tile, BestZ: inputs[i].BestZ, Count: inputs[i].Count, Planes: res.Planes}.log(log)
		}
		sum.Planes += len(res.Planes)
		out[res.Tile] = res
	}
	return out, sum, nil
}
