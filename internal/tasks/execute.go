package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"bestfocus/internal/fsutil"
	"bestfocus/internal/imageio"
	"bestfocus/internal/resolve"
)

// ExecSummary counts the files an execution wrote.
type ExecSummary struct {
	Copied int
	Fused  int
	Bytes  int64
}

func (s ExecSummary) String() string {
	return fmt.Sprintf("%d copied, %d fused, %s written", s.Copied, s.Fused, humanize.Bytes(uint64(s.Bytes)))
}

// Execute writes every mapping with w. All output directories are created before the
// first image is written.
func Execute(ctx context.Context, mappings []resolve.Mapping, w imageio.Writer, workers int, log *slog.Logger) (ExecSummary, error) {
	if log == nil {
		log = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	for _, dir := range resolve.Dirs(mappings) {
		if err := fsutil.EnsureDir(dir); err != nil {
			return ExecSummary{}, fmt.Errorf("create output directory: %w", err)
		}
	}

	var copied, fused, written atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, m := range mappings {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if m.Fused() {
				if err := w.Fuse(m.Inputs, m.Output); err != nil {
					return fmt.Errorf("fuse tile %d: %w", m.Tile, err)
				}
				fused.Add(1)
			} else {
				if err := w.Copy(m.Inputs[0], m.Output); err != nil {
					return fmt.Errorf("copy tile %d: %w", m.Tile, err)
				}
				copied.Add(1)
			}
			if info, err := os.Stat(m.Output); err == nil {
				written.Add(info.Size())
			}
			return nil
		})
	}
	err := g.Wait()
	sum := ExecSummary{Copied: int(copied.Load()), Fused: int(fused.Load()), Bytes: written.Load()}
	if err != nil {
		return sum, err
	}
	log.Info("images written", "copied", sum.Copied, "fused", sum.Fused, "size", humanize.Bytes(uint64(sum.Bytes)))
	return sum, nil
}
