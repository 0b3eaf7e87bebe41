package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"bestfocus/internal/arrange"
	"bestfocus/internal/focus"
	"bestfocus/internal/imageio"
	"bestfocus/internal/resolve"
	"bestfocus/internal/selection"
)

// SelectRequest describes a single-cycle best-focus run.
type SelectRequest struct {
	ImageDir   string
	OutputDir  string
	ReportPath string
	Policy     selection.Policy
	Threshold  float64 // used as given; 0 flags any two-axis change
	Workers    int
	Writer     imageio.Writer
	DryRun     bool
}

// SelectResult is what a best-focus run produced.
type SelectResult struct {
	Mappings []resolve.Mapping
	Stats    PlaneStats
	Written  ExecSummary
}

// SelectBestPlanes picks the in-focus planes of one image directory and writes them
// flat into OutputDir with z rewritten to 1.
func SelectBestPlanes(ctx context.Context, req SelectRequest, log *slog.Logger) (SelectResult, error) {
	if log == nil {
		log = slog.Default()
	}
	req.defaults()

	rep, err := focus.LoadReport(req.ReportPath)
	if err != nil {
		return SelectResult{}, err
	}
	a, err := arrange.Arrange(req.ImageDir)
	if err != nil {
		return SelectResult{}, err
	}
	log.Info("listing arranged", "dir", req.ImageDir, "images", a.Len(), "tiles", len(a.AllTiles()))

	sel, stats, err := choosePlanes(ctx, rep, a, req.Policy, req.Threshold, req.Workers, log)
	if err != nil {
		return SelectResult{}, err
	}
	mappings, err := resolve.Flat(ctx, a, sel, req.OutputDir, req.Workers)
	if err != nil {
		return SelectResult{}, err
	}
	res := SelectResult{Mappings: mappings, Stats: stats}
	if req.DryRun {
		return res, nil
	}

	res.Written, err = Execute(ctx, mappings, req.Writer, req.Workers, log)
	if err != nil {
		return res, fmt.Errorf("write best planes: %w", err)
	}
	return res, nil
}

func (req *SelectRequest) defaults() {
	if req.Policy == nil {
		req.Policy = selection.Best{}
	}
	if req.Workers < 1 {
		req.Workers = 1
	}
	if req.Writer == nil {
		req.Writer = imageio.NativeWriter{}
	}
}
