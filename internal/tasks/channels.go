package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"bestfocus/internal/arrange"
	"bestfocus/internal/focus"
	"bestfocus/internal/fsutil"
	"bestfocus/internal/imageio"
	"bestfocus/internal/resolve"
	"bestfocus/internal/selection"
)

// ChannelRequest describes a multi-cycle run that lays kept channels out one folder
// per output channel.
type ChannelRequest struct {
	CycleDirs      []string
	OutputDir      string
	ReportPath     string
	SubmissionPath string
	Rule           resolve.ChannelRule
	Policy         selection.Policy
	Threshold      float64
	Workers        int
	Writer         imageio.Writer
	DryRun         bool
}

// ChannelResult is what a channel run produced.
type ChannelResult struct {
	Plans       []resolve.ChannelPlan
	ChannelDirs map[int]string
	Mappings    []resolve.Mapping
	Stats       PlaneStats
	Written     ExecSummary
}

// ArrangeChannels selects planes for every cycle and copies or fuses them into
// OutputDir/CHnnn. Ignored channels are skipped and do not take an output number.
func ArrangeChannels(ctx context.Context, req ChannelRequest, log *slog.Logger) (ChannelResult, error) {
	if log == nil {
		log = slog.Default()
	}
	sreq := SelectRequest{Policy: req.Policy, Threshold: req.Threshold, Workers: req.Workers, Writer: req.Writer}
	sreq.defaults()
	if req.Rule.Ignored == nil {
		req.Rule = resolve.DefaultRule()
	}

	sub, err := LoadSubmission(req.SubmissionPath)
	if err != nil {
		return ChannelResult{}, err
	}
	names, err := resolve.PartitionChannelNames(sub.Names(), sub.NumChannels)
	if err != nil {
		return ChannelResult{}, err
	}
	rep, err := focus.LoadReport(req.ReportPath)
	if err != nil {
		return ChannelResult{}, err
	}
	grid, _ := focus.BuildGrid(rep)
	sub.logGridWarnings(log, grid, len(rep.Entries))

	a, err := arrange.ArrangeCycles(req.CycleDirs)
	if err != nil {
		return ChannelResult{}, err
	}
	log.Info("cycles arranged", "cycles", len(a.Cycles()), "images", a.Len())

	sel, stats, err := choosePlanes(ctx, rep, a, sreq.Policy, sreq.Threshold, sreq.Workers, log)
	if err != nil {
		return ChannelResult{}, err
	}
	plans, err := resolve.PlanChannels(a, names, req.Rule, sub.NumChannels)
	if err != nil {
		return ChannelResult{}, err
	}
	for _, p := range plans {
		log.Info("channel kept", "cycle", p.Cycle, "channel", p.Local, "name", p.Name, "output", fmt.Sprintf("CH%03d", p.Output), "reference", p.Reference)
	}
	mappings, err := resolve.ByChannel(ctx, a, sel, plans, req.OutputDir, sreq.Workers)
	if err != nil {
		return ChannelResult{}, err
	}

	dirs := make(map[int]string, len(plans))
	for _, p := range plans {
		dirs[p.Output] = resolve.ChannelDir(req.OutputDir, p.Output)
	}
	res := ChannelResult{Plans: plans, ChannelDirs: dirs, Mappings: mappings, Stats: stats}
	if req.DryRun {
		return res, nil
	}

	res.Written, err = Execute(ctx, mappings, sreq.Writer, sreq.Workers, log)
	if err != nil {
		return res, fmt.Errorf("write channel planes: %w", err)
	}
	return res, nil
}

// DiscoverCycles returns the subdirectories of root in natural order, one per cycle.
func DiscoverCycles(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no cycle directories under %s", root)
	}
	fsutil.SortNatural(names)
	dirs := make([]string, len(names))
	for i, n := range names {
		dirs[i] = filepath.Join(root, n)
	}
	return dirs, nil
}
