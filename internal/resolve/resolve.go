package resolve

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"bestfocus/internal/arrange"
	"bestfocus/internal/tilename"
)

// Selection maps a tile to the 1-based z-planes chosen for it.
type Selection map[int][]int

// Mapping is one output image and the raw planes it is made from.
type Mapping struct {
	Inputs        []string
	Output        string
	Cycle         int
	Channel       int
	OutputChannel int
	Tile          int
}

// Fused reports whether the output is a projection of several planes.
func (m Mapping) Fused() bool { return len(m.Inputs) > 1 }

// TileRef names one tile of one cycle and channel.
type TileRef struct {
	Cycle   int
	Channel int
	Tile    int
}

// MissingFocusReportEntryError lists every tile of the listing that has no selection
// and every selected tile absent from the listing.
type MissingFocusReportEntryError struct {
	Unselected []TileRef
	Unlisted   []int
}

func (e *MissingFocusReportEntryError) Error() string {
	var parts []string
	if n := len(e.Unselected); n > 0 {
		r := e.Unselected[0]
		parts = append(parts, fmt.Sprintf("%d listed tiles have no focus entry (first: cycle %d channel %d tile %d)", n, r.Cycle, r.Channel, r.Tile))
	}
	if n := len(e.Unlisted); n > 0 {
		parts = append(parts, fmt.Sprintf("%d focus entries have no listed tile (first: tile %d)", n, e.Unlisted[0]))
	}
	return "focus report does not match listing: " + strings.Join(parts, "; ")
}

// MissingPlaneError lists selected z-planes that are not on disk.
type MissingPlaneError struct {
	Planes []arrange.Key
}

func (e *MissingPlaneError) Error() string {
	k := e.Planes[0]
	return fmt.Sprintf("%d selected planes missing on disk (first: cycle %d channel %d tile %d z %d)", len(e.Planes), k.Cycle, k.Channel, k.Tile, k.ZPlane)
}

// OutputCollisionError reports two mappings writing the same output path.
type OutputCollisionError struct {
	Output string
	First  []string
	Second []string
}

func (e *OutputCollisionError) Error() string {
	return fmt.Sprintf("output %s produced by both %s and %s", e.Output, e.First[0], e.Second[0])
}

// CheckCoverage compares the listing tiles against the tiles of the focus report and
// gathers every mismatch into one error.
func CheckCoverage(a *arrange.Arrangement, reported []int) error {
	var miss MissingFocusReportEntryError
	have := make(map[int]struct{}, len(reported))
	for _, tile := range reported {
		have[tile] = struct{}{}
	}
	listed := make(map[int]struct{})
	for _, cycle := range a.Cycles() {
		for _, ch := range a.Channels(cycle) {
			for _, tile := range a.Tiles(cycle, ch) {
				listed[tile] = struct{}{}
				if _, ok := have[tile]; !ok {
					miss.Unselected = append(miss.Unselected, TileRef{Cycle: cycle, Channel: ch, Tile: tile})
				}
			}
		}
	}
	for tile := range have {
		if _, ok := listed[tile]; !ok {
			miss.Unlisted = append(miss.Unlisted, tile)
		}
	}
	sort.Ints(miss.Unlisted)
	if len(miss.Unselected) > 0 || len(miss.Unlisted) > 0 {
		return &miss
	}
	return nil
}

// ChannelDir returns the output folder of an output channel.
func ChannelDir(outRoot string, output int) string {
	return filepath.Join(outRoot, fmt.Sprintf("CH%03d", output))
}

type job struct {
	cycle   int
	channel int
	output  int
	dir     string
}

type jobResult struct {
	mappings   []Mapping
	unselected []TileRef
	missing    []arrange.Key
}

// Flat lays every channel of every cycle directly under outRoot with z rewritten to 1
// and the channel number kept.
func Flat(ctx context.Context, a *arrange.Arrangement, sel Selection, outRoot string, workers int) ([]Mapping, error) {
	var jobs []job
	for _, cycle := range a.Cycles() {
		for _, ch := range a.Channels(cycle) {
			jobs = append(jobs, job{cycle: cycle, channel: ch, dir: outRoot})
		}
	}
	return run(ctx, a, sel, jobs, workers)
}

// ByChannel lays each planned channel under outRoot/CHnnn with the channel number
// rewritten to its output id.
func ByChannel(ctx context.Context, a *arrange.Arrangement, sel Selection, plans []ChannelPlan, outRoot string, workers int) ([]Mapping, error) {
	jobs := make([]job, 0, len(plans))
	for _, p := range plans {
		jobs = append(jobs, job{cycle: p.Cycle, channel: p.Local, output: p.Output, dir: ChannelDir(outRoot, p.Output)})
	}
	return run(ctx, a, sel, jobs, workers)
}

func run(ctx context.Context, a *arrange.Arrangement, sel Selection, jobs []job, workers int) ([]Mapping, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]jobResult, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, j := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = resolveChannel(a, sel, j)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		mappings []Mapping
		miss     MissingFocusReportEntryError
		planes   MissingPlaneError
	)
	for _, r := range results {
		mappings = append(mappings, r.mappings...)
		miss.Unselected = append(miss.Unselected, r.unselected...)
		planes.Planes = append(planes.Planes, r.missing...)
	}
	if len(miss.Unselected) > 0 {
		return nil, &miss
	}
	if len(planes.Planes) > 0 {
		return nil, &planes
	}
	if err := checkCollisions(mappings); err != nil {
		return nil, err
	}
	return mappings, nil
}

func resolveChannel(a *arrange.Arrangement, sel Selection, j job) jobResult {
	var res jobResult
	for _, tile := range a.Tiles(j.cycle, j.channel) {
		planes, ok := sel[tile]
		if !ok {
			res.unselected = append(res.unselected, TileRef{Cycle: j.cycle, Channel: j.channel, Tile: tile})
			continue
		}
		m := Mapping{Cycle: j.cycle, Channel: j.channel, OutputChannel: j.output, Tile: tile}
		complete := true
		for _, z := range planes {
			k := arrange.Key{Cycle: j.cycle, Channel: j.channel, Tile: tile, ZPlane: z}
			path, ok := a.Path(k)
			if !ok {
				res.missing = append(res.missing, k)
				complete = false
				continue
			}
			m.Inputs = append(m.Inputs, path)
		}
		if !complete || len(m.Inputs) == 0 {
			continue
		}
		// the output takes its name from the first chosen plane
		name := tilename.RewriteForOutput(filepath.Base(m.Inputs[0]), 1, j.output)
		m.Output = filepath.Join(j.dir, name)
		res.mappings = append(res.mappings, m)
	}
	return res
}

func checkCollisions(mappings []Mapping) error {
	seen := make(map[string]int, len(mappings))
	for i, m := range mappings {
		if prev, ok := seen[m.Output]; ok {
			return &OutputCollisionError{Output: m.Output, First: mappings[prev].Inputs, Second: m.Inputs}
		}
		seen[m.Output] = i
	}
	return nil
}

// Dirs returns the distinct parent directories of the mapping outputs, sorted.
func Dirs(mappings []Mapping) []string {
	set := make(map[string]struct{})
	for _, m := range mappings {
		set[filepath.Dir(m.Output)] = struct{}{}
	}
	dirs := make([]string, 0, len(set))
	for d := range set {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}
