package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"bestfocus/internal/config"
	"bestfocus/internal/resolve"
	"bestfocus/internal/selection"
	"bestfocus/internal/storage"
	"bestfocus/internal/tasks"
)

func TestRouterSelectUsesConfigDefaults(t *testing.T) {
	var got tasks.SelectRequest
	r := &router{
		log: slog.Default(),
		cfg: config.Default(),
		selectFn: func(ctx context.Context, req tasks.SelectRequest, log *slog.Logger) (tasks.SelectResult, error) {
			got = req
			return tasks.SelectResult{Stats: tasks.PlaneStats{Tiles: 4, Planes: 4}}, nil
		},
	}

	job := Job{
		ID:        "select-1",
		Type:      JobSelect,
		InputPath: "/raw",
		Output:    "/out",
		Options:   map[string]any{"report": "/raw/data.json"},
	}
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if got.ImageDir != "/raw" || got.OutputDir != "/out" || got.ReportPath != "/raw/data.json" {
		t.Fatalf("unexpected request %+v", got)
	}
	if _, ok := got.Policy.(selection.Best); !ok {
		t.Fatalf("expected best policy from config, got %T", got.Policy)
	}
	if got.Threshold != 3 || got.DryRun {
		t.Fatalf("threshold=%v dryRun=%v", got.Threshold, got.DryRun)
	}
	if res.Meta["tiles"] != 4 || res.Meta["policy"] != "best" {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
}

func TestRouterPlanOverridesFromJSONOptions(t *testing.T) {
	var got tasks.SelectRequest
	r := &router{
		log: slog.Default(),
		cfg: config.Default(),
		selectFn: func(ctx context.Context, req tasks.SelectRequest, log *slog.Logger) (tasks.SelectResult, error) {
			got = req
			return tasks.SelectResult{}, nil
		},
	}
	// numbers arrive as float64 when the job came in over HTTP
	job := Job{
		ID:   "plan-1",
		Type: JobPlan,
		Options: map[string]any{
			"policy":    "window",
			"above":     float64(2),
			"below":     float64(0),
			"threshold": 4.5,
			"workers":   float64(3),
		},
	}
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if !got.DryRun {
		t.Fatalf("plan jobs must not write images")
	}
	if diff := cmp.Diff(selection.Windowed{Above: 2, Below: 0}, got.Policy); diff != "" {
		t.Fatalf("policy (-want +got):\n%s", diff)
	}
	if got.Threshold != 4.5 || got.Workers != 3 {
		t.Fatalf("threshold=%v workers=%d", got.Threshold, got.Workers)
	}
}

func TestRouterChannelsRecordsOutputs(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer store.Close()

	var got tasks.ChannelRequest
	r := &router{
		log:   slog.Default(),
		cfg:   config.Default(),
		store: store,
		channelsFn: func(ctx context.Context, req tasks.ChannelRequest, log *slog.Logger) (tasks.ChannelResult, error) {
			got = req
			return tasks.ChannelResult{
				Plans: []resolve.ChannelPlan{
					{Cycle: 1, Local: 1, Name: "DAPI", Global: 1, Output: 1, Reference: true},
					{Cycle: 2, Local: 2, Name: "CD4", Global: 6, Output: 2},
				},
				ChannelDirs: map[int]string{1: "/out/CH001", 2: "/out/CH002"},
				Mappings: []resolve.Mapping{
					{OutputChannel: 1, Tile: 1}, {OutputChannel: 1, Tile: 2},
					{OutputChannel: 2, Tile: 1}, {OutputChannel: 2, Tile: 2},
				},
			}, nil
		},
	}

	job := Job{
		ID:     "channels-1",
		Type:   JobChannels,
		Output: "/out",
		Options: map[string]any{
			"cycles":     []any{"/raw/cyc001", "/raw/cyc002"},
			"report":     "/raw/data.json",
			"submission": "/raw/submission.json",
		},
	}
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if diff := cmp.Diff([]string{"/raw/cyc001", "/raw/cyc002"}, got.CycleDirs); diff != "" {
		t.Fatalf("cycles (-want +got):\n%s", diff)
	}
	if keep, ref := got.Rule.Include(1, 1, "DAPI"); !keep || !ref {
		t.Fatalf("reference channel should come from config")
	}
	if keep, _ := got.Rule.Include(1, 2, "Blank"); keep {
		t.Fatalf("Blank should be ignored")
	}

	recs, err := store.ChannelOutputs("channels-1")
	if err != nil {
		t.Fatalf("ChannelOutputs: %v", err)
	}
	if len(recs) != 2 || recs[1].Name != "CD4" || recs[1].GlobalChannel != 6 || recs[1].ImageCount != 2 {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestRouterRejectsUnknownPolicyAndType(t *testing.T) {
	r := &router{log: slog.Default(), cfg: config.Default()}
	res := r.Process(context.Background(), Job{ID: "x", Type: JobSelect, Options: map[string]any{"policy": "median"}})
	if res.Error == nil {
		t.Fatalf("expected error for unknown policy")
	}
	res = r.Process(context.Background(), Job{ID: "y", Type: "stitch"})
	if res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

type stubProcessor struct {
	err error
}

func (s stubProcessor) Process(ctx context.Context, job Job) Result {
	return Result{Job: job, Error: s.err, Meta: map[string]any{"tiles": 1}}
}

func TestPipelineRecordsAndBroadcasts(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer store.Close()

	p := NewWithProcessor(context.Background(), 1, slog.Default(), store, config.Default(), stubProcessor{err: errors.New("boom")})
	defer p.Stop()
	results, unsub := p.Subscribe()
	defer unsub()

	if err := p.Submit(Job{ID: "job-1", Type: JobSelect, InputPath: "/raw", Output: "/out"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case res := <-results:
		if res.Job.ID != "job-1" || res.Error == nil {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
	}

	rec, err := store.Job("job-1")
	if err != nil {
		t.Fatalf("store.Job: %v", err)
	}
	if rec.Status != "failed" || rec.Error != "boom" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

type blockingProcessor struct {
	started chan string
	release chan struct{}
}

func (b blockingProcessor) Process(ctx context.Context, job Job) Result {
	b.started <- job.ID
	<-b.release
	return Result{Job: job}
}

func TestPipelineRecordsRejectedJobs(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer store.Close()

	proc := blockingProcessor{started: make(chan string, 8), release: make(chan struct{})}
	p := NewWithProcessor(context.Background(), 1, slog.Default(), store, config.Default(), proc)
	defer p.Stop()
	defer close(proc.release)

	if err := p.Submit(Job{ID: "job-1", Type: JobSelect}); err != nil {
		t.Fatalf("Submit job-1: %v", err)
	}
	select {
	case <-proc.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker never picked up job-1")
	}

	// one worker busy, two queue slots
	for _, id := range []string{"job-2", "job-3"} {
		if err := p.Submit(Job{ID: id, Type: JobSelect}); err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
	}
	if err := p.Submit(Job{ID: "job-4", Type: JobSelect}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	rec, err := store.Job("job-4")
	if err != nil {
		t.Fatalf("store.Job: %v", err)
	}
	if rec.Status != "rejected" || rec.Error != ErrQueueFull.Error() {
		t.Fatalf("rejected job recorded as status=%q error=%q", rec.Status, rec.Error)
	}
	for _, id := range []string{"job-2", "job-3"} {
		rec, err := store.Job(id)
		if err != nil {
			t.Fatalf("store.Job(%s): %v", id, err)
		}
		if rec.Status != "queued" {
			t.Fatalf("%s status = %q, want queued", id, rec.Status)
		}
	}
}
