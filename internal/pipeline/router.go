package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"bestfocus/internal/config"
	"bestfocus/internal/imageio"
	"bestfocus/internal/logging"
	"bestfocus/internal/resolve"
	"bestfocus/internal/selection"
	"bestfocus/internal/storage"
	"bestfocus/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	store      *storage.Store
	cfg        *config.Config
	selectFn   selectFunc
	channelsFn channelsFunc
}

type selectFunc func(ctx context.Context, req tasks.SelectRequest, log *slog.Logger) (tasks.SelectResult, error)

type channelsFunc func(ctx context.Context, req tasks.ChannelRequest, log *slog.Logger) (tasks.ChannelResult, error)

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	return &router{
		log:        logger,
		store:      store,
		cfg:        cfg,
		selectFn:   tasks.SelectBestPlanes,
		channelsFn: tasks.ArrangeChannels,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobSelect:
		return r.handleSelect(ctx, job, false)
	case JobChannels:
		return r.handleChannels(ctx, job, false)
	case JobPlan:
		if getStringOption(job.Options, "layout") == "channels" {
			return r.handleChannels(ctx, job, true)
		}
		return r.handleSelect(ctx, job, true)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// settings merges job options over the configured selection defaults.
type settings struct {
	policy    selection.Policy
	threshold float64
	workers   int
	writer    imageio.Writer
}

func (r *router) settings(opts map[string]any) (settings, error) {
	sel := r.cfg.Selection
	name := getStringOption(opts, "policy")
	if name == "" {
		name = sel.Policy
	}
	policy, err := selection.ParsePolicy(name,
		getIntOption(opts, "above", sel.Above),
		getIntOption(opts, "below", sel.Below),
		getIntOption(opts, "k", sel.K),
	)
	if err != nil {
		return settings{}, err
	}
	backend := getStringOption(opts, "backend")
	if backend == "" {
		backend = r.cfg.Processing.Backend
	}
	writer, err := imageio.NewWriter(backend)
	if err != nil {
		return settings{}, err
	}
	threshold := sel.Threshold
	if v, ok := opts["threshold"].(float64); ok {
		threshold = v
	}
	return settings{
		policy:    policy,
		threshold: threshold,
		workers:   getIntOption(opts, "workers", r.cfg.Processing.Workers),
		writer:    writer,
	}, nil
}

func (r *router) handleSelect(ctx context.Context, job Job, dryRun bool) Result {
	st, err := r.settings(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	dryRun = dryRun || getBoolOption(job.Options, "dryRun")
	res, err := r.selectFn(ctx, tasks.SelectRequest{
		ImageDir:   job.InputPath,
		OutputDir:  job.Output,
		ReportPath: getStringOption(job.Options, "report"),
		Policy:     st.policy,
		Threshold:  st.threshold,
		Workers:    st.workers,
		Writer:     st.writer,
		DryRun:     dryRun,
	}, r.log)

	meta := res.Stats.Meta()
	meta["policy"] = st.policy.Name()
	meta["mappings"] = len(res.Mappings)
	meta["copied"] = res.Written.Copied
	meta["fused"] = res.Written.Fused
	meta["bytes"] = res.Written.Bytes
	if dryRun {
		meta["plan"] = planMeta(res.Mappings)
	} else {
		r.logWrite(job, res.Written, err)
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleChannels(ctx context.Context, job Job, dryRun bool) Result {
	st, err := r.settings(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	cycles := getStringsOption(job.Options, "cycles")
	if len(cycles) == 0 {
		cycles, err = tasks.DiscoverCycles(job.InputPath)
		if err != nil {
			return Result{Job: job, Error: err}
		}
	}
	dryRun = dryRun || getBoolOption(job.Options, "dryRun")
	ch := r.cfg.Channels
	rule := resolve.NewRule(ch.Ignored, resolve.Reference{Cycle: ch.Reference.Cycle, Local: ch.Reference.Channel, Name: ch.Reference.Name})

	res, err := r.channelsFn(ctx, tasks.ChannelRequest{
		CycleDirs:      cycles,
		OutputDir:      job.Output,
		ReportPath:     getStringOption(job.Options, "report"),
		SubmissionPath: getStringOption(job.Options, "submission"),
		Rule:           rule,
		Policy:         st.policy,
		Threshold:      st.threshold,
		Workers:        st.workers,
		Writer:         st.writer,
		DryRun:         dryRun,
	}, r.log)

	counts := make(map[int]int)
	for _, m := range res.Mappings {
		counts[m.OutputChannel]++
	}
	channels := make([]map[string]any, 0, len(res.Plans))
	records := make([]storage.ChannelOutputRecord, 0, len(res.Plans))
	for _, p := range res.Plans {
		dir := res.ChannelDirs[p.Output]
		channels = append(channels, map[string]any{
			"output":    p.Output,
			"cycle":     p.Cycle,
			"channel":   p.Local,
			"name":      p.Name,
			"dir":       dir,
			"reference": p.Reference,
		})
		records = append(records, storage.ChannelOutputRecord{
			JobID:         job.ID,
			OutputChannel: p.Output,
			Cycle:         p.Cycle,
			LocalChannel:  p.Local,
			GlobalChannel: p.Global,
			Name:          p.Name,
			Dir:           dir,
			Reference:     p.Reference,
			ImageCount:    counts[p.Output],
		})
	}
	if err == nil && r.store != nil && len(records) > 0 {
		if serr := r.store.RecordChannelOutputs(job.ID, records); serr != nil {
			r.log.Warn("failed to record channel outputs", "job", job.ID, "error", serr)
		}
	}

	meta := res.Stats.Meta()
	meta["policy"] = st.policy.Name()
	meta["cycles"] = len(cycles)
	meta["channels"] = channels
	meta["mappings"] = len(res.Mappings)
	meta["copied"] = res.Written.Copied
	meta["fused"] = res.Written.Fused
	meta["bytes"] = res.Written.Bytes
	if dryRun {
		meta["plan"] = planMeta(res.Mappings)
	} else {
		r.logWrite(job, res.Written, err)
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) logWrite(job Job, sum tasks.ExecSummary, err error) {
	status := "completed"
	if err != nil {
		status = "failed"
	}
	logging.LogProcessingStep(r.log, job.ID, "write", status, map[string]any{"summary": sum.String()})
}

// planMeta lists the resolved mappings of a dry run.
func planMeta(mappings []resolve.Mapping) []map[string]any {
	out := make([]map[string]any, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, map[string]any{"inputs": m.Inputs, "output": m.Output})
	}
	return out
}

// Helper functions to safely extract typed options from job.Options map. Options
// decoded from JSON carry numbers as float64 and lists as []any.
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getIntOption(options map[string]any, key string, def int) int {
	switch val := options[key].(type) {
	case int:
		return val
	case float64:
		return int(val)
	}
	return def
}

func getStringsOption(options map[string]any, key string) []string {
	switch val := options[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
