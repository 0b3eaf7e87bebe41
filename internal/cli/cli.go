package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"bestfocus/internal/config"
	"bestfocus/internal/pipeline"
	"bestfocus/internal/server"
	"bestfocus/internal/storage"
	"bestfocus/internal/tasks"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr, grpcAddr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

type waitFunc func(ctx context.Context, path string, log *slog.Logger) error

func defaultServe(ctx context.Context, addr, grpcAddr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	return server.Serve(ctx, addr, grpcAddr, store, pipe, log)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	waitFn   waitFunc
}

// NewRoot constructs the command backend shared by every subcommand.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		waitFn:   tasks.WaitForFile,
	}
}

// enqueueAndWait submits job and blocks until its result is broadcast.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// printSummary writes the counters of a finished job, then any planned mappings.
func printSummary(w io.Writer, res pipeline.Result) {
	meta := res.Meta
	fmt.Fprintf(w, "Job %s (%s)\n", res.Job.ID, res.Job.Type)
	if p, ok := meta["policy"]; ok {
		fmt.Fprintf(w, "  Policy:       %v\n", p)
	}
	fmt.Fprintf(w, "  Tiles:        %v\n", metaInt(meta, "tiles"))
	fmt.Fprintf(w, "  Planes:       %v\n", metaInt(meta, "planes"))
	fmt.Fprintf(w, "  Outliers:     %v (interpolated %v)\n", metaInt(meta, "outliers"), metaInt(meta, "interpolated"))
	if n := metaInt(meta, "clamped"); n > 0 {
		fmt.Fprintf(w, "  Clamped:      %d windows\n", n)
	}
	fmt.Fprintf(w, "  Mappings:     %v\n", metaInt(meta, "mappings"))

	if chans, ok := meta["channels"].([]map[string]any); ok && len(chans) > 0 {
		fmt.Fprintf(w, "  Channels:\n")
		for _, c := range chans {
			ref := ""
			if c["reference"] == true {
				ref = " (reference)"
			}
			fmt.Fprintf(w, "    CH%03d  cycle %v channel %v  %v%s\n", metaInt(c, "output"), c["cycle"], c["channel"], c["name"], ref)
		}
	}

	if plan, ok := meta["plan"].([]map[string]any); ok {
		sort.SliceStable(plan, func(i, j int) bool {
			return fmt.Sprint(plan[i]["output"]) < fmt.Sprint(plan[j]["output"])
		})
		for _, m := range plan {
			inputs, _ := m["inputs"].([]string)
			for i, in := range inputs {
				arrow := "  +"
				if i == 0 {
					arrow = "  "
				}
				fmt.Fprintf(w, "%s %s\n", arrow, in)
			}
			fmt.Fprintf(w, "    -> %v\n", m["output"])
		}
		return
	}
	fmt.Fprintf(w, "  Written:      %d copied, %d fused, %s\n",
		metaInt(meta, "copied"), metaInt(meta, "fused"), humanize.Bytes(uint64(metaInt64(meta, "bytes"))))
}

func metaInt(meta map[string]any, key string) int {
	return int(metaInt64(meta, key))
}

func metaInt64(meta map[string]any, key string) int64 {
	switch v := meta[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
