package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"bestfocus/internal/config"
	"bestfocus/internal/fsutil"
	"bestfocus/internal/pipeline"
	"bestfocus/internal/storage"

	"github.com/spf13/cobra"
)

// Version is reported by the version command.
var Version = "v0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bestfocus",
		Short: "bestfocus picks in-focus z-planes and lays them out for stitching",
		Long: `bestfocus reads a per-tile focus report, corrects outlying best planes against
their neighbours, selects one or more z-planes per tile and copies (or projects) them
into the layout a stitcher expects: flat for a single cycle, one folder per channel
for a multi-cycle experiment.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newSelectCmd(root))
	rootCmd.AddCommand(newChannelsCmd(root))
	rootCmd.AddCommand(newPlanCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// selectionFlags are the plane-selection options shared by the processing commands.
type selectionFlags struct {
	report    string
	output    string
	policy    string
	threshold float64
	above     int
	below     int
	k         int
	workers   int
	backend   string
}

func (f *selectionFlags) bind(cmd *cobra.Command, cfg *config.Config) {
	sel := cfg.Selection
	cmd.Flags().StringVar(&f.report, "report", "", "focus report JSON (default: <input>/best_focus.json)")
	cmd.Flags().StringVarP(&f.output, "output", "o", cfg.Paths.DefaultOutput, "output directory")
	cmd.Flags().StringVar(&f.policy, "policy", sel.Policy, "plane policy (best|window|topk)")
	cmd.Flags().Float64Var(&f.threshold, "threshold", sel.Threshold, "outlier threshold in planes")
	cmd.Flags().IntVar(&f.above, "above", sel.Above, "planes above the best plane (window policy)")
	cmd.Flags().IntVar(&f.below, "below", sel.Below, "planes below the best plane (window policy)")
	cmd.Flags().IntVar(&f.k, "k", sel.K, "number of top-scoring planes (topk policy)")
	cmd.Flags().IntVar(&f.workers, "workers", cfg.Processing.Workers, "parallel copy/projection workers")
	cmd.Flags().StringVar(&f.backend, "backend", cfg.Processing.Backend, "image writer backend")
}

func (f *selectionFlags) options(input string) map[string]any {
	report := f.report
	if report == "" {
		report = filepath.Join(input, defaultReportName)
	}
	return map[string]any{
		"report":    report,
		"policy":    f.policy,
		"threshold": f.threshold,
		"above":     f.above,
		"below":     f.below,
		"k":         f.k,
		"workers":   f.workers,
		"backend":   f.backend,
		"source":    "cli",
	}
}

const defaultReportName = "best_focus.json"

func newSelectCmd(root *Root) *cobra.Command {
	var (
		flags  selectionFlags
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "select <image_directory>",
		Short: "Copy the best z-planes of one image directory",
		Long: `Select the in-focus planes of every tile in one directory and write them flat
into the output directory, renamed to Z001 with their channel number kept.

Examples:
  bestfocus select /data/raw --report /data/best_focus.json -o /data/best
  bestfocus select /data/raw --policy window --above 1 --below 1 -o /data/proj`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			opts := flags.options(input)
			opts["dryRun"] = dryRun
			job := pipeline.Job{
				ID:        newID("sel"),
				Type:      pipeline.JobSelect,
				InputPath: input,
				Output:    flags.output,
				Options:   opts,
			}
			return root.runJob(cmd, job)
		},
	}
	flags.bind(cmd, root.cfg)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve the mapping without writing images")
	return cmd
}

func newChannelsCmd(root *Root) *cobra.Command {
	var (
		flags      selectionFlags
		cycles     []string
		submission string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "channels <experiment_directory>",
		Short: "Lay the best planes of every cycle out one folder per channel",
		Long: `Arrange a multi-cycle experiment into CH<nnn> folders, one per kept channel.
Cycle directories are discovered under the experiment directory (Cyc1, Cyc2, ...)
unless given with --cycle. Channel names come from the submission file.

Examples:
  bestfocus channels /data/exp --submission /data/exp/experiment.json -o /data/exp/channels
  bestfocus channels /data/exp --cycle /data/exp/Cyc1 --cycle /data/exp/Cyc2 --submission s.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			opts := flags.options(input)
			opts["submission"] = submissionPath(input, submission)
			opts["dryRun"] = dryRun
			if len(cycles) > 0 {
				sorted := append([]string(nil), cycles...)
				fsutil.SortNatural(sorted)
				opts["cycles"] = sorted
			}
			job := pipeline.Job{
				ID:        newID("ch"),
				Type:      pipeline.JobChannels,
				InputPath: input,
				Output:    flags.output,
				Options:   opts,
			}
			return root.runJob(cmd, job)
		},
	}
	flags.bind(cmd, root.cfg)
	cmd.Flags().StringSliceVar(&cycles, "cycle", nil, "cycle directory (repeatable; default: discover under input)")
	cmd.Flags().StringVar(&submission, "submission", "", "experiment submission JSON (default: <input>/experiment.json)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve the mapping without writing images")
	return cmd
}

func newPlanCmd(root *Root) *cobra.Command {
	var (
		flags      selectionFlags
		layout     string
		submission string
	)

	cmd := &cobra.Command{
		Use:   "plan <directory>",
		Short: "Print the input to output mapping without writing images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			opts := flags.options(input)
			switch layout {
			case "flat":
			case "channels":
				opts["submission"] = submissionPath(input, submission)
			default:
				return fmt.Errorf("unknown layout %q (flat|channels)", layout)
			}
			opts["layout"] = layout
			job := pipeline.Job{
				ID:        newID("plan"),
				Type:      pipeline.JobPlan,
				InputPath: input,
				Output:    flags.output,
				Options:   opts,
			}
			return root.runJob(cmd, job)
		},
	}
	flags.bind(cmd, root.cfg)
	cmd.Flags().StringVar(&layout, "layout", "flat", "output layout (flat|channels)")
	cmd.Flags().StringVar(&submission, "submission", "", "experiment submission JSON for the channels layout")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		flags      selectionFlags
		layout     string
		submission string
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Wait for the focus report to appear, then run the selection",
		Long: `Block until the focus report is written (for example by the focus-score
generator on another node) and then run select or channels on the directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			opts := flags.options(input)
			job := pipeline.Job{
				InputPath: input,
				Output:    flags.output,
				Options:   opts,
			}
			switch layout {
			case "flat":
				job.ID, job.Type = newID("sel"), pipeline.JobSelect
			case "channels":
				job.ID, job.Type = newID("ch"), pipeline.JobChannels
				opts["submission"] = submissionPath(input, submission)
			default:
				return fmt.Errorf("unknown layout %q (flat|channels)", layout)
			}

			report, _ := opts["report"].(string)
			if err := root.waitFn(commandContext(cmd), report, root.log); err != nil {
				return fmt.Errorf("waiting for focus report: %w", err)
			}
			return root.runJob(cmd, job)
		},
	}
	flags.bind(cmd, root.cfg)
	cmd.Flags().StringVar(&layout, "layout", "flat", "output layout once the report arrives (flat|channels)")
	cmd.Flags().StringVar(&submission, "submission", "", "experiment submission JSON for the channels layout")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent runs from the job ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("job ledger unavailable")
			}
			jobs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, j := range jobs {
				fmt.Fprintf(out, "%-44s %-9s %-10s %s\n", j.ID, j.JobType, j.Status, j.InputPath)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to list")

	showCmd := &cobra.Command{
		Use:   "show <job_id>",
		Short: "Show one run and the channel folders it produced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("job ledger unavailable")
			}
			job, err := root.store.Job(args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:    %s\n", job.ID)
			fmt.Fprintf(out, "Type:   %s\n", job.JobType)
			fmt.Fprintf(out, "Status: %s\n", job.Status)
			fmt.Fprintf(out, "Input:  %s\n", job.InputPath)
			fmt.Fprintf(out, "Output: %s\n", job.OutputPath)
			if job.Error != "" {
				fmt.Fprintf(out, "Error:  %s\n", job.Error)
			}
			chans, err := root.store.ChannelOutputs(job.ID)
			if err != nil {
				return err
			}
			for _, c := range chans {
				fmt.Fprintf(out, "  CH%03d  cycle %d channel %d  %-10s %4d images  %s\n",
					c.OutputChannel, c.Cycle, c.LocalChannel, c.Name, c.ImageCount, c.Dir)
			}
			return nil
		},
	}
	cmd.AddCommand(showCmd)
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP, WebSocket and gRPC health server",
		Long: `Expose the job queue over HTTP (POST /jobs, GET /jobs, GET /jobs/{id}),
stream results over SSE (/stream) and WebSocket (/ws), and answer gRPC health checks.

Examples:
  bestfocus serve --addr :8080 --grpc-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr, "grpc_addr", grpcAddr)
			return root.serveFn(commandContext(cmd), addr, grpcAddr, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health address (empty disables)")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout())
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("bestfocus " + Version)
		},
	}
}

// runJob submits job, waits for it and prints its summary.
func (r *Root) runJob(cmd *cobra.Command, job pipeline.Job) error {
	res, err := r.enqueueAndWait(commandContext(cmd), job)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), res)
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func submissionPath(input, flag string) string {
	if flag != "" {
		return flag
	}
	return filepath.Join(input, "experiment.json")
}
