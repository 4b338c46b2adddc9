package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"imodalign/internal/config"
	"imodalign/internal/imod"
	"imodalign/internal/logging"
	"imodalign/internal/pipeline"
	"imodalign/internal/storage"
	"imodalign/internal/tasks"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "imodalign",
		Short: "Automated tilt-series alignment with IMOD",
		Long: `imodalign runs IMOD's batchruntomo up to fine alignment for cryo-ET tilt
series, using either gold fiducials or patch tracking, and decodes the
resulting per-image transforms.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logging.SetLevel(slog.LevelDebug)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newFiducialsCmd(root))
	rootCmd.AddCommand(newPatchTrackingCmd(root))
	rootCmd.AddCommand(newBatchCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newXFCmd(root))
	rootCmd.AddCommand(newTiltOffsetCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// alignFlags are shared by the single-series and batch alignment commands.
type alignFlags struct {
	pixelSize       float64
	rotation        float64
	fiducialSize    float64
	patchSize       float64
	overlap         float64
	skipIfCompleted bool
}

func (f *alignFlags) register(cmd *cobra.Command, cfg *config.Config, jobType pipeline.JobType) {
	cmd.Flags().Float64Var(&f.pixelSize, "pixel-size", 0, "pixel spacing in Ångstroms")
	cmd.Flags().Float64Var(&f.rotation, "nominal-rotation-angle", 0, "in-plane rotation of the tilt axis away from the Y axis in degrees, CCW positive")
	cmd.Flags().BoolVar(&f.skipIfCompleted, "skip-if-completed", false, "reuse existing alignment results in the output directory")
	cmd.MarkFlagRequired("pixel-size")
	cmd.MarkFlagRequired("nominal-rotation-angle")

	if jobType == pipeline.JobFiducials {
		cmd.Flags().Float64Var(&f.fiducialSize, "fiducial-size", cfg.Alignment.Fiducials.FiducialSize, "fiducial diameter in nanometers")
		return
	}
	cmd.Flags().Float64Var(&f.patchSize, "patch-size", cfg.Alignment.PatchTracking.PatchSize, "patch side length in Ångstroms")
	cmd.Flags().Float64Var(&f.overlap, "patch-overlap-percentage", cfg.Alignment.PatchTracking.OverlapPercentage, "percentage of patch length to overlap on each side")
}

func (f *alignFlags) options(jobType pipeline.JobType) map[string]any {
	opts := map[string]any{
		"pixel_size":        f.pixelSize,
		"rotation":          f.rotation,
		"skip_if_completed": f.skipIfCompleted,
		"source":            "cli",
	}
	if jobType == pipeline.JobFiducials {
		opts["fiducial_size"] = f.fiducialSize
	} else {
		opts["patch_size"] = f.patchSize
		opts["patch_overlap_percentage"] = f.overlap
	}
	return opts
}

func newFiducialsCmd(root *Root) *cobra.Command {
	return newAlignCmd(root, pipeline.JobFiducials,
		"Align a tilt series using gold fiducials",
		`Run batchruntomo fiducial-based alignment on a single tilt series.

Example:
  imodalign fiducials --tilt-series TS_01.mrc --tilt-angles TS_01.rawtlt \
    --output-directory TS_01 --pixel-size 1.35 --fiducial-size 10 \
    --nominal-rotation-angle 85`)
}

func newPatchTrackingCmd(root *Root) *cobra.Command {
	return newAlignCmd(root, pipeline.JobPatchTracking,
		"Align a tilt series using patch tracking",
		`Run batchruntomo patch-tracking alignment on a single tilt series.

Example:
  imodalign patch-tracking --tilt-series TS_01.mrc --tilt-angles TS_01.rawtlt \
    --output-directory TS_01 --pixel-size 1.35 --patch-size 500 \
    --nominal-rotation-angle 85`)
}

func newAlignCmd(root *Root, jobType pipeline.JobType, short, long string) *cobra.Command {
	var (
		tiltSeries string
		tiltAngles string
		output     string
		basename   string
		flags      alignFlags
	)

	cmd := &cobra.Command{
		Use:   string(jobType),
		Short: short,
		Long:  long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := flags.options(jobType)
			if tiltAngles != "" {
				opts["tilt_file"] = tiltAngles
			}
			if basename != "" {
				opts["basename"] = basename
			}

			job := pipeline.Job{
				ID:        newID(jobType),
				Type:      jobType,
				InputPath: tiltSeries,
				Output:    output,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if res.Meta != nil {
				printAlignment(cmd.OutOrStdout(), res)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&tiltSeries, "tilt-series", "", "tilt series in MRC format")
	cmd.Flags().StringVar(&tiltAngles, "tilt-angles", "", "text file with one tilt angle per line (default: sidecar .rawtlt/.tlt next to the stack)")
	cmd.Flags().StringVarP(&output, "output-directory", "o", "", "directory for IMOD output (default: <paths.default_output>/<basename>)")
	cmd.Flags().StringVar(&basename, "basename", "", "basename for files in the output directory (default: stack file name without extension)")
	cmd.MarkFlagRequired("tilt-series")
	flags.register(cmd, root.cfg, jobType)
	return cmd
}

func printAlignment(w io.Writer, res pipeline.Result) {
	m := res.Meta
	if skipped, _ := m["skipped"].(bool); skipped {
		fmt.Fprintf(w, "%s: existing alignment reused in %v\n", m["basename"], m["directory"])
	} else {
		fmt.Fprintf(w, "%s: aligned %v images with %v (binning %v) in %v\n", m["basename"], m["images"], m["tool"], m["binning"], m["directory"])
	}
	if off, ok := m["tilt_angle_offset"]; ok {
		fmt.Fprintf(w, "  tilt angle offset: %v\n", off)
	}
	if res.Error != nil {
		fmt.Fprintf(w, "  error: %v\n", res.Error)
	}
}

func newBatchCmd(root *Root) *cobra.Command {
	var (
		method string
		output string
		flags  alignFlags
	)

	cmd := &cobra.Command{
		Use:   "batch <directory>",
		Short: "Align every tilt series in a directory",
		Long: `Queue every stack in a directory that has a sidecar tilt-angle file
(<stem>.rawtlt, <stem>.tlt or <stem>.txt) and wait for all of them.
Jobs run in parallel up to processing.parallel_jobs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alignType, err := tasks.ParseAlignmentType(method)
			if err != nil {
				return err
			}
			jobType := pipeline.JobType(alignType.String())
			scan, err := tasks.Scan(args[0])
			if err != nil {
				return err
			}
			for _, s := range scan.Unpaired {
				root.log.Warn("skipping stack without tilt angle file", "stack", s)
			}
			if len(scan.Series) == 0 {
				return fmt.Errorf("no tilt series with tilt angle files in %s", args[0])
			}

			jobs := make([]pipeline.Job, 0, len(scan.Series))
			for _, ts := range scan.Series {
				opts := flags.options(jobType)
				opts["tilt_file"] = ts.TiltFile
				opts["source"] = "batch"
				jobs = append(jobs, pipeline.Job{
					ID:        newID(jobType),
					Type:      jobType,
					InputPath: ts.Stack,
					Output:    filepath.Join(output, ts.Basename),
					Options:   opts,
				})
			}

			results, err := root.enqueueAll(cmd.Context(), jobs)
			out := cmd.OutOrStdout()
			for _, job := range jobs {
				if res, ok := results[job.ID]; ok {
					printAlignment(out, res)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&method, "method", root.cfg.Watch.Processor, "alignment method (fiducials|patch-tracking)")
	cmd.Flags().StringVarP(&output, "output-directory", "o", root.cfg.Paths.DefaultOutput, "root directory; each series gets <root>/<basename>")
	// fiducial and patch flags are both registered so either method can be tuned
	flags.register(cmd, root.cfg, pipeline.JobFiducials)
	cmd.Flags().Float64Var(&flags.patchSize, "patch-size", root.cfg.Alignment.PatchTracking.PatchSize, "patch side length in Ångstroms")
	cmd.Flags().Float64Var(&flags.overlap, "patch-overlap-percentage", root.cfg.Alignment.PatchTracking.OverlapPercentage, "percentage of patch length to overlap on each side")
	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <directory>",
		Short: "List the tilt series in a directory and their tilt-angle files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{ID: newID(pipeline.JobScan), Type: pipeline.JobScan, InputPath: args[0]}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if series, ok := res.Meta["series"].([]tasks.TiltSeries); ok {
				for _, ts := range series {
					fmt.Fprintf(out, "%s\t%s\t%s\n", ts.Basename, ts.Stack, ts.TiltFile)
				}
			}
			if unpaired, ok := res.Meta["unpaired"].([]string); ok {
				for _, s := range unpaired {
					fmt.Fprintf(out, "%s\t(no tilt angle file)\n", s)
				}
			}
			return nil
		},
	}
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		method string
		output string
		flags  alignFlags
	)

	cmd := &cobra.Command{
		Use:   "watch [directory...]",
		Short: "Align tilt series as they appear in watched directories",
		Long: `Watch directories for new .mrc/.st stacks. Once a stack has stopped
changing for watch.settle_delay and has a sidecar tilt-angle file it is queued
for alignment. Directories default to watch.paths from the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = root.cfg.Watch.Paths
			}
			if len(dirs) == 0 {
				return fmt.Errorf("no directories to watch")
			}
			alignType, err := tasks.ParseAlignmentType(method)
			if err != nil {
				return err
			}
			jobType := pipeline.JobType(alignType.String())
			return root.watch(cmd.Context(), dirs, jobType, output, flags.options(jobType))
		},
	}

	cmd.Flags().StringVar(&method, "method", root.cfg.Watch.Processor, "alignment method (fiducials|patch-tracking)")
	cmd.Flags().StringVarP(&output, "output-directory", "o", root.cfg.Paths.DefaultOutput, "root directory; each series gets <root>/<basename>")
	flags.register(cmd, root.cfg, pipeline.JobFiducials)
	cmd.Flags().Float64Var(&flags.patchSize, "patch-size", root.cfg.Alignment.PatchTracking.PatchSize, "patch side length in Ångstroms")
	cmd.Flags().Float64Var(&flags.overlap, "patch-overlap-percentage", root.cfg.Alignment.PatchTracking.OverlapPercentage, "percentage of patch length to overlap on each side")
	return cmd
}

func (r *Root) watch(ctx context.Context, dirs []string, jobType pipeline.JobType, output string, opts map[string]any) error {
	fsw, err := tasks.NewFileSystemWatcher(dirs, time.Duration(r.cfg.Watch.SettleDelay), r.log)
	if err != nil {
		return err
	}
	if err := fsw.Start(); err != nil {
		fsw.Stop()
		return err
	}
	defer fsw.Stop()

	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	go func() {
		for res := range resCh {
			if res.Error != nil {
				r.log.Error("alignment failed", "job_id", res.Job.ID, "input", res.Job.InputPath, "error", res.Error)
				continue
			}
			r.log.Info("alignment finished", "job_id", res.Job.ID, "input", res.Job.InputPath, "directory", res.Meta["directory"])
		}
	}()

	w := &pipeline.Watcher{
		Submitter: r.pipeline,
		Store:     r.store,
		JobType:   jobType,
		Output:    output,
		Options:   opts,
		Logger:    r.log,
	}
	w.Run(ctx, fsw.Events)
	return nil
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC health service",
		Long: `Serve the job API (GET/POST /jobs, /jobs/{id}/transforms, POST /xf/decode,
/stream and /ws) and the standard gRPC health service. The health service
reports SERVING while a supported IMOD installation is found.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *root.cfg
			cfg.Server.Addr = addr
			cfg.Server.GRPCAddr = grpcAddr

			root.log.Info("serve command starting", "addr", addr, "grpc_addr", grpcAddr)
			return root.serveFn(cmd.Context(), &cfg, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health address (host:port)")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "imodalign %s\n", Version)
			fmt.Fprintf(out, "Built with Go %s\n", runtime.Version())
			if inst, err := imod.Detect(); err == nil {
				fmt.Fprintf(out, "IMOD %s (%s)\n", inst.Version, inst.Dir)
			} else {
				fmt.Fprintf(out, "IMOD: %v\n", err)
			}
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
