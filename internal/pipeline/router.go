package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"imodalign/internal/config"
	"imodalign/internal/etomo"
	"imodalign/internal/fsutil"
	"imodalign/internal/imod"
	"imodalign/internal/logging"
	"imodalign/internal/storage"
	"imodalign/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	cfg      *config.Config
	alignMgr alignmentManager
}

type alignmentManager interface {
	Align(ctx context.Context, req tasks.AlignmentRequest) (tasks.AlignmentResult, error)
}

func newRouter(cfg *config.Config, logger *slog.Logger, store *storage.Store, runner etomo.Runner) Processor {
	return &router{
		log:      logger,
		store:    store,
		cfg:      cfg,
		alignMgr: tasks.NewAlignmentManager(cfg, runner, logger),
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobFiducials:
		return r.handleAlign(ctx, job, tasks.AlignmentFiducials)
	case JobPatchTracking:
		return r.handleAlign(ctx, job, tasks.AlignmentPatchTracking)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	summary, err := tasks.Scan(job.InputPath)
	meta := map[string]any{
		"series":   summary.Series,
		"unpaired": summary.Unpaired,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// BuildRequest turns a job into an alignment request, filling anything the
// job options leave out from configuration defaults.
func BuildRequest(cfg *config.Config, job Job, alignType tasks.AlignmentType) (tasks.AlignmentRequest, error) {
	opts := job.Options
	req := tasks.AlignmentRequest{
		AlignType:              alignType,
		TiltSeries:             job.InputPath,
		OutputDir:              job.Output,
		Basename:               optString(opts, "basename"),
		PixelSize:              optFloat(opts, "pixel_size", 0),
		NominalRotationAngle:   optFloat(opts, "rotation", 0),
		FiducialSize:           optFloat(opts, "fiducial_size", cfg.Alignment.Fiducials.FiducialSize),
		PatchSize:              optFloat(opts, "patch_size", cfg.Alignment.PatchTracking.PatchSize),
		PatchOverlapPercentage: optFloat(opts, "patch_overlap_percentage", cfg.Alignment.PatchTracking.OverlapPercentage),
		SkipIfCompleted:        optBool(opts, "skip_if_completed"),
	}
	if req.Basename == "" {
		req.Basename = tasks.Basename(job.InputPath)
	}
	if req.OutputDir == "" {
		req.OutputDir = filepath.Join(cfg.Paths.DefaultOutput, req.Basename)
	}

	angles, err := jobTiltAngles(job)
	if err != nil {
		return req, err
	}
	req.TiltAngles = angles
	return req, nil
}

// jobTiltAngles reads tilt angles from the "tilt_angles" option, the
// "tilt_file" option or a sidecar file next to the stack, in that order.
func jobTiltAngles(job Job) ([]float64, error) {
	if angles := optFloats(job.Options, "tilt_angles"); len(angles) > 0 {
		return angles, nil
	}
	file := optString(job.Options, "tilt_file")
	if file == "" {
		file = fsutil.TiltFileFor(job.InputPath)
	}
	if file == "" {
		return nil, fmt.Errorf("no tilt angles for %s", job.InputPath)
	}
	return imod.ReadTiltAngles(file)
}

func (r *router) handleAlign(ctx context.Context, job Job, alignType tasks.AlignmentType) Result {
	req, err := BuildRequest(r.cfg, job, alignType)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	logging.LogProcessingStep(r.log, job.ID, "align", "started", map[string]any{
		"processor": alignType.String(),
		"basename":  req.Basename,
		"images":    len(req.TiltAngles),
	})

	res, err := r.alignMgr.Align(ctx, req)
	logging.LogWarnings(r.log, job.ID, res.Warnings)

	meta := map[string]any{
		"tool":       res.ToolUsed,
		"success":    res.Success,
		"skipped":    res.Skipped,
		"basename":   req.Basename,
		"directory":  res.Directory.Dir,
		"images":     len(res.Transforms),
		"binning":    res.BinningFactor,
		"warn":       res.Warnings,
		"transforms": res.Transforms,
	}
	if res.TiltAngleOffset != nil {
		meta["tilt_angle_offset"] = *res.TiltAngleOffset
	}
	if err == nil && r.store != nil {
		if serr := r.store.RecordTransforms(job.ID, res.TiltAngles, res.Transforms); serr != nil {
			r.log.Warn("failed to store transforms", "job_id", job.ID, "error", serr)
		}
	}
	return Result{Job: job, Error: err, Meta: meta, Alignment: &res}
}
