package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"imodalign/internal/config"
	"imodalign/internal/etomo"
	"imodalign/internal/imod"
)

// NewBatchRunner builds the batchruntomo runner described by cfg.
func NewBatchRunner(cfg *config.Config, logger *slog.Logger) *etomo.BatchRunner {
	return &etomo.BatchRunner{
		Binary:     cfg.IMOD.Binary,
		EndingStep: cfg.IMOD.EndingStep,
		TempDir:    cfg.Processing.TempDir,
		Logger:     logger,
	}
}

// batchruntomoProcessor holds what fiducial and patch-tracking alignment share:
// stage the stack, fill a directive, run batchruntomo and decode the results.
type batchruntomoProcessor struct {
	cfg          *config.Config
	runner       etomo.Runner
	logger       *slog.Logger
	checkInstall func() error
}

func newBatchruntomoProcessor(cfg *config.Config, runner etomo.Runner, logger *slog.Logger) batchruntomoProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = NewBatchRunner(cfg, logger)
	}
	return batchruntomoProcessor{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		checkInstall: func() error {
			_, err := imod.CheckInstallation(cfg.IMOD.MinimumVersion)
			return err
		},
	}
}

func (p *batchruntomoProcessor) binaryAvailable() bool {
	bin := p.cfg.IMOD.Binary
	if bin == "" {
		bin = "batchruntomo"
	}
	return commandExists(bin)
}

type directiveFunc func(stackFile string, req AlignmentRequest) (*imod.Directive, int, error)

func (p *batchruntomoProcessor) align(ctx context.Context, name string, req AlignmentRequest, build directiveFunc) (AlignmentResult, error) {
	start := time.Now()
	res := AlignmentResult{ToolUsed: name}
	fail := func(err error) (AlignmentResult, error) {
		res.ProcessingTime = time.Since(start)
		res.Error = err
		return res, err
	}

	if err := req.Validate(); err != nil {
		return fail(err)
	}
	if err := p.checkInstall(); err != nil {
		return fail(err)
	}
	mode, err := etomo.ParseStageMode(p.cfg.Processing.StageMode)
	if err != nil {
		return fail(err)
	}

	d, err := etomo.Prepare(req.OutputDir, req.Basename, req.TiltSeries, req.TiltAngles, mode)
	res.Directory = d
	if err != nil {
		return fail(err)
	}
	directive, bin, err := build(d.TiltSeries(), req)
	if err != nil {
		return fail(err)
	}
	res.BinningFactor = bin

	if req.SkipIfCompleted && d.ContainsAlignmentResults() {
		res.Skipped = true
		p.logger.Info("existing alignment found, skipping batchruntomo", "basename", req.Basename, "dir", d.Dir)
	} else {
		p.logger.Debug("aligning tilt series", "processor", name, "basename", req.Basename, "binning", bin)
		if _, err := p.runner.Run(ctx, d, directive); err != nil {
			return fail(err)
		}
		if !d.ContainsAlignmentResults() {
			return fail(fmt.Errorf("%w: %s failed to align correctly", etomo.ErrAlignmentFailed, req.Basename))
		}
	}

	hint := req.NominalRotationAngle
	out, err := etomo.LoadResults(d, &hint)
	if err != nil {
		return fail(err)
	}
	res.Transforms = out.Transforms
	res.TiltAngles = out.TiltAngles
	res.TiltAngleOffset = out.TiltAngleOffset
	res.Warnings = append(res.Warnings, out.Rotations.Warnings...)
	res.Success = true
	res.ProcessingTime = time.Since(start)
	return res, nil
}

// FiducialAlignmentProcessor aligns tilt series on gold fiducials.
type FiducialAlignmentProcessor struct {
	batchruntomoProcessor
}

// NewFiducialAlignmentProcessor uses runner, or a batchruntomo runner when nil.
func NewFiducialAlignmentProcessor(cfg *config.Config, runner etomo.Runner, logger *slog.Logger) *FiducialAlignmentProcessor {
	return &FiducialAlignmentProcessor{newBatchruntomoProcessor(cfg, runner, logger)}
}

func (p *FiducialAlignmentProcessor) Name() string { return "fiducials" }

func (p *FiducialAlignmentProcessor) IsAvailable() bool {
	return p.cfg.Alignment.Fiducials.Enabled && p.binaryAvailable()
}

func (p *FiducialAlignmentProcessor) SupportsType(t AlignmentType) bool {
	return t == AlignmentFiducials
}

// EstimateQuality prefers fiducial alignment whenever a bead size is known.
func (p *FiducialAlignmentProcessor) EstimateQuality(req AlignmentRequest) (float64, error) {
	if req.FiducialSize <= 0 {
		return 0, fmt.Errorf("fiducial size unknown")
	}
	return 1, nil
}

func (p *FiducialAlignmentProcessor) Align(ctx context.Context, req AlignmentRequest) (AlignmentResult, error) {
	return p.align(ctx, p.Name(), req, func(stackFile string, req AlignmentRequest) (*imod.Directive, int, error) {
		tmpl, err := LoadTemplate(AlignmentFiducials, p.cfg.Alignment.Fiducials.Template)
		if err != nil {
			return nil, 0, err
		}
		d, bin := FiducialDirective(tmpl, stackFile, req.PixelSize, req.FiducialSize, req.NominalRotationAngle, p.cfg.IMOD.TargetPixelSize)
		return d, bin, nil
	})
}

// PatchTrackingAlignmentProcessor aligns tilt series by tracking image patches.
type PatchTrackingAlignmentProcessor struct {
	batchruntomoProcessor
}

// NewPatchTrackingAlignmentProcessor uses runner, or a batchruntomo runner when nil.
func NewPatchTrackingAlignmentProcessor(cfg *config.Config, runner etomo.Runner, logger *slog.Logger) *PatchTrackingAlignmentProcessor {
	return &PatchTrackingAlignmentProcessor{newBatchruntomoProcessor(cfg, runner, logger)}
}

func (p *PatchTrackingAlignmentProcessor) Name() string { return "patch-tracking" }

func (p *PatchTrackingAlignmentProcessor) IsAvailable() bool {
	return p.cfg.Alignment.PatchTracking.Enabled && p.binaryAvailable()
}

func (p *PatchTrackingAlignmentProcessor) SupportsType(t AlignmentType) bool {
	return t == AlignmentPatchTracking
}

func (p *PatchTrackingAlignmentProcessor) EstimateQuality(req AlignmentRequest) (float64, error) {
	return 0.5, nil
}

func (p *PatchTrackingAlignmentProcessor) Align(ctx context.Context, req AlignmentRequest) (AlignmentResult, error) {
	return p.align(ctx, p.Name(), req, func(stackFile string, req AlignmentRequest) (*imod.Directive, int, error) {
		tmpl, err := LoadTemplate(AlignmentPatchTracking, p.cfg.Alignment.PatchTracking.Template)
		if err != nil {
			return nil, 0, err
		}
		d, bin := PatchTrackingDirective(tmpl, stackFile, req.PixelSize, req.NominalRotationAngle,
			req.PatchSize, req.PatchOverlapPercentage, p.cfg.IMOD.TargetPixelSize)
		return d, bin, nil
	})
}
