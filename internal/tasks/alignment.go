package tasks

import (
	"context"
	"fmt"
	"time"

	"imodalign/internal/etomo"
	"imodalign/internal/xf"
)

// AlignmentProcessor defines interface for tilt-series alignment workflows.
type AlignmentProcessor interface {
	Name() string
	IsAvailable() bool
	SupportsType(alignType AlignmentType) bool
	Align(ctx context.Context, req AlignmentRequest) (AlignmentResult, error)
	EstimateQuality(req AlignmentRequest) (float64, error)
}

// AlignmentType enumerates supported alignment workflows.
type AlignmentType int

const (
	AlignmentFiducials AlignmentType = iota
	AlignmentPatchTracking
)

func (t AlignmentType) String() string {
	switch t {
	case AlignmentFiducials:
		return "fiducials"
	case AlignmentPatchTracking:
		return "patch-tracking"
	default:
		return fmt.Sprintf("AlignmentType(%d)", int(t))
	}
}

// ParseAlignmentType maps "fiducials" and "patch-tracking" to their type.
func ParseAlignmentType(s string) (AlignmentType, error) {
	switch s {
	case "fiducials", "fiducial":
		return AlignmentFiducials, nil
	case "patch-tracking", "patch_tracking", "patchtracking":
		return AlignmentPatchTracking, nil
	default:
		return 0, fmt.Errorf("unknown alignment type %q", s)
	}
}

// AlignmentRequest carries inputs for aligning one tilt series.
type AlignmentRequest struct {
	AlignType  AlignmentType
	TiltSeries string    // MRC stack
	TiltAngles []float64 // nominal stage tilt angles, one per image
	OutputDir  string
	Basename   string

	PixelSize            float64 // Å per pixel
	NominalRotationAngle float64 // tilt-axis rotation from the Y axis, CCW positive
	FiducialSize         float64 // nm, fiducials only

	PatchSize              float64 // Å, patch tracking only
	PatchOverlapPercentage float64

	SkipIfCompleted bool
}

// Validate checks the request before any file is touched.
func (r AlignmentRequest) Validate() error {
	switch {
	case r.TiltSeries == "":
		return fmt.Errorf("no tilt series given")
	case len(r.TiltAngles) == 0:
		return fmt.Errorf("no tilt angles given")
	case r.OutputDir == "":
		return fmt.Errorf("no output directory given")
	case r.Basename == "":
		return fmt.Errorf("no basename given")
	case r.PixelSize <= 0:
		return fmt.Errorf("pixel size must be positive, got %v", r.PixelSize)
	}
	switch r.AlignType {
	case AlignmentFiducials:
		if r.FiducialSize <= 0 {
			return fmt.Errorf("fiducial size must be positive, got %v", r.FiducialSize)
		}
	case AlignmentPatchTracking:
		if r.PatchSize <= 0 {
			return fmt.Errorf("patch size must be positive, got %v", r.PatchSize)
		}
		if r.PatchOverlapPercentage < 0 || r.PatchOverlapPercentage >= 100 {
			return fmt.Errorf("patch overlap must be in [0, 100), got %v", r.PatchOverlapPercentage)
		}
	}
	return nil
}

// AlignmentResult captures the Etomo directory and decoded transforms.
type AlignmentResult struct {
	Directory       etomo.Directory
	Transforms      []xf.Decoded
	TiltAngles      []float64
	TiltAngleOffset *float64
	BinningFactor   int
	ProcessingTime  time.Duration
	ToolUsed        string
	Skipped         bool
	Success         bool
	Warnings        []string
	Error           error
}
