package tasks

import (
	"imodalign/internal/fsutil"
	"imodalign/internal/imod"
)

// TiltSeries is a stack paired with its sidecar tilt-angle file.
type TiltSeries struct {
	Stack    string `json:"stack"`
	TiltFile string `json:"tilt_file"`
	Basename string `json:"basename"`
}

// ScanResult captures detected tilt series.
type ScanResult struct {
	Series []TiltSeries
	// Unpaired lists stacks with no tilt-angle file next to them.
	Unpaired []string
}

// Scan lists the stacks in dir and pairs each with its tilt-angle file.
func Scan(dir string) (ScanResult, error) {
	stacks, err := fsutil.ListStacks(dir)
	if err != nil {
		return ScanResult{}, err
	}
	var res ScanResult
	for _, s := range stacks {
		ts, ok := PairTiltSeries(s)
		if !ok {
			res.Unpaired = append(res.Unpaired, s)
			continue
		}
		res.Series = append(res.Series, ts)
	}
	return res, nil
}

// PairTiltSeries finds the tilt-angle file for stack.
func PairTiltSeries(stack string) (TiltSeries, bool) {
	tilt := fsutil.TiltFileFor(stack)
	if tilt == "" {
		return TiltSeries{}, false
	}
	return TiltSeries{Stack: stack, TiltFile: tilt, Basename: Basename(stack)}, true
}

// Request builds an alignment request for the series from a template request,
// reading its tilt angles and placing output in outputRoot/<basename>.
func (ts TiltSeries) Request(base AlignmentRequest, outputRoot string) (AlignmentRequest, error) {
	angles, err := imod.ReadTiltAngles(ts.TiltFile)
	if err != nil {
		return AlignmentRequest{}, err
	}
	req := base
	req.TiltSeries = ts.Stack
	req.TiltAngles = angles
	req.Basename = ts.Basename
	req.OutputDir = joinOutput(outputRoot, ts.Basename)
	return req, nil
}
