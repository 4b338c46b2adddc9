package etomo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"imodalign/internal/imod"
)

// DefaultEndingStep stops batchruntomo after fine alignment.
const DefaultEndingStep = 6

// ErrAlignmentFailed reports a batchruntomo run that exited non-zero or left
// no xf/tlt output.
var ErrAlignmentFailed = errors.New("alignment failed")

// Outputs lists the files a successful run produced.
type Outputs struct {
	Transforms string
	TiltAngles string
	AlignLog   string
	Log        string
}

// Runner executes an alignment in a prepared directory.
type Runner interface {
	Run(ctx context.Context, d Directory, directive *imod.Directive) (Outputs, error)
}

// BatchRunner runs IMOD's batchruntomo binary.
type BatchRunner struct {
	Binary     string
	EndingStep int
	TempDir    string
	Logger     *slog.Logger
}

// NewBatchRunner returns a runner using the default binary name and ending step.
func NewBatchRunner(logger *slog.Logger) *BatchRunner {
	return &BatchRunner{Binary: "batchruntomo", EndingStep: DefaultEndingStep, Logger: logger}
}

func (r *BatchRunner) binary() string {
	if r.Binary == "" {
		return "batchruntomo"
	}
	return r.Binary
}

func (r *BatchRunner) endingStep() int {
	if r.EndingStep <= 0 {
		return DefaultEndingStep
	}
	return r.EndingStep
}

// Command returns the argv used to align d with the given directive file.
func (r *BatchRunner) Command(d Directory, directiveFile string) []string {
	return []string{
		r.binary(),
		"-DirectiveFile", directiveFile,
		"-CurrentLocation", d.Dir,
		"-RootName", d.Basename,
		"-EndingStep", strconv.Itoa(r.endingStep()),
	}
}

// Run writes the directive to a temporary directive.adoc, invokes
// batchruntomo with output captured in log.txt and checks the results.
func (r *BatchRunner) Run(ctx context.Context, d Directory, directive *imod.Directive) (Outputs, error) {
	if directive == nil {
		return Outputs{}, fmt.Errorf("run %s: nil directive", d.Basename)
	}
	tmp, err := os.MkdirTemp(r.TempDir, "imodalign-")
	if err != nil {
		return Outputs{}, fmt.Errorf("create directive dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	directiveFile := filepath.Join(tmp, "directive.adoc")
	if err := directive.WriteFile(directiveFile); err != nil {
		return Outputs{}, fmt.Errorf("write directive: %w", err)
	}

	logFile, err := os.Create(d.BatchruntomoLog())
	if err != nil {
		return Outputs{}, fmt.Errorf("create batchruntomo log: %w", err)
	}
	defer logFile.Close()

	argv := r.Command(d, directiveFile)
	if r.Logger != nil {
		r.Logger.Debug("running batchruntomo", "cmd", strings.Join(argv, " "), "dir", d.Dir)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	runErr := cmd.Run()

	out := Outputs{
		Transforms: d.Transforms(),
		TiltAngles: d.TiltAngles(),
		AlignLog:   d.AlignLog(),
		Log:        d.BatchruntomoLog(),
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if runErr != nil {
		return out, fmt.Errorf("%w: %s exited: %v (see %s)", ErrAlignmentFailed, r.binary(), runErr, out.Log)
	}
	if missing := d.MissingOutputs(); len(missing) > 0 {
		return out, fmt.Errorf("%w: %s failed to align correctly, missing %s", ErrAlignmentFailed, d.Basename, strings.Join(missing, ", "))
	}
	return out, nil
}
