package etomo

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"imodalign/internal/imod"
)

// StageMode selects how the input stack is placed in the working directory.
type StageMode string

const (
	StageCopy    StageMode = "copy"
	StageSymlink StageMode = "symlink"
)

// ParseStageMode accepts "copy", "symlink" or an empty string (copy).
func ParseStageMode(s string) (StageMode, error) {
	switch StageMode(s) {
	case "", StageCopy:
		return StageCopy, nil
	case StageSymlink:
		return StageSymlink, nil
	default:
		return "", fmt.Errorf("unknown stage mode %q", s)
	}
}

// Prepare creates dir, stages the tilt series as <basename>.mrc and writes
// the raw tilt angles as <basename>.rawtlt.
func Prepare(dir, basename, stackPath string, tiltAngles []float64, mode StageMode) (Directory, error) {
	d := NewDirectory(dir, basename)
	if len(tiltAngles) == 0 {
		return d, fmt.Errorf("prepare %s: no tilt angles", basename)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return d, fmt.Errorf("create etomo directory: %w", err)
	}
	if err := stage(stackPath, d.TiltSeries(), mode); err != nil {
		return d, fmt.Errorf("stage %s: %w", stackPath, err)
	}
	if err := imod.WriteTiltAngles(d.RawTiltAngles(), tiltAngles); err != nil {
		return d, fmt.Errorf("write raw tilt angles: %w", err)
	}
	return d, nil
}

func stage(src, dst string, mode StageMode) error {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	absDst, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if absSrc == absDst {
		return nil
	}
	if alreadyStaged(absSrc, absDst) {
		return nil
	}
	if _, err := os.Lstat(absDst); err == nil {
		if err := os.Remove(absDst); err != nil {
			return err
		}
	}
	if mode == StageSymlink {
		return os.Symlink(absSrc, absDst)
	}
	return copyFile(absSrc, absDst)
}

// alreadyStaged is true when dst is an MRC file with the same shape as src.
func alreadyStaged(src, dst string) bool {
	staged, err := imod.ReadMRCHeader(dst)
	if err != nil {
		return false
	}
	source, err := imod.ReadMRCHeader(src)
	if err != nil {
		return false
	}
	return staged.SameShape(source)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
