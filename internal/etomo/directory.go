// Package etomo models the on-disk layout batchruntomo works in and runs the
// external alignment as a subprocess.
package etomo

import (
	"os"
	"path/filepath"
)

// Directory is an Etomo working directory for one tilt series.
type Directory struct {
	Dir      string
	Basename string
}

// NewDirectory returns the directory model for basename inside dir.
func NewDirectory(dir, basename string) Directory {
	return Directory{Dir: dir, Basename: basename}
}

func (d Directory) file(ext string) string {
	return filepath.Join(d.Dir, d.Basename+ext)
}

func (d Directory) TiltSeries() string { return d.file(".mrc") }
func (d Directory) RawTiltAngles() string { return d.file(".rawtlt") }
func (d Directory) Transforms() string { return d.file(".xf") }
func (d Directory) TiltAngles() string { return d.file(".tlt") }
func (d Directory) EtomoFile() string { return d.file(".edf") }
func (d Directory) AlignLog() string { return filepath.Join(d.Dir, "align.log") }
func (d Directory) BatchruntomoLog() string { return filepath.Join(d.Dir, "log.txt") }

// IsReadyForAlignment reports whether the staged stack and raw tilt angles exist.
func (d Directory) IsReadyForAlignment() bool {
	return exists(d.TiltSeries()) && exists(d.RawTiltAngles())
}

// ContainsAlignmentResults reports whether batchruntomo left both an xf and a tlt file.
func (d Directory) ContainsAlignmentResults() bool {
	return exists(d.Transforms()) && exists(d.TiltAngles())
}

// MissingOutputs lists expected result files that are absent.
func (d Directory) MissingOutputs() []string {
	var missing []string
	for _, p := range []string{d.Transforms(), d.TiltAngles()} {
		if !exists(p) {
			missing = append(missing, p)
		}
	}
	return missing
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
