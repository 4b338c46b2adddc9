package imod

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Installation errors.
var (
	ErrNotInstalled  = errors.New("no IMOD installation found")
	ErrIMODDirUnset  = errors.New("IMOD_DIR is not set, please check your IMOD installation")
	ErrVersionTooOld = errors.New("IMOD version too old")
)

// Installation describes a detected IMOD install.
type Installation struct {
	Dir     string
	Binary  string
	Version Version
}

// Detect locates IMOD through PATH and IMOD_DIR.
func Detect() (Installation, error) {
	bin, err := exec.LookPath("imod")
	if err != nil {
		return Installation{}, ErrNotInstalled
	}
	dir := os.Getenv("IMOD_DIR")
	if dir == "" {
		return Installation{Binary: bin}, ErrIMODDirUnset
	}
	v, err := ReadVersionFile(filepath.Join(dir, "VERSION"))
	if err != nil {
		return Installation{Dir: dir, Binary: bin}, err
	}
	return Installation{Dir: dir, Binary: bin, Version: v}, nil
}

// CheckInstallation verifies IMOD is installed and at least the given version.
func CheckInstallation(minimum string) (Installation, error) {
	want, err := ParseVersion(minimum)
	if err != nil {
		return Installation{}, err
	}
	inst, err := Detect()
	if err != nil {
		return inst, err
	}
	if inst.Version.Less(want) {
		return inst, fmt.Errorf("%w: ensure IMOD version %s or higher is installed, found %s", ErrVersionTooOld, want, inst.Version)
	}
	return inst, nil
}

// ReadVersionFile parses the first line of $IMOD_DIR/VERSION.
func ReadVersionFile(path string) (Version, error) {
	f, err := os.Open(path)
	if err != nil {
		return Version{}, fmt.Errorf("read IMOD version: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return Version{}, err
		}
		return Version{}, fmt.Errorf("read IMOD version: %s is empty", path)
	}
	return ParseVersion(sc.Text())
}
