package tasks

import (
	"os/exec"
	"path/filepath"
)

// commandExists checks presence of an executable in PATH.
func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}

// Basename returns the stack file name without directory or extension.
func Basename(stackPath string) string {
	return trimExt(filepath.Base(stackPath))
}

func joinOutput(root, basename string) string {
	return filepath.Join(root, basename)
}
