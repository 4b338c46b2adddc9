package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var stackExts = map[string]struct{}{
	".mrc": {},
	".st":  {},
}

// tiltExts are tried in order next to a stack when looking for its tilt angles.
var tiltExts = []string{".rawtlt", ".tlt", ".txt"}

// ListStacks returns tilt-series stacks directly inside dir, sorted. Etomo
// working directories below dir are not descended into.
func ListStacks(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsStackFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// IsStackFile checks if a file looks like an IMOD tilt-series stack.
func IsStackFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := stackExts[ext]
	return ok
}

// TiltFileFor returns the sidecar tilt-angle file of a stack: <stem>.rawtlt,
// <stem>.tlt or <stem>.txt, whichever exists first. Empty when none does.
func TiltFileFor(stack string) string {
	stem := strings.TrimSuffix(stack, filepath.Ext(stack))
	candidates := make([]string, 0, len(tiltExts))
	for _, ext := range tiltExts {
		candidates = append(candidates, stem+ext)
	}
	return FirstExisting(candidates...)
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
