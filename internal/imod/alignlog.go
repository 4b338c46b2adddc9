package imod

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const tiltAngleChangeMarker = "Total tilt angle change ="

// ParseTiltAngleOffset scans tiltalign output for the total tilt angle change.
// The boolean is false when the log holds no such line.
func ParseTiltAngleOffset(r io.Reader) (float64, bool, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, tiltAngleChangeMarker) {
			continue
		}
		parts := strings.Split(strings.TrimSpace(line), "=")
		raw := strings.TrimSpace(parts[len(parts)-1])
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, false, fmt.Errorf("parse tilt angle offset %q: %w", raw, err)
		}
		return v, true, nil
	}
	return 0, false, sc.Err()
}

// TiltAngleOffset reads the total tilt angle change from an align.log file.
func TiltAngleOffset(path string) (float64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()
	return ParseTiltAngleOffset(f)
}
