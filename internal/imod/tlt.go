// Package imod reads and writes the small text and binary formats that IMOD
// and batchruntomo consume and produce.
package imod

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ParseTiltAngles reads whitespace-separated tilt angles.
func ParseTiltAngles(r io.Reader) ([]float64, error) {
	var angles []float64
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("parse tilt angle %q: %w", sc.Text(), err)
		}
		angles = append(angles, v)
	}
	return angles, sc.Err()
}

// ReadTiltAngles reads a .tlt or .rawtlt file into a flat slice.
func ReadTiltAngles(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTiltAngles(f)
}

// WriteTiltAngles writes one angle per line with two decimals.
func WriteTiltAngles(path string, angles []float64) error {
	var b strings.Builder
	for _, a := range angles {
		fmt.Fprintf(&b, "%.2f\n", a)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
