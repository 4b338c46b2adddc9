// Package xf decodes IMOD linear transform (.xf) files.
//
// An xf file holds one line of six numbers per image in a tilt series:
//
//	A11 A12 A21 A22 DX DY
//
// where a coordinate (X, Y) is mapped to (X', Y') by
//
//	X' = A11*X + A12*Y + DX
//	Y' = A21*X + A22*Y + DY
//
// The rotation center in IMOD is at (N-1)/2 for an axis of N samples, i.e. a
// 0-indexed coordinate centered between the two middle samples for even N.
// All shifts returned by this package use that convention.
package xf

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Columns is the number of values per row in an xf file.
const Columns = 6

// ErrFormat is returned for structurally malformed transform tables.
var ErrFormat = errors.New("malformed transform table")

// Row is a single image transform: A11 A12 A21 A22 DX DY.
type Row [Columns]float64

// Vec2 is an (x, y) pair.
type Vec2 [2]float64

// Matrix2 is a row-major 2x2 matrix.
type Matrix2 [2][2]float64

// Table is an immutable, ordered set of per-image transforms.
// Row i corresponds to image i of the tilt series.
type Table struct {
	rows []Row
}

// NewTable builds a table from raw rows. Every row must have exactly six columns.
func NewTable(rows [][]float64) (*Table, error) {
	t := &Table{rows: make([]Row, len(rows))}
	for i, r := range rows {
		if len(r) != Columns {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrFormat, i, len(r), Columns)
		}
		copy(t.rows[i][:], r)
		if err := checkFinite(t.rows[i]); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrFormat, i, err)
		}
	}
	return t, nil
}

// checkFinite rejects NaN and infinite entries; they have no pseudo-inverse.
func checkFinite(r Row) error {
	for j, v := range r {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("column %d is not finite (%v)", j+1, v)
		}
	}
	return nil
}

// FromRows builds a table from already shaped rows.
func FromRows(rows []Row) *Table {
	return &Table{rows: append([]Row(nil), rows...)}
}

// FromParts builds a table from linear parts and post-transform shifts.
func FromParts(matrices []Matrix2, shifts []Vec2) (*Table, error) {
	if len(matrices) != len(shifts) {
		return nil, fmt.Errorf("%w: %d matrices but %d shifts", ErrFormat, len(matrices), len(shifts))
	}
	rows := make([]Row, len(matrices))
	for i, m := range matrices {
		rows[i] = Row{m[0][0], m[0][1], m[1][0], m[1][1], shifts[i][0], shifts[i][1]}
		if err := checkFinite(rows[i]); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrFormat, i, err)
		}
	}
	return &Table{rows: rows}, nil
}

// Len returns the number of images in the table.
func (t *Table) Len() int { return len(t.rows) }

// Rows returns a copy of the underlying rows.
func (t *Table) Rows() []Row {
	return append([]Row(nil), t.rows...)
}

// Shifts returns (DX, DY) for each image. These shifts are applied after
// rotation/skew.
func (t *Table) Shifts() []Vec2 {
	out := make([]Vec2, len(t.rows))
	for i, r := range t.rows {
		out[i] = Vec2{r[4], r[5]}
	}
	return out
}

// TransformationMatrices returns the linear part [[A11, A12], [A21, A22]] of each row.
func (t *Table) TransformationMatrices() []Matrix2 {
	out := make([]Matrix2, len(t.rows))
	for i, r := range t.rows {
		out[i] = Matrix2{{r[0], r[1]}, {r[2], r[3]}}
	}
	return out
}

// AmbiguousRotationWarning is reported when no tilt-axis estimate is given.
const AmbiguousRotationWarning = "no initial tilt-axis rotation angle was provided; " +
	"the in-plane rotation sign is ambiguous and unsigned angles are returned"

// Rotations is the result of InPlaneRotations.
type Rotations struct {
	// Angles in degrees, counter-clockwise positive.
	Angles []float64
	// Ambiguous is set when the sign could not be resolved.
	Ambiguous bool
	// Flipped is set when the hint selected negative angles.
	Flipped  bool
	Warnings []string
}

// InPlaneRotations extracts the in-plane rotation of each image from arccos(A11).
//
// The linear part is assumed to be a pure rotation; any skew or scale is
// ignored. arccos loses the sign of the angle, so when hint is non-nil a single
// sign is chosen for the whole series by minimising the summed absolute
// difference to the hint. Without a hint the unsigned angles in [0, 180] are
// returned along with a warning.
func (t *Table) InPlaneRotations(hint *float64) Rotations {
	theta := make([]float64, len(t.rows))
	for i, r := range t.rows {
		theta[i] = rad2deg(math.Acos(clamp(r[0], -1, 1)))
	}

	if hint == nil {
		return Rotations{
			Angles:    theta,
			Ambiguous: true,
			Warnings:  []string{AmbiguousRotationWarning},
		}
	}

	var difference, flipped float64
	for _, a := range theta {
		difference += math.Abs(a - *hint)
		flipped += math.Abs(-a - *hint)
	}
	res := Rotations{Angles: theta}
	if flipped < difference {
		for i := range theta {
			theta[i] = -theta[i]
		}
		res.Flipped = true
	}
	return res
}

// ImageShifts returns the xy shifts aligning each tilt image with the
// projected specimen: pinv(M) @ (DX, DY).
func (t *Table) ImageShifts() []Vec2 {
	out := make([]Vec2, len(t.rows))
	for i, r := range t.rows {
		inv := pseudoInverse(Matrix2{{r[0], r[1]}, {r[2], r[3]}})
		out[i] = Vec2{
			inv[0][0]*r[4] + inv[0][1]*r[5],
			inv[1][0]*r[4] + inv[1][1]*r[5],
		}
	}
	return out
}

// SpecimenShifts returns the xy shifts aligning the projected specimen with
// each tilt image. Always the negation of ImageShifts.
func (t *Table) SpecimenShifts() []Vec2 {
	img := t.ImageShifts()
	for i := range img {
		img[i] = Vec2{-img[i][0], -img[i][1]}
	}
	return img
}

// Decoded holds all derived quantities for one image.
type Decoded struct {
	Index         int     `json:"index"`
	Rotation      float64 `json:"rotation"`
	Matrix        Matrix2 `json:"matrix"`
	Shift         Vec2    `json:"shift"`
	ImageShift    Vec2    `json:"image_shift"`
	SpecimenShift Vec2    `json:"specimen_shift"`
}

// Decode computes every derived quantity per image.
func (t *Table) Decode(hint *float64) ([]Decoded, Rotations) {
	rot := t.InPlaneRotations(hint)
	mats := t.TransformationMatrices()
	shifts := t.Shifts()
	img := t.ImageShifts()

	out := make([]Decoded, len(t.rows))
	for i := range t.rows {
		out[i] = Decoded{
			Index:         i,
			Rotation:      rot.Angles[i],
			Matrix:        mats[i],
			Shift:         shifts[i],
			ImageShift:    img[i],
			SpecimenShift: Vec2{-img[i][0], -img[i][1]},
		}
	}
	return out, rot
}

// pseudoInverse computes the Moore-Penrose inverse through an SVD, zeroing
// singular values below 1e-15 * max(s) like numpy.linalg.pinv.
func pseudoInverse(m Matrix2) Matrix2 {
	a := mat.NewDense(2, 2, []float64{m[0][0], m[0][1], m[1][0], m[1][1]})

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return Matrix2{}
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	cutoff := 1e-15 * s[0]
	sinv := mat.NewDense(2, 2, nil)
	for i, sv := range s {
		if sv > cutoff {
			sinv.Set(i, i, 1/sv)
		}
	}

	var vs, pinv mat.Dense
	vs.Mul(&v, sinv)
	pinv.Mul(&vs, u.T())

	return Matrix2{
		{pinv.At(0, 0), pinv.At(0, 1)},
		{pinv.At(1, 0), pinv.At(1, 1)},
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func rad2deg(r float64) float64 {
	return r * 180 / math.Pi
}
