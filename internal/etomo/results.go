package etomo

import (
	"fmt"

	"imodalign/internal/imod"
	"imodalign/internal/xf"
)

// Results holds the parsed outputs of an alignment.
type Results struct {
	Table      *xf.Table
	Transforms []xf.Decoded
	Rotations  xf.Rotations
	TiltAngles []float64
	// TiltAngleOffset is nil when align.log has no total tilt angle change.
	TiltAngleOffset *float64
}

// LoadResults reads the xf and tlt files in d and decodes the transforms,
// using hint to sign the in-plane rotations.
func LoadResults(d Directory, hint *float64) (Results, error) {
	table, err := xf.ReadFile(d.Transforms())
	if err != nil {
		return Results{}, err
	}
	angles, err := imod.ReadTiltAngles(d.TiltAngles())
	if err != nil {
		return Results{}, fmt.Errorf("read %s: %w", d.TiltAngles(), err)
	}
	if len(angles) != table.Len() {
		return Results{}, fmt.Errorf("%w: %d transforms for %d tilt angles", xf.ErrFormat, table.Len(), len(angles))
	}

	decoded, rot := table.Decode(hint)
	res := Results{Table: table, Transforms: decoded, Rotations: rot, TiltAngles: angles}

	if exists(d.AlignLog()) {
		offset, ok, err := imod.TiltAngleOffset(d.AlignLog())
		if err != nil {
			return res, err
		}
		if ok {
			res.TiltAngleOffset = &offset
		}
	}
	return res, nil
}
