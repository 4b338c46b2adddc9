package tasks

import (
	"bytes"
	"embed"
	"fmt"
	"path/filepath"
	"strconv"

	"imodalign/internal/imod"
)

//go:embed templates/*.adoc
var templateFS embed.FS

const (
	fiducialsTemplate     = "templates/fiducials.adoc"
	patchTrackingTemplate = "templates/patch_tracking.adoc"
)

// Directive keys set from request parameters.
const (
	KeyStackExtension = "setupset.copyarg.stackext"
	KeyRotation       = "setupset.copyarg.rotation"
	KeyPixelSize      = "setupset.copyarg.pixel"
	KeyFiducialSize   = "setupset.copyarg.gold"
	KeyBinByFactor    = "comparam.prenewst.newstack.BinByFactor"
	KeyPatchSize      = "comparam.xcorr_pt.tiltxcorr.SizeOfPatchesXandY"
	KeyPatchOverlap   = "comparam.xcorr_pt.tiltxcorr.OverlapOfPatchesXandY"
)

// LoadTemplate reads a directive template from path, or the built-in one for
// alignType when path is empty.
func LoadTemplate(alignType AlignmentType, path string) (*imod.Directive, error) {
	if path != "" {
		d, err := imod.ReadDirective(path)
		if err != nil {
			return nil, fmt.Errorf("read directive template: %w", err)
		}
		return d, nil
	}
	name := fiducialsTemplate
	if alignType == AlignmentPatchTracking {
		name = patchTrackingTemplate
	}
	data, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return imod.ParseDirective(bytes.NewReader(data))
}

// FiducialDirective fills a fiducial template for the staged stack.
func FiducialDirective(template *imod.Directive, stackFile string, pixelSize, fiducialSize, rotation, targetPixelSize float64) (*imod.Directive, int) {
	bin := OptimalPowerOfTwoBinning(pixelSize, targetPixelSize)
	d := template.Clone()
	setCommon(d, stackFile, pixelSize, rotation, bin)
	d.Set(KeyFiducialSize, formatFloat(fiducialSize))
	return d, bin
}

// PatchTrackingDirective fills a patch-tracking template. patchSize is in Å and
// is converted to binned pixels; overlap is a percentage per direction.
func PatchTrackingDirective(template *imod.Directive, stackFile string, pixelSize, rotation, patchSize, overlapPercentage, targetPixelSize float64) (*imod.Directive, int) {
	bin := OptimalPowerOfTwoBinning(pixelSize, targetPixelSize)
	d := template.Clone()
	setCommon(d, stackFile, pixelSize, rotation, bin)

	patchPx := int(patchSize / pixelSize)
	binned := patchPx / bin
	overlap := formatFloat(overlapPercentage / 100)
	d.Set(KeyPatchOverlap, overlap+","+overlap)
	d.Set(KeyPatchSize, strconv.Itoa(binned)+","+strconv.Itoa(binned))
	return d, bin
}

func setCommon(d *imod.Directive, stackFile string, pixelSize, rotation float64, bin int) {
	d.Set(KeyStackExtension, filepath.Ext(stackFile))
	d.Set(KeyRotation, formatFloat(rotation))
	// batchruntomo takes the pixel size in nm
	d.Set(KeyPixelSize, formatFloat(pixelSize/10))
	d.Set(KeyBinByFactor, strconv.Itoa(bin))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
