package optics

import (
	"fmt"
	"math"
)

// KernelShape selects the point spread function profile.
type KernelShape string

const (
	ShapeDisk     KernelShape = "disk"
	ShapeGaussian KernelShape = "gaussian"
)

// Channel indices into an RGB triple.
const (
	ChannelR = iota
	ChannelG
	ChannelB
)

// ChannelNames maps channel indices to their names.
var ChannelNames = [3]string{"R", "G", "B"}

// Reference wavelengths (nm) for each display channel. Green is the focus
// reference.
var ChannelWavelengthsNM = [3]float64{610, 555, 460}

// ChromaticDifference returns the longitudinal chromatic aberration of the
// reduced eye at lambdaNM, in diopters relative to the 555 nm reference.
func ChromaticDifference(lambdaNM float64) float64 {
	d := func(l float64) float64 { return 1.68524 - 633.46/(l-214.102) }
	return d(lambdaNM) - d(ChannelWavelengthsNM[ChannelG])
}

// Range is a closed numeric interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp limits v to the range.
func (r Range) Clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

func (r Range) valid() bool {
	return !math.IsNaN(r.Min) && !math.IsNaN(r.Max) && !math.IsInf(r.Min, 0) && !math.IsInf(r.Max, 0) && r.Min <= r.Max
}

// Limits bounds every user-facing parameter.
type Limits struct {
	DefocusD  Range `json:"defocusD"`
	PupilMM   Range `json:"pupilMm"`
	PxPerMM   Range `json:"pxPerMm"`
	Contrast  Range `json:"contrast"`
	Gamma     Range `json:"gamma"`
	CylinderD Range `json:"cylinderD"`
	AxisDeg   Range `json:"axisDeg"`
}

// Defaults fill the optional parameters of a request.
type Defaults struct {
	PxPerMM   float64       `json:"pxPerMm"`
	Contrast  float64       `json:"contrast"`
	Gamma     float64       `json:"gamma"`
	Mode      ChromaticMode `json:"chromaticMode"`
	CylinderD float64       `json:"cylinderD"`
	AxisDeg   float64       `json:"axisDeg"`
}

// Profile holds the calibration constants of an engine. An Engine copies its
// profile at construction and never changes it.
type Profile struct {
	Name string `json:"name"`

	// ViewingDistanceM is the eye-to-screen distance. It sets the blur
	// coefficient and the optotype sizes of the procedural chart.
	ViewingDistanceM float64 `json:"viewingDistanceM"`

	// ChannelOffsetsD is added to the defocus of each channel in
	// chromatic_rgb mode.
	ChannelOffsetsD [3]float64 `json:"channelOffsetsD"`

	KernelShape       KernelShape `json:"kernelShape"`
	MaxKernelRadiusPx int         `json:"maxKernelRadiusPx"`
	FFTThresholdPx    int         `json:"fftThresholdPx"`
	MaxPixels         int         `json:"maxPixels"`

	// LinearLight convolves in linear light instead of on sRGB code values.
	LinearLight bool `json:"linearLight"`

	Limits   Limits   `json:"limits"`
	Defaults Defaults `json:"defaults"`
}

// DefaultLimits returns the parameter ranges used by the web client.
func DefaultLimits() Limits {
	return Limits{
		DefocusD:  Range{-6, 6},
		PupilMM:   Range{2, 7},
		PxPerMM:   Range{1, 12},
		Contrast:  Range{0.5, 1.5},
		Gamma:     Range{0.7, 1.5},
		CylinderD: Range{-4, 4},
		AxisDeg:   Range{0, 180},
	}
}

// DefaultProfile returns the standard calibration: 60 cm viewing distance,
// pillbox PSF, sRGB-space convolution.
func DefaultProfile() Profile {
	return Profile{
		Name:             "standard",
		ViewingDistanceM: 0.6,
		ChannelOffsetsD: [3]float64{
			ChromaticDifference(ChannelWavelengthsNM[ChannelR]),
			0,
			ChromaticDifference(ChannelWavelengthsNM[ChannelB]),
		},
		KernelShape:       ShapeDisk,
		MaxKernelRadiusPx: 300,
		FFTThresholdPx:    10,
		MaxPixels:         4_000_000,
		Limits:            DefaultLimits(),
		Defaults: Defaults{
			PxPerMM:  4,
			Contrast: 1,
			Gamma:    1,
			Mode:     ModeAchromatic,
		},
	}
}

// BlurCoefficient converts |D| * pupil_mm into a blur radius in mm on the
// screen: the retinal blur circle subtends pupil*|D| radians, projected back
// over the viewing distance, halved for a radius.
func (p Profile) BlurCoefficient() float64 { return p.ViewingDistanceM / 2 }

// Validate checks that the profile can drive an engine.
func (p Profile) Validate() error {
	bad := func(format string, args ...any) error {
		return &Error{Kind: KindValidation, Msg: fmt.Sprintf("profile %q: ", p.Name) + fmt.Sprintf(format, args...)}
	}
	if !(p.ViewingDistanceM > 0) || math.IsInf(p.ViewingDistanceM, 0) {
		return bad("viewing distance must be positive, got %v", p.ViewingDistanceM)
	}
	for c, off := range p.ChannelOffsetsD {
		if math.IsNaN(off) || math.IsInf(off, 0) {
			return bad("channel %s offset is not finite", ChannelNames[c])
		}
	}
	switch p.KernelShape {
	case ShapeDisk, ShapeGaussian:
	default:
		return bad("unknown kernel shape %q", p.KernelShape)
	}
	if p.MaxKernelRadiusPx < 1 {
		return bad("maxKernelRadiusPx must be at least 1")
	}
	if p.FFTThresholdPx < 0 {
		return bad("fftThresholdPx must not be negative")
	}
	if p.MaxPixels < 1 {
		return bad("maxPixels must be at least 1")
	}
	ranges := []struct {
		name string
		r    Range
	}{
		{FieldDefocus, p.Limits.DefocusD},
		{FieldPupil, p.Limits.PupilMM},
		{FieldPxPerMM, p.Limits.PxPerMM},
		{FieldContrast, p.Limits.Contrast},
		{FieldGamma, p.Limits.Gamma},
		{FieldCylinder, p.Limits.CylinderD},
		{FieldAxis, p.Limits.AxisDeg},
	}
	for _, rr := range ranges {
		if !rr.r.valid() {
			return bad("invalid range for %s: [%v, %v]", rr.name, rr.r.Min, rr.r.Max)
		}
	}
	if !(p.Limits.PupilMM.Min > 0) || !(p.Limits.PxPerMM.Min > 0) {
		return bad("pupil and px_per_mm ranges must be positive")
	}
	if !(p.Limits.Gamma.Min > 0) || p.Limits.Contrast.Min < 0 {
		return bad("gamma must be positive and contrast non-negative")
	}
	if _, err := ParseChromaticMode(string(p.Defaults.Mode)); err != nil {
		return bad("default chromatic mode %q", p.Defaults.Mode)
	}
	return nil
}
