package optics

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Wire names of the simulation parameters.
const (
	FieldDefocus  = "defocus_D"
	FieldPupil    = "pupil_mm"
	FieldPxPerMM  = "px_per_mm"
	FieldMode     = "chromatic_mode"
	FieldContrast = "contrast"
	FieldGamma    = "gamma"
	FieldCylinder = "cylinder_D"
	FieldAxis     = "axis_deg"
)

// fieldAliases maps names used by older clients onto the current ones.
var fieldAliases = map[string]string{
	"diopters":       FieldDefocus,
	"astig_axis_deg": FieldAxis,
}

// Fields lists every parameter name Normalize understands, aliases included.
func Fields() []string {
	out := []string{FieldDefocus, FieldPupil, FieldPxPerMM, FieldMode, FieldContrast, FieldGamma, FieldCylinder, FieldAxis}
	for alias := range fieldAliases {
		out = append(out, alias)
	}
	return out
}

// ChromaticMode selects whether channels share one PSF.
type ChromaticMode string

const (
	ModeAchromatic   ChromaticMode = "achromatic"
	ModeChromaticRGB ChromaticMode = "chromatic_rgb"
)

// ParseChromaticMode accepts the mode names case-insensitively.
func ParseChromaticMode(s string) (ChromaticMode, error) {
	switch ChromaticMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAchromatic:
		return ModeAchromatic, nil
	case ModeChromaticRGB:
		return ModeChromaticRGB, nil
	}
	return "", fmt.Errorf("unknown chromatic mode %q", s)
}

// RawParameters is an unvalidated parameter set as decoded from a request.
// Values may be float64, json.Number, numeric strings or integers.
type RawParameters map[string]any

// Parameters is a validated, clamped parameter set.
type Parameters struct {
	DefocusD  float64       `json:"defocus_D"`
	PupilMM   float64       `json:"pupil_mm"`
	Mode      ChromaticMode `json:"chromatic_mode"`
	Contrast  float64       `json:"contrast"`
	Gamma     float64       `json:"gamma"`
	PxPerMM   float64       `json:"px_per_mm"`
	CylinderD float64       `json:"cylinder_D"`
	AxisDeg   float64       `json:"axis_deg"`
}

// Adjustment records a value that Normalize changed to bring it in range.
type Adjustment struct {
	Field string  `json:"field"`
	From  float64 `json:"from"`
	To    float64 `json:"to"`
}

// lookup returns the value for name, falling back to its aliases.
func (raw RawParameters) lookup(name string) (any, bool) {
	if v, ok := raw[name]; ok && v != nil {
		return v, true
	}
	for alias, canonical := range fieldAliases {
		if canonical != name {
			continue
		}
		if v, ok := raw[alias]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Normalize validates raw against the profile limits. defocus_D and pupil_mm
// are required; other fields default from the profile. Out-of-range numbers
// are clamped and reported; non-numeric or non-finite values are rejected.
func Normalize(raw RawParameters, p Profile) (Parameters, []Adjustment, error) {
	var (
		out  Parameters
		adjs []Adjustment
	)

	number := func(name string, required bool, def float64, r Range) (float64, error) {
		v, ok := raw.lookup(name)
		if !ok {
			if required {
				return 0, validationError(name, "is required")
			}
			return def, nil
		}
		f, ok := toFloat(v)
		if !ok {
			return 0, validationError(name, "must be numeric, got %v", v)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, validationError(name, "must be finite, got %v", f)
		}
		c := f
		if name == FieldAxis {
			c = wrapAxis(c)
		}
		c = r.Clamp(c)
		if c != f {
			adjs = append(adjs, Adjustment{Field: name, From: f, To: c})
		}
		return c, nil
	}

	var err error
	if out.DefocusD, err = number(FieldDefocus, true, 0, p.Limits.DefocusD); err != nil {
		return Parameters{}, nil, err
	}
	if out.PupilMM, err = number(FieldPupil, true, 0, p.Limits.PupilMM); err != nil {
		return Parameters{}, nil, err
	}
	if out.PxPerMM, err = number(FieldPxPerMM, false, p.Defaults.PxPerMM, p.Limits.PxPerMM); err != nil {
		return Parameters{}, nil, err
	}
	if out.Contrast, err = number(FieldContrast, false, p.Defaults.Contrast, p.Limits.Contrast); err != nil {
		return Parameters{}, nil, err
	}
	if out.Gamma, err = number(FieldGamma, false, p.Defaults.Gamma, p.Limits.Gamma); err != nil {
		return Parameters{}, nil, err
	}
	if out.CylinderD, err = number(FieldCylinder, false, p.Defaults.CylinderD, p.Limits.CylinderD); err != nil {
		return Parameters{}, nil, err
	}
	if out.AxisDeg, err = number(FieldAxis, false, p.Defaults.AxisDeg, p.Limits.AxisDeg); err != nil {
		return Parameters{}, nil, err
	}

	out.Mode = p.Defaults.Mode
	if v, ok := raw.lookup(FieldMode); ok {
		s, isString := v.(string)
		if !isString {
			return Parameters{}, nil, validationError(FieldMode, "must be a string, got %v", v)
		}
		if strings.TrimSpace(s) != "" {
			mode, err := ParseChromaticMode(s)
			if err != nil {
				return Parameters{}, nil, validationError(FieldMode, "must be %q or %q, got %q", ModeAchromatic, ModeChromaticRGB, s)
			}
			out.Mode = mode
		}
	}
	if out.Mode == "" {
		out.Mode = ModeAchromatic
	}
	return out, adjs, nil
}

// wrapAxis folds an axis angle into [0, 180). Axes are undirected.
func wrapAxis(deg float64) float64 {
	deg = math.Mod(deg, 180)
	if deg < 0 {
		deg += 180
	}
	return deg
}
