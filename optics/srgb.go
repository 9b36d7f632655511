package optics

import "math"

// srgbToLinear maps an 8-bit sRGB code value to linear light in [0, 1].
var srgbToLinear = func() (lut [256]float64) {
	for i := range lut {
		c := float64(i) / 255
		if c <= 0.04045 {
			lut[i] = c / 12.92
		} else {
			lut[i] = math.Pow((c+0.055)/1.055, 2.4)
		}
	}
	return lut
}()

// linearToSRGB maps linear light back to an sRGB code value in [0, 255],
// unrounded.
func linearToSRGB(v float64) float64 {
	v = clamp01(v)
	if v <= 0.0031308 {
		return 255 * 12.92 * v
	}
	return 255 * (1.055*math.Pow(v, 1/2.4) - 0.055)
}

// toByte rounds v to the nearest 8-bit value, saturating at both ends.
func toByte(v float64) uint8 {
	v = math.Round(v)
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
