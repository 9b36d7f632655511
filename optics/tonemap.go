package optics

import "math"

// ToneLUT returns the 256-entry table mapping an input code value to
// clamp(255 * (v*contrast/255)^(1/gamma)), rounded.
func ToneLUT(contrast, gamma float64) [256]uint8 {
	var lut [256]uint8
	for i := range lut {
		n := float64(i) * contrast
		if gamma != 1 && n > 0 {
			n = 255 * math.Pow(n/255, 1/gamma)
		}
		lut[i] = toByte(n)
	}
	return lut
}

// ToneMap applies contrast and gamma to r in place. contrast=1, gamma=1 is a
// no-op.
func ToneMap(r *Raster, contrast, gamma float64) {
	if contrast == 1 && gamma == 1 {
		return
	}
	lut := ToneLUT(contrast, gamma)
	for i, v := range r.Pix {
		r.Pix[i] = lut[v]
	}
}
