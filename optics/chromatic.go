package optics

// ChannelKernels returns the PSF for each of R, G and B. In achromatic mode
// all three entries are the same *Kernel, which lets the convolution engine
// share work between channels. In chromatic_rgb mode each channel's defocus
// is shifted by the profile's channel offset.
func ChannelKernels(params Parameters, p Profile) ([3]*Kernel, error) {
	base := KernelSpec{
		DefocusD:  params.DefocusD,
		CylinderD: params.CylinderD,
		AxisDeg:   params.AxisDeg,
		PupilMM:   params.PupilMM,
		PxPerMM:   params.PxPerMM,
	}

	var out [3]*Kernel
	if params.Mode != ModeChromaticRGB {
		k, err := NewKernel(base, p)
		if err != nil {
			return out, err
		}
		return [3]*Kernel{k, k, k}, nil
	}

	for c := range out {
		cs := base
		cs.DefocusD += p.ChannelOffsetsD[c]
		k, err := NewKernel(cs, p)
		if err != nil {
			return [3]*Kernel{}, err
		}
		out[c] = k
	}
	return out, nil
}
