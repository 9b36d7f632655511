package optics

import (
	"math"
)

// minRadiusPx is the blur radius below which a PSF is treated as a point.
const minRadiusPx = 0.5

// Kernel is a normalized point spread function sampled on a square, odd-sized
// grid centered on the middle tap.
type Kernel struct {
	Size    int       `json:"size"`
	Radius  float64   `json:"radius_px"`
	Weights []float64 `json:"-"` // row-major, Size*Size, sums to 1
}

// Identity returns the single-tap kernel that leaves an image unchanged.
func Identity() *Kernel {
	return &Kernel{Size: 1, Weights: []float64{1}}
}

func (k *Kernel) IsIdentity() bool { return k.Size == 1 }

// Half is the kernel radius in whole taps.
func (k *Kernel) Half() int { return k.Size / 2 }

// At returns the weight at offset (dx, dy) from the center.
func (k *Kernel) At(dx, dy int) float64 {
	h := k.Half()
	if dx < -h || dx > h || dy < -h || dy > h {
		return 0
	}
	return k.Weights[(dy+h)*k.Size+dx+h]
}

func (k *Kernel) Sum() float64 {
	var s float64
	for _, w := range k.Weights {
		s += w
	}
	return s
}

func (k *Kernel) Peak() float64 {
	var m float64
	for _, w := range k.Weights {
		if w > m {
			m = w
		}
	}
	return m
}

// KernelSpec describes the optics of one channel.
type KernelSpec struct {
	DefocusD  float64
	CylinderD float64
	AxisDeg   float64
	PupilMM   float64
	PxPerMM   float64
}

// BlurRadiusPx is the on-screen blur circle radius in pixels for a given
// defocus and pupil.
func BlurRadiusPx(defocusD, pupilMM, pxPerMM float64, p Profile) float64 {
	return p.BlurCoefficient() * math.Abs(defocusD) * pupilMM * pxPerMM
}

// NewKernel builds the PSF for s. With a cylinder the blur is an ellipse
// whose semi-axis along AxisDeg carries defocus+cylinder and whose other
// semi-axis carries defocus alone.
func NewKernel(s KernelSpec, p Profile) (*Kernel, error) {
	ra := BlurRadiusPx(s.DefocusD+s.CylinderD, s.PupilMM, s.PxPerMM, p)
	rb := BlurRadiusPx(s.DefocusD, s.PupilMM, s.PxPerMM, p)
	r := math.Max(ra, rb)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return nil, internalError(StageGenerateKernels, nil, "blur radius is not finite")
	}
	if r < minRadiusPx {
		return Identity(), nil
	}

	half := int(math.Ceil(r))
	if half > p.MaxKernelRadiusPx {
		return nil, resourceError(StageGenerateKernels,
			"blur radius %.1f px exceeds the limit of %d px; lower defocus, pupil or px_per_mm", r, p.MaxKernelRadiusPx)
	}

	size := 2*half + 1
	k := &Kernel{Size: size, Radius: r, Weights: make([]float64, size*size)}
	a := math.Max(ra, minRadiusPx)
	b := math.Max(rb, minRadiusPx)
	theta := s.AxisDeg * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)

	var weight func(u, v float64) float64
	switch p.KernelShape {
	case ShapeGaussian:
		su, sv := a/2, b/2
		weight = func(u, v float64) float64 {
			return math.Exp(-0.5 * (u*u/(su*su) + v*v/(sv*sv)))
		}
	default:
		// Pillbox with a one-pixel linear ramp at the rim so the radius
		// varies smoothly between integer sizes.
		m := math.Sqrt(a * b)
		weight = func(u, v float64) float64 {
			rho := math.Sqrt(u*u/(a*a) + v*v/(b*b))
			return clamp01((1-rho)*m + 0.5)
		}
	}

	var sum float64
	for y := -half; y <= half; y++ {
		for x := -half; x <= half; x++ {
			// image y grows downward; axes are measured counterclockwise
			fx, fy := float64(x), float64(-y)
			u := fx*cos + fy*sin
			v := -fx*sin + fy*cos
			w := weight(u, v)
			k.Weights[(y+half)*size+x+half] = w
			sum += w
		}
	}
	if !(sum > 0) {
		return nil, internalError(StageGenerateKernels, nil, "kernel has no energy")
	}
	for i := range k.Weights {
		k.Weights[i] /= sum
	}
	return k, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
