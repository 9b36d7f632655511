package optics

import (
	"context"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fastSize returns the smallest n' >= n whose only prime factors are 2, 3
// and 5.
func fastSize(n int) int {
	if n <= 1 {
		return 1
	}
	for m := n; ; m++ {
		v := m
		for _, f := range [...]int{2, 3, 5} {
			for v%f == 0 {
				v /= f
			}
		}
		if v == 1 {
			return m
		}
	}
}

// grid2D runs separable 2-D transforms of nh x nw real grids. Rows use a
// real transform, so a spectrum holds nh rows of nw/2+1 coefficients.
type grid2D struct {
	nh, nw, nc int
	rows       *fourier.FFT
	cols       *fourier.CmplxFFT
	col        []complex128
}

func newGrid2D(nh, nw int) *grid2D {
	return &grid2D{
		nh:   nh,
		nw:   nw,
		nc:   nw/2 + 1,
		rows: fourier.NewFFT(nw),
		cols: fourier.NewCmplxFFT(nh),
		col:  make([]complex128, nh),
	}
}

func (g *grid2D) forward(ctx context.Context, data []float64) ([]complex128, error) {
	freq := make([]complex128, g.nh*g.nc)
	for y := 0; y < g.nh; y++ {
		g.rows.Coefficients(freq[y*g.nc:(y+1)*g.nc], data[y*g.nw:(y+1)*g.nw])
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.columns(freq, true)
	return freq, ctx.Err()
}

// inverse overwrites freq and returns the unnormalized real grid.
func (g *grid2D) inverse(ctx context.Context, freq []complex128) ([]float64, error) {
	g.columns(freq, false)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]float64, g.nh*g.nw)
	for y := 0; y < g.nh; y++ {
		g.rows.Sequence(out[y*g.nw:(y+1)*g.nw], freq[y*g.nc:(y+1)*g.nc])
	}
	return out, nil
}

func (g *grid2D) columns(freq []complex128, forward bool) {
	for x := 0; x < g.nc; x++ {
		for y := 0; y < g.nh; y++ {
			g.col[y] = freq[y*g.nc+x]
		}
		if forward {
			g.cols.Coefficients(g.col, g.col)
		} else {
			g.cols.Sequence(g.col, g.col)
		}
		for y := 0; y < g.nh; y++ {
			freq[y*g.nc+x] = g.col[y]
		}
	}
}

// transform returns the spectrum of the kernel on an nh x nw grid, computing
// it on first use. The kernel is stored mirrored (tap (dx, dy) at
// (-dx, -dy) mod n) so that the product of spectra correlates the image with
// the kernel, matching the direct path.
func (s *kernelSpectrum) transform(ctx context.Context, nh, nw int) ([]complex128, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coeffs != nil && s.nh == nh && s.nw == nw {
		return s.coeffs, nil
	}

	k := s.kernel
	r := k.Half()
	grid := make([]float64, nh*nw)
	for dy := -r; dy <= r; dy++ {
		gy := ((-dy)%nh + nh) % nh
		for dx := -r; dx <= r; dx++ {
			gx := ((-dx)%nw + nw) % nw
			grid[gy*nw+gx] = k.At(dx, dy)
		}
	}
	coeffs, err := newGrid2D(nh, nw).forward(ctx, grid)
	if err != nil {
		return nil, err
	}
	s.nh, s.nw, s.coeffs = nh, nw, coeffs
	return coeffs, nil
}

// convolveFFT is the frequency-domain equivalent of convolveDirect. The image
// is replicate-padded by the kernel radius and placed in a grid large enough
// that circular wrap-around never reaches the cropped output.
func convolveFFT(ctx context.Context, plane []float64, w, h int, ks *kernelSpectrum) ([]float64, error) {
	r := ks.kernel.Half()
	pw, ph := w+2*r, h+2*r
	nh, nw := fastSize(ph), fastSize(pw)

	kspec, err := ks.transform(ctx, nh, nw)
	if err != nil {
		return nil, err
	}

	padded := padReplicate(plane, w, h, r)
	grid := make([]float64, nh*nw)
	for y := 0; y < ph; y++ {
		copy(grid[y*nw:y*nw+pw], padded[y*pw:(y+1)*pw])
	}

	g := newGrid2D(nh, nw)
	freq, err := g.forward(ctx, grid)
	if err != nil {
		return nil, err
	}
	for i := range freq {
		freq[i] *= kspec[i]
	}
	full, err := g.inverse(ctx, freq)
	if err != nil {
		return nil, err
	}

	scale := 1 / float64(nh*nw)
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		src := full[(y+r)*nw+r : (y+r)*nw+r+w]
		dst := out[y*w : (y+1)*w]
		for x, v := range src {
			dst[x] = v * scale
		}
	}
	return out, nil
}
