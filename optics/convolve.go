package optics

import (
	"context"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Path names the algorithm used to convolve one channel.
type Path string

const (
	PathIdentity Path = "identity"
	PathDirect   Path = "direct"
	PathFFT      Path = "fft"
)

// ConvolveOptions tunes Convolve.
type ConvolveOptions struct {
	// FFTThresholdPx is the largest kernel radius convolved tap by tap.
	// Larger kernels go through the FFT path.
	FFTThresholdPx int
	LinearLight    bool
	Workers        int // defaults to GOMAXPROCS
}

// Convolve applies kernels[c] to channel c of src. Channels run in parallel
// and write disjoint samples of the result. Edges are extended by
// replicating the border pixel.
func Convolve(ctx context.Context, src *Raster, kernels [3]*Kernel, opts ConvolveOptions) (*Raster, [3]Path, error) {
	var paths [3]Path
	for c, k := range kernels {
		if k == nil {
			return nil, paths, internalError(StageConvolve, nil, "missing kernel for channel %s", ChannelNames[c])
		}
	}
	if opts.Workers < 1 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}

	// One lazily computed spectrum per distinct kernel.
	spectra := map[*Kernel]*kernelSpectrum{}
	for _, k := range kernels {
		if _, ok := spectra[k]; !ok {
			spectra[k] = &kernelSpectrum{kernel: k}
		}
	}

	dst := NewRaster(src.Width, src.Height)
	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < 3; c++ {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			k := kernels[c]
			if k.IsIdentity() {
				copyChannel(dst, src, c)
				paths[c] = PathIdentity
				return nil
			}

			plane := extractPlane(src, c, opts.LinearLight)
			var (
				out []float64
				err error
			)
			if k.Half() > opts.FFTThresholdPx {
				paths[c] = PathFFT
				out, err = convolveFFT(gctx, plane, src.Width, src.Height, spectra[k])
			} else {
				paths[c] = PathDirect
				out, err = convolveDirect(gctx, plane, src.Width, src.Height, k, opts.Workers)
			}
			if err != nil {
				return err
			}
			return storePlane(dst, out, c, opts.LinearLight)
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, paths, internalError(StageConvolve, ctxErr, "convolution interrupted")
		}
		return nil, paths, withStage(err, StageConvolve)
	}
	return dst, paths, nil
}

func copyChannel(dst, src *Raster, c int) {
	for i := c; i < len(src.Pix); i += 3 {
		dst.Pix[i] = src.Pix[i]
	}
}

func extractPlane(r *Raster, c int, linear bool) []float64 {
	plane := make([]float64, r.Width*r.Height)
	for i := range plane {
		v := r.Pix[i*3+c]
		if linear {
			plane[i] = srgbToLinear[v]
		} else {
			plane[i] = float64(v)
		}
	}
	return plane
}

func storePlane(dst *Raster, plane []float64, c int, linear bool) error {
	for i, v := range plane {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return internalError(StageConvolve, nil, "non-finite value in channel %s at pixel %d", ChannelNames[c], i)
		}
		if linear {
			v = linearToSRGB(v)
		}
		dst.Pix[i*3+c] = toByte(v)
	}
	return nil
}

// padReplicate returns plane extended by r pixels on every side, copying the
// nearest edge pixel into the border.
func padReplicate(plane []float64, w, h, r int) []float64 {
	pw, ph := w+2*r, h+2*r
	out := make([]float64, pw*ph)
	for py := 0; py < ph; py++ {
		sy := clampInt(py-r, 0, h-1)
		row := plane[sy*w : (sy+1)*w]
		dst := out[py*pw : (py+1)*pw]
		for px := range dst {
			dst[px] = row[clampInt(px-r, 0, w-1)]
		}
	}
	return out
}

type tap struct {
	off int
	w   float64
}

// convolveDirect evaluates the kernel tap by tap, in row bands.
func convolveDirect(ctx context.Context, plane []float64, w, h int, k *Kernel, workers int) ([]float64, error) {
	r := k.Half()
	pw := w + 2*r
	padded := padReplicate(plane, w, h, r)

	taps := make([]tap, 0, len(k.Weights))
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if wt := k.At(dx, dy); wt != 0 {
				taps = append(taps, tap{off: (dy+r)*pw + dx + r, w: wt})
			}
		}
	}

	out := make([]float64, w*h)
	g, gctx := errgroup.WithContext(ctx)
	for _, band := range splitRows(h, workers) {
		band := band
		g.Go(func() error {
			for y := band[0]; y < band[1]; y++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				row := out[y*w : (y+1)*w]
				for x := range row {
					base := y*pw + x
					var s float64
					for _, t := range taps {
						s += padded[base+t.off] * t.w
					}
					row[x] = s
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// splitRows divides h rows into at most workers contiguous bands.
func splitRows(h, workers int) [][2]int {
	if h <= 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > h {
		workers = h
	}
	rows := make([][2]int, 0, workers)
	step := h / workers
	start := 0
	for i := 0; i < workers; i++ {
		end := start + step
		if i == workers-1 {
			end = h
		}
		rows = append(rows, [2]int{start, end})
		start = end
	}
	return rows
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// kernelSpectrum caches the transform of a kernel for one grid size. Channels
// that share a kernel share the spectrum.
type kernelSpectrum struct {
	kernel *Kernel

	mu     sync.Mutex
	nh, nw int
	coeffs []complex128
}
