package optics

import (
	"image"
	"image/color"
	"image/draw"
)

// Raster is an 8-bit RGB image with interleaved samples and no padding.
type Raster struct {
	Width  int
	Height int
	Pix    []uint8 // len = Width*Height*3
}

func NewRaster(w, h int) *Raster {
	return &Raster{Width: w, Height: h, Pix: make([]uint8, w*h*3)}
}

// FromImage copies img into a Raster, compositing any transparency over white.
func FromImage(img image.Image) *Raster {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Over)

	r := NewRaster(b.Dx(), b.Dy())
	for y := 0; y < r.Height; y++ {
		src := rgba.Pix[y*rgba.Stride : y*rgba.Stride+r.Width*4]
		dst := r.Pix[y*r.Width*3 : (y+1)*r.Width*3]
		for x := 0; x < r.Width; x++ {
			dst[x*3+0] = src[x*4+0]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return r
}

// Image returns an opaque NRGBA view of the raster for encoding.
func (r *Raster) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
	for i, j := 0, 0; i < len(r.Pix); i, j = i+3, j+4 {
		img.Pix[j+0] = r.Pix[i+0]
		img.Pix[j+1] = r.Pix[i+1]
		img.Pix[j+2] = r.Pix[i+2]
		img.Pix[j+3] = 255
	}
	return img
}

func (r *Raster) Clone() *Raster {
	c := &Raster{Width: r.Width, Height: r.Height, Pix: make([]uint8, len(r.Pix))}
	copy(c.Pix, r.Pix)
	return c
}

// At returns the RGB triple at (x, y).
func (r *Raster) At(x, y int) [3]uint8 {
	i := (y*r.Width + x) * 3
	return [3]uint8{r.Pix[i], r.Pix[i+1], r.Pix[i+2]}
}
