// Package chart draws a Snellen acuity chart whose optotypes have true
// physical size for a given screen density and viewing distance.
package chart

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	// FiveArcMinRad is the angle subtended by a 20/20 optotype.
	FiveArcMinRad = (5.0 / 60) * (math.Pi / 180)

	DefaultWidth = 720
	RowGap       = 16
	LeftMargin   = 20
	// LabelColumn is the width reserved on the right for "20/N" labels.
	LabelColumn = 100
	MinGlyphPx  = 5
)

var (
	Ink        = color.NRGBA{0x11, 0x11, 0x11, 0xff}
	LabelColor = color.NRGBA{0x44, 0x44, 0x44, 0xff}
)

// Line is one row of the chart.
type Line struct {
	Denominator int
	Letters     string
}

// Lines is the default chart, Sloan letters from 20/200 down to 20/10.
var Lines = []Line{
	{200, "E"},
	{100, "FP"},
	{70, "TOZ"},
	{50, "LPED"},
	{40, "PECFD"},
	{30, "EDFCZP"},
	{25, "FELPZD"},
	{20, "DEFPOTEC"},
	{15, "LEFODPCT"},
	{10, "FPZLO"},
}

// MMFor2020 is the height in mm of a 20/20 optotype seen from distanceM.
func MMFor2020(distanceM float64) float64 {
	return distanceM * math.Tan(FiveArcMinRad) * 1000
}

// PxForSnellenDenom is the optotype height in pixels for the 20/denom line.
func PxForSnellenDenom(denom int, distanceM, pxPerMM float64) float64 {
	return MMFor2020(distanceM) * float64(denom) / 20 * pxPerMM
}

type Options struct {
	PxPerMM   float64
	DistanceM float64
	Width     int    // minimum canvas width, DefaultWidth when zero
	Lines     []Line // Lines when nil
}

// Row is a laid-out chart line.
type Row struct {
	Line    Line
	Y       int // top of the optotypes
	Size    int // optotype height and width in px
	Spacing int
	// Clamped is set when the true size was below MinGlyphPx.
	Clamped bool
}

func (r Row) width() int {
	n := len(r.Line.Letters)
	return n*r.Size + (n-1)*r.Spacing
}

func (o Options) validate() error {
	if !(o.PxPerMM > 0) || math.IsInf(o.PxPerMM, 0) {
		return fmt.Errorf("px_per_mm must be positive, got %v", o.PxPerMM)
	}
	if !(o.DistanceM > 0) || math.IsInf(o.DistanceM, 0) {
		return fmt.Errorf("distance must be positive, got %v", o.DistanceM)
	}
	return nil
}

// Layout positions every line and returns the canvas size needed.
func Layout(o Options) (rows []Row, width, height int) {
	lines := o.Lines
	if lines == nil {
		lines = Lines
	}
	width = o.Width
	if width <= 0 {
		width = DefaultWidth
	}

	y := RowGap
	for _, l := range lines {
		exact := PxForSnellenDenom(l.Denominator, o.DistanceM, o.PxPerMM)
		size := int(math.Round(exact))
		r := Row{Line: l, Y: y}
		if size < MinGlyphPx {
			size = MinGlyphPx
			r.Clamped = true
		}
		r.Size = size
		r.Spacing = max(4, size/5)
		rows = append(rows, r)
		width = max(width, LeftMargin+r.width()+LabelColumn+10)
		y += size + RowGap
	}
	return rows, width, y
}

// Render draws the chart in black on white.
func Render(o Options) (*image.NRGBA, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	rows, width, height := Layout(o)
	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	ink := image.NewUniform(Ink)
	glyphs := map[rune]*image.Gray{}
	for _, row := range rows {
		x := LeftMargin
		for _, ch := range row.Line.Letters {
			g, ok := glyphs[ch]
			if !ok {
				g = glyphMask(ch)
				glyphs[ch] = g
			}
			if g != nil {
				mask := asAlpha(resize.Resize(uint(row.Size), uint(row.Size), g, resize.Bilinear))
				dr := image.Rect(x, row.Y, x+row.Size, row.Y+row.Size)
				draw.DrawMask(canvas, dr, ink, image.Point{}, mask, mask.Bounds().Min, draw.Over)
			}
			x += row.Size + row.Spacing
		}
		drawLabel(canvas, width-LabelColumn, row.Y+max(1, row.Size/10), fmt.Sprintf("20/%d", row.Line.Denominator))
	}
	return canvas, nil
}

// glyphMask rasterizes ch with the built-in bitmap face and crops it to its
// ink. It returns nil for glyphs without ink.
func glyphMask(ch rune) *image.Gray {
	face := basicfont.Face7x13
	cell := image.NewGray(image.Rect(0, 0, face.Width, face.Height))
	d := &font.Drawer{
		Dst:  cell,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(string(ch))

	bbox := image.Rectangle{}
	for y := 0; y < face.Height; y++ {
		for x := 0; x < face.Width; x++ {
			if cell.GrayAt(x, y).Y > 0 {
				bbox = bbox.Union(image.Rect(x, y, x+1, y+1))
			}
		}
	}
	if bbox.Empty() {
		return nil
	}
	glyph := image.NewGray(image.Rect(0, 0, bbox.Dx(), bbox.Dy()))
	draw.Draw(glyph, glyph.Bounds(), cell, bbox.Min, draw.Src)
	return glyph
}

// asAlpha reinterprets a grayscale coverage image as an alpha mask.
func asAlpha(img image.Image) *image.Alpha {
	if g, ok := img.(*image.Gray); ok {
		return &image.Alpha{Pix: g.Pix, Stride: g.Stride, Rect: g.Rect}
	}
	b := img.Bounds()
	a := image.NewAlpha(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			a.SetAlpha(x, y, color.Alpha{A: g.Y})
		}
	}
	return a
}

func drawLabel(dst draw.Image, x, top int, text string) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(LabelColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, top+basicfont.Face7x13.Ascent),
	}
	d.DrawString(text)
}
