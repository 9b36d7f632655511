package optics

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Codec serializes simulation output.
type Codec interface {
	Encode(img image.Image) ([]byte, error)
	MIME() string
	Format() string
}

// PNGCodec is the default output codec.
type PNGCodec struct {
	Level png.CompressionLevel
}

func (c PNGCodec) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: c.Level}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (PNGCodec) MIME() string   { return "image/png" }
func (PNGCodec) Format() string { return "png" }

type JPEGCodec struct {
	Quality int
}

func (c JPEGCodec) Encode(img image.Image) ([]byte, error) {
	q := c.Quality
	if q <= 0 || q > 100 {
		q = 90
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (JPEGCodec) MIME() string   { return "image/jpeg" }
func (JPEGCodec) Format() string { return "jpeg" }

// CodecFor returns the codec registered under name. An empty name selects
// PNG.
func CodecFor(name string, jpegQuality int) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "png":
		return PNGCodec{Level: png.BestSpeed}, nil
	case "jpeg", "jpg":
		return JPEGCodec{Quality: jpegQuality}, nil
	}
	return nil, fmt.Errorf("unknown output format %q", name)
}

// Decode reads an image, refusing inputs larger than maxPixels before the
// pixel data is decoded. It returns the decoded image and its format name.
func Decode(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", &Error{Kind: KindDecode, Stage: StageValidate, Msg: "image is empty"}
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", decodeError(err)
	}
	if err := checkSize(cfg.Width, cfg.Height, maxPixels); err != nil {
		return nil, format, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, decodeError(err)
	}
	return img, format, nil
}

func decodeError(err error) *Error {
	msg := "unable to decode image"
	if errors.Is(err, image.ErrFormat) {
		msg = "unsupported image format"
	}
	return &Error{Kind: KindDecode, Stage: StageValidate, Msg: msg, Err: err}
}

func checkSize(w, h, maxPixels int) error {
	if w <= 0 || h <= 0 {
		return &Error{Kind: KindDecode, Stage: StageValidate, Msg: fmt.Sprintf("image has no pixels (%dx%d)", w, h)}
	}
	if maxPixels > 0 && w*h > maxPixels {
		return resourceError(StageValidate, "image is %dx%d (%d pixels); the limit is %d", w, h, w*h, maxPixels)
	}
	return nil
}
