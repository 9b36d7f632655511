// Package optics simulates how a chart looks through a defocused eye. It
// derives a point spread function from defocus and pupil size, convolves each
// colour channel with it and tone-maps the result.
package optics

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"time"
)

// Stage is a step of the per-request pipeline.
type Stage int

const (
	StageUnknown Stage = iota
	StageValidate
	StageGenerateKernels
	StageConvolve
	StageToneMap
	StageEncode
	StageDone
	StageFailed
)

var stageNames = map[Stage]string{
	StageUnknown:         "unknown",
	StageValidate:        "validate",
	StageGenerateKernels: "generate_kernels",
	StageConvolve:        "convolve",
	StageToneMap:         "tone_map",
	StageEncode:          "encode",
	StageDone:            "done",
	StageFailed:          "failed",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Observer is told about every stage a request enters. err is set only for
// StageFailed. Implementations must be safe for concurrent use.
type Observer interface {
	StageChanged(id string, stage Stage, err error)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(id string, stage Stage, err error)

func (f ObserverFunc) StageChanged(id string, stage Stage, err error) { f(id, stage, err) }

type Option func(*Engine)

func WithCodec(c Codec) Option { return func(e *Engine) { e.codec = c } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithWorkers bounds the row bands used per channel by the direct path.
func WithWorkers(n int) Option { return func(e *Engine) { e.workers = n } }

// Engine runs simulations for one calibration profile. It holds no
// per-request state and is safe for concurrent use.
type Engine struct {
	profile  Profile
	codec    Codec
	observer Observer
	logger   *slog.Logger
	workers  int
}

// New validates p and returns an engine bound to it.
func New(p Profile, opts ...Option) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		profile: p,
		codec:   PNGCodec{Level: png.BestSpeed},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Profile returns a copy of the engine's calibration.
func (e *Engine) Profile() Profile { return e.profile }

// Codec returns the output codec.
func (e *Engine) Codec() Codec { return e.codec }

// Request is one simulation. Exactly one of ImageData and Image must be set.
type Request struct {
	ID        string
	Params    RawParameters
	ImageData []byte
	Image     image.Image
}

// KernelSummary describes the PSF applied to one channel.
type KernelSummary struct {
	Channel  string  `json:"channel"`
	RadiusPx float64 `json:"radius_px"`
	Size     int     `json:"size"`
	Peak     float64 `json:"peak"`
	Sum      float64 `json:"sum"`
	Path     Path    `json:"path"`
}

// Result is the output of a successful simulation.
type Result struct {
	ID          string
	Raster      *Raster
	Encoded     []byte
	MIME        string
	Params      Parameters
	Adjustments []Adjustment
	Kernels     [3]KernelSummary
	Elapsed     time.Duration
}

func (r *Result) Width() int  { return r.Raster.Width }
func (r *Result) Height() int { return r.Raster.Height }

func (e *Engine) notify(id string, s Stage, err error) {
	if e.observer != nil {
		e.observer.StageChanged(id, s, err)
	}
}

// Simulate runs the pipeline Validate, GenerateKernels, Convolve, ToneMap,
// Encode. Any failure ends the request with a *Error and no result.
func (e *Engine) Simulate(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	stage := StageUnknown
	log := e.logger.With("request_id", req.ID)

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = internalError(stage, fmt.Errorf("panic: %v", r), "%s panicked", stage)
		}
		if err != nil {
			err = withStage(err, stage)
			log.ErrorContext(ctx, "simulation failed", "stage", stage.String(), "kind", KindOf(err).String(), "error", err)
			e.notify(req.ID, StageFailed, err)
		}
	}()

	enter := func(s Stage) error {
		stage = s
		if ctxErr := ctx.Err(); ctxErr != nil {
			return internalError(s, ctxErr, "request cancelled")
		}
		e.notify(req.ID, s, nil)
		return nil
	}

	if err := enter(StageValidate); err != nil {
		return nil, err
	}
	params, adjs, err := Normalize(req.Params, e.profile)
	if err != nil {
		return nil, err
	}
	for _, a := range adjs {
		log.WarnContext(ctx, "parameter clamped", "field", a.Field, "from", a.From, "to", a.To)
	}
	src, err := e.source(req)
	if err != nil {
		return nil, err
	}

	if err := enter(StageGenerateKernels); err != nil {
		return nil, err
	}
	kernels, err := ChannelKernels(params, e.profile)
	if err != nil {
		return nil, err
	}

	if err := enter(StageConvolve); err != nil {
		return nil, err
	}
	out, paths, err := Convolve(ctx, src, kernels, ConvolveOptions{
		FFTThresholdPx: e.profile.FFTThresholdPx,
		LinearLight:    e.profile.LinearLight,
		Workers:        e.workers,
	})
	if err != nil {
		return nil, err
	}

	if err := enter(StageToneMap); err != nil {
		return nil, err
	}
	ToneMap(out, params.Contrast, params.Gamma)

	if err := enter(StageEncode); err != nil {
		return nil, err
	}
	encoded, err := e.codec.Encode(out.Image())
	if err != nil {
		return nil, internalError(StageEncode, err, "encoding %s failed", e.codec.Format())
	}

	res = &Result{
		ID:          req.ID,
		Raster:      out,
		Encoded:     encoded,
		MIME:        e.codec.MIME(),
		Params:      params,
		Adjustments: adjs,
		Elapsed:     time.Since(start),
	}
	for c, k := range kernels {
		res.Kernels[c] = KernelSummary{
			Channel:  ChannelNames[c],
			RadiusPx: k.Radius,
			Size:     k.Size,
			Peak:     k.Peak(),
			Sum:      k.Sum(),
			Path:     paths[c],
		}
	}
	stage = StageDone
	e.notify(req.ID, StageDone, nil)
	log.DebugContext(ctx, "simulation done", "width", out.Width, "height", out.Height, "elapsed", res.Elapsed)
	return res, nil
}

func (e *Engine) source(req Request) (*Raster, error) {
	switch {
	case req.Image != nil && len(req.ImageData) > 0:
		return nil, validationError("image", "set either image bytes or a decoded image, not both")
	case req.Image != nil:
		b := req.Image.Bounds()
		if err := checkSize(b.Dx(), b.Dy(), e.profile.MaxPixels); err != nil {
			return nil, err
		}
		return FromImage(req.Image), nil
	case len(req.ImageData) > 0:
		img, _, err := Decode(req.ImageData, e.profile.MaxPixels)
		if err != nil {
			return nil, err
		}
		return FromImage(img), nil
	}
	return nil, validationError("image", "no source image")
}
