// retinasim renders how an image or the Snellen chart looks through a
// defocused eye.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/browser"

	"github.com/stevecastle/retinasim/appconfig"
	"github.com/stevecastle/retinasim/chart"
	"github.com/stevecastle/retinasim/optics"
)

// errUsage marks mistakes on the command line.
var errUsage = errors.New("usage")

var openFile = browser.OpenFile

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code: 2 for usage errors, 1 for failures.
func run(args []string, stdout, stderr io.Writer) int {
	if err := simulate(args, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "retinasim: %v\n", err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

func simulate(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("retinasim", flag.ContinueOnError)
	fs.SetOutput(stderr)

	inPath := fs.String("in", "", "input image path (PNG/JPEG/GIF/WEBP/BMP/TIFF); empty uses the Snellen chart")
	outPath := fs.String("out", "simulated.png", "output image path")
	defocus := fs.Float64("defocus", 0, "defocus in diopters (required)")
	pupil := fs.Float64("pupil", 0, "pupil diameter in mm (required)")
	pxPerMM := fs.Float64("px-per-mm", 0, "screen pixels per mm (profile default when unset)")
	mode := fs.String("mode", "", "chromatic mode: achromatic|chromatic_rgb")
	contrast := fs.Float64("contrast", 1, "contrast multiplier")
	gamma := fs.Float64("gamma", 1, "gamma exponent")
	cylinder := fs.Float64("cylinder", 0, "astigmatic cylinder in diopters")
	axis := fs.Float64("axis", 0, "cylinder axis in degrees")
	format := fs.String("format", "", "output format: png|jpeg (config default when unset)")
	configPath := fs.String("config", "", "config file with calibration profiles")
	profileName := fs.String("profile", "", "calibration profile name")
	timeout := fs.Duration("timeout", time.Minute, "abort the simulation after this long")
	open := fs.Bool("open", false, "open the result with the desktop viewer")
	chartOnly := fs.Bool("chart-only", false, "write the unblurred Snellen chart and exit")
	verbose := fs.Bool("v", false, "log pipeline stages")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := appconfig.Config{
		OutputFormat:   "png",
		JPEGQuality:    90,
		DefaultProfile: "standard",
		Profiles:       appconfig.DefaultProfiles(),
	}
	if *configPath != "" {
		loaded, _, err := appconfig.LoadFrom(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	profile, ok := cfg.Profile(*profileName)
	if !ok {
		return fmt.Errorf("%w: unknown profile %q (have %v)", errUsage, *profileName, cfg.ProfileNames())
	}
	if *format == "" {
		*format = cfg.OutputFormat
	}
	codec, err := optics.CodecFor(*format, cfg.JPEGQuality)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	density := profile.Defaults.PxPerMM
	if set["px-per-mm"] {
		density = *pxPerMM
	}

	if *chartOnly {
		img, err := chart.Render(chart.Options{PxPerMM: density, DistanceM: profile.ViewingDistanceM})
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		if err := savePNG(*outPath, img); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s (%dx%d)\n", *outPath, img.Bounds().Dx(), img.Bounds().Dy())
		return maybeOpen(*open, *outPath)
	}

	if !set["defocus"] || !set["pupil"] {
		return fmt.Errorf("%w: -defocus and -pupil are required", errUsage)
	}

	params := optics.RawParameters{
		optics.FieldDefocus: *defocus,
		optics.FieldPupil:   *pupil,
	}
	optional := []struct {
		flag  string
		field string
		value any
	}{
		{"px-per-mm", optics.FieldPxPerMM, *pxPerMM},
		{"mode", optics.FieldMode, *mode},
		{"contrast", optics.FieldContrast, *contrast},
		{"gamma", optics.FieldGamma, *gamma},
		{"cylinder", optics.FieldCylinder, *cylinder},
		{"axis", optics.FieldAxis, *axis},
	}
	for _, o := range optional {
		if set[o.flag] {
			params[o.field] = o.value
		}
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	opts := []optics.Option{optics.WithCodec(codec), optics.WithLogger(logger)}
	if *verbose {
		opts = append(opts, optics.WithObserver(optics.ObserverFunc(func(id string, s optics.Stage, err error) {
			logger.Debug("stage", "stage", s.String())
		})))
	}
	engine, err := optics.New(profile, opts...)
	if err != nil {
		return err
	}

	req := optics.Request{ID: "cli", Params: params}
	if *inPath != "" {
		req.ImageData, err = os.ReadFile(*inPath)
		if err != nil {
			return err
		}
	} else {
		norm, _, err := optics.Normalize(params, profile)
		if err != nil {
			return err
		}
		req.Image, err = chart.Render(chart.Options{PxPerMM: norm.PxPerMM, DistanceM: profile.ViewingDistanceM})
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	res, err := engine.Simulate(ctx, req)
	if err != nil {
		return err
	}
	for _, a := range res.Adjustments {
		fmt.Fprintf(stderr, "clamped %s from %g to %g\n", a.Field, a.From, a.To)
	}
	if err := os.WriteFile(*outPath, res.Encoded, 0644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s (%dx%d, %s, kernel %d px, %v)\n",
		*outPath, res.Width(), res.Height(), res.Kernels[optics.ChannelG].Path,
		res.Kernels[optics.ChannelG].Size, res.Elapsed.Round(time.Millisecond))
	return maybeOpen(*open, *outPath)
}

func maybeOpen(open bool, path string) error {
	if !open {
		return nil
	}
	return openFile(path)
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(f, img); err != nil {
		return err
	}
	return f.Close()
}
