package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/stevecastle/retinasim/appconfig"
	"github.com/stevecastle/retinasim/auth"
	"github.com/stevecastle/retinasim/optics"
	"github.com/stevecastle/retinasim/renderer"
	"github.com/stevecastle/retinasim/runners"
	"github.com/stevecastle/retinasim/stream"
)

// -----------------------------------------------------------------------------
// Dependencies struct to hold shared dependencies
// -----------------------------------------------------------------------------
type Dependencies struct {
	Config  appconfig.Config
	Engines map[string]*optics.Engine
	Runners *runners.Runners
	Hub     *stream.Hub
	Auth    *auth.Service
	Aliases []appconfig.ResponseKey
	Logger  *slog.Logger
}

// newLogger builds the process logger from the config.
func newLogger(cfg appconfig.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newDependencies builds one engine per configured profile, all sharing the
// output codec and the progress hub.
func newDependencies(cfg appconfig.Config, logger *slog.Logger) (*Dependencies, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := optics.CodecFor(cfg.OutputFormat, cfg.JPEGQuality)
	if err != nil {
		return nil, err
	}
	aliases, err := cfg.Aliases()
	if err != nil {
		return nil, err
	}

	deps := &Dependencies{
		Config:  cfg,
		Engines: make(map[string]*optics.Engine, len(cfg.Profiles)),
		Runners: runners.New(cfg.MaxConcurrent),
		Hub:     stream.NewHub(logger),
		Aliases: aliases,
		Logger:  logger,
	}
	for name, p := range cfg.Profiles {
		e, err := optics.New(p,
			optics.WithCodec(codec),
			optics.WithObserver(deps.Hub),
			optics.WithLogger(logger.With("profile", name)),
		)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		deps.Engines[name] = e
	}
	if cfg.RequireAuth {
		deps.Auth, err = auth.NewService(cfg.JWTSecret)
		if err != nil {
			deps.Close()
			return nil, err
		}
	}
	return deps, nil
}

// Close stops the runners first so no new simulations start, then the hub.
func (d *Dependencies) Close() {
	d.Runners.Shutdown()
	d.Hub.Shutdown()
}

// engine returns the engine for the named profile, or the default one.
func (d *Dependencies) engine(name string) (*optics.Engine, bool) {
	if name == "" {
		name = d.Config.DefaultProfile
	}
	e, ok := d.Engines[name]
	return e, ok
}

// -----------------------------------------------------------------------------
// routes
// -----------------------------------------------------------------------------

// simulatePaths are the paths used by the different web clients.
var simulatePaths = []string{"/simulate", "/simulate/", "/api/simulate/", "/api/vision/simulate/"}

func newMux(deps *Dependencies) *http.ServeMux {
	renderer.AuthMiddleware = nil
	if deps.Auth != nil {
		renderer.AuthMiddleware = func(next http.Handler, _ renderer.AuthRole) http.Handler {
			return deps.Auth.Middleware(next, func(w http.ResponseWriter, r *http.Request, err error) {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
			})
		}
	}

	mux := http.NewServeMux()
	simulate := gzhttp.GzipHandler(renderer.ApplyMiddlewares(simulateHandler(deps), renderer.RoleClient))
	for _, p := range simulatePaths {
		mux.Handle(p, simulate)
	}
	mux.Handle("/chart", gzhttp.GzipHandler(renderer.ApplyMiddlewares(chartHandler(deps), renderer.RolePublic)))
	mux.Handle("/profiles", gzhttp.GzipHandler(renderer.ApplyMiddlewares(profilesHandler(deps), renderer.RolePublic)))
	mux.HandleFunc("/health", renderer.ApplyMiddlewares(healthHandler(deps), renderer.RolePublic))
	mux.HandleFunc("/stream", deps.Hub.StreamHandler)
	return mux
}

// -----------------------------------------------------------------------------
// main
// -----------------------------------------------------------------------------

func main() {
	configPath := flag.String("config", "", "config file (default: config.json in the data directory)")
	issueToken := flag.String("issue-token", "", "print a bearer token for `subject` and exit")
	tokenTTL := flag.Duration("token-ttl", 0, "lifetime of -issue-token tokens; 0 never expires")
	flag.Parse()

	var (
		cfg  appconfig.Config
		path string
		err  error
	)
	if *configPath != "" {
		cfg, path, err = appconfig.LoadFrom(*configPath)
	} else {
		cfg, path, err = appconfig.Load()
	}
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("config loaded", "path", path, "profiles", cfg.ProfileNames())

	if *issueToken != "" {
		svc, err := auth.NewService(cfg.JWTSecret)
		if err != nil {
			logger.Error("cannot issue token", "error", err)
			os.Exit(1)
		}
		token, err := svc.Issue(*issueToken, *tokenTTL)
		if err != nil {
			logger.Error("cannot issue token", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	deps, err := newDependencies(cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newMux(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// start HTTP server in background
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	deps.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	} else {
		logger.Info("HTTP server shutdown complete")
	}
}
