package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/fhirloom/internal/config"
	"github.com/vk/fhirloom/internal/ctxlog"
	"github.com/vk/fhirloom/internal/eventstream"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW    io.Writer
	logger  *slog.Logger
	config  *Config
	profile *config.Profile

	// emitter is the optional live event stream, connected during Run.
	emitter *eventstream.Emitter
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger and a validated run
// profile. Unusable startup configuration panics; main recovers for a clean
// exit message.
func NewApp(outW io.Writer, appConfig *Config, loader config.Loader) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	profile := config.Default()
	if appConfig.ProfilePath != "" {
		loaded, err := loader.Load(ctx, appConfig.ProfilePath)
		if err != nil {
			// A failure to load the profile is a fatal startup error.
			panic(fmt.Errorf("failed to load profile: %w", err))
		}
		profile = loaded
		logger.Debug("Profile loaded.", "path", appConfig.ProfilePath)
	}

	applyOverrides(profile, appConfig)
	logger.Debug("Flag overrides applied to profile.")

	if err := profile.Validate(); err != nil {
		panic(fmt.Errorf("invalid configuration: %w", err))
	}
	if appConfig.Vignette == "" {
		if profile.Batch.Input == "" {
			panic(fmt.Errorf("invalid configuration: batch mode requires an input file (--input or batch.input); use --vignette for a single ad hoc synthesis"))
		}
		if profile.Batch.InputColumn == "" {
			panic(fmt.Errorf("invalid configuration: batch mode requires an input column (--column or batch.input_column)"))
		}
	}
	logger.Debug("Configuration validation passed.")

	return &App{
		outW:    outW,
		logger:  logger,
		config:  appConfig,
		profile: profile,
	}
}

// Profile returns the validated run profile. This is primarily for testing.
func (a *App) Profile() *config.Profile {
	return a.profile
}

// applyOverrides layers non-zero CLI values over the loaded profile.
func applyOverrides(p *config.Profile, cfg *Config) {
	if cfg.Input != "" {
		p.Batch.Input = cfg.Input
	}
	if cfg.Column != "" {
		p.Batch.InputColumn = cfg.Column
	}
	if cfg.Target != "" {
		// cli.Parse already rejected invalid target names.
		if target, err := config.ParseTarget(cfg.Target); err == nil {
			p.Batch.Target = target
		}
	}
	if cfg.MaxIterations >= 0 {
		p.Batch.MaxIterations = cfg.MaxIterations
	}
	if cfg.OutDir != "" {
		p.Batch.OutputDir = cfg.OutDir
	}
	if cfg.OutFile != "" {
		p.Batch.OutputFile = cfg.OutFile
	}
	if cfg.GenURL != "" {
		p.Generation.URL = cfg.GenURL
	}
	if cfg.GenModel != "" {
		p.Generation.Model = cfg.GenModel
	}
	if cfg.GenPool > 0 {
		p.Generation.Pool = cfg.GenPool
	}
	if cfg.ConvertURL != "" {
		p.Conversion.URL = cfg.ConvertURL
	}
	if cfg.ConvertPool > 0 {
		p.Conversion.Pool = cfg.ConvertPool
	}
}
