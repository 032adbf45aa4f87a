package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/vk/fhirloom/internal/ctxlog"
	"github.com/vk/fhirloom/internal/engine"
	"github.com/vk/fhirloom/internal/eventstream"
	"github.com/vk/fhirloom/internal/fhir"
	"github.com/vk/fhirloom/internal/llm"
	"github.com/vk/fhirloom/internal/pool"
	"github.com/vk/fhirloom/internal/prompt"
	"github.com/vk/fhirloom/internal/sink"
	"github.com/vk/fhirloom/internal/source"
)

// Run executes the main application logic: a batch run over the configured
// input file, or a single ad hoc synthesis when a vignette was supplied.
// SIGINT and SIGTERM cancel the run; in-flight tasks drain with cancelled
// records.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.config.Vignette != "" {
		return a.runSingle(ctx)
	}
	return a.runBatch(ctx)
}

// runBatch wires source, engine, and sink together and drives the batch.
func (a *App) runBatch(ctx context.Context) error {
	p := a.profile

	src, err := source.Open(p.Batch.Input, p.Batch.InputColumn)
	if err != nil {
		return err
	}
	defer src.Close()

	writer, err := sink.NewWriter(p.Batch.OutputPath())
	if err != nil {
		return err
	}

	eng := a.buildEngine(ctx, a.resultObserver(ctx), writer)

	if a.config.HealthcheckPort > 0 {
		shutdown := a.startHealthcheckServer(a.config.HealthcheckPort, eng.Summary)
		defer shutdown()
	}

	a.logger.Info("🚀 Starting batch synthesis run...",
		"input", src.Path(),
		"target", p.Batch.Target,
		"generation_pool", p.Generation.Pool,
		"conversion_pool", p.Conversion.Pool,
		"max_iterations", p.Batch.MaxIterations,
	)

	runErr := eng.Run(ctx, src)

	if err := writer.Close(); err != nil {
		a.logger.Error("Failed to close result stream.", "error", err)
	}

	summary := eng.Summary()
	a.logger.Info("🏁 Batch finished.",
		"admitted", summary.Admitted,
		"succeeded", summary.Succeeded,
		"failed_validation", summary.FailedValidation,
		"failed_transport", summary.FailedTransport,
		"cancelled", summary.Cancelled,
		"source_errors", src.Skipped(),
	)
	if a.emitter != nil {
		a.emitter.RunFinished(summary)
		a.emitter.Close()
	}

	if runErr == nil && p.Batch.UploadURL != "" {
		if err := sink.Upload(ctx, writer.Path(), p.Batch.UploadURL); err != nil {
			a.logger.Error("Failed to upload results file.", "error", err)
		}
	}

	// Reporting the output location is the run's final observable action.
	a.logger.Info("✅ Results written.", "path", writer.Path(), "records", writer.Count())
	return runErr
}

// buildEngine assembles the engine from the validated profile.
func (a *App) buildEngine(ctx context.Context, onResult func(engine.Result), resultSink engine.ResultSink) *engine.Engine {
	p := a.profile

	opts := engine.Options{
		Generator:        llm.NewClient(p.Generation),
		Prompts:          prompt.NewBuilder(p.Batch.Target),
		Sink:             resultSink,
		Target:           p.Batch.Target,
		MaxIterations:    p.Batch.MaxIterations,
		GenerationPool:   pool.New(p.Generation.Pool),
		AdmissionBuffer:  p.Batch.AdmissionBuffer,
		Retry:            p.Retry,
		BreakerThreshold: p.Breaker.Threshold,
		OnResult:         onResult,
	}
	if p.Batch.Target.WantsDocument() {
		opts.Converter = fhir.NewClient(p.Conversion)
		opts.ConversionPool = pool.New(p.Conversion.Pool)
	}
	return engine.New(opts)
}

// resultObserver builds the terminal-result hook: progress display and the
// optional live event stream.
func (a *App) resultObserver(ctx context.Context) func(engine.Result) {
	var bar *progressbar.ProgressBar
	if a.config.Progress {
		bar = progressbar.NewOptions64(-1,
			progressbar.OptionSetWriter(a.outW),
			progressbar.OptionSetDescription("rows"),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
		)
	}

	if a.profile.Events != nil {
		emitter, err := eventstream.Connect(ctx, *a.profile.Events)
		if err != nil {
			a.logger.Warn("Event stream unavailable; continuing without it.", "error", err)
		} else {
			a.emitter = emitter
		}
	}

	emitter := a.emitter
	if bar == nil && emitter == nil {
		return nil
	}
	return func(res engine.Result) {
		if bar != nil {
			_ = bar.Add(1)
		}
		if emitter != nil {
			emitter.TaskResult(res)
		}
	}
}
