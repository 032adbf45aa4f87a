package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/fhirloom/internal/config"
	"github.com/vk/fhirloom/internal/ctxlog"
	"github.com/vk/fhirloom/internal/fhir"
	"github.com/vk/fhirloom/internal/pool"
	"github.com/vk/fhirloom/internal/prompt"
	"github.com/vk/fhirloom/internal/source"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrSystemicFailure is returned by Run when the circuit breaker tripped:
// consecutive tasks died of transport errors, so the remote capability is
// presumed down and the remaining row set was not burned against it.
var ErrSystemicFailure = errors.New("run aborted: circuit breaker tripped after consecutive transport failures")

// Generator is the text-generation capability at its interface boundary.
type Generator interface {
	Generate(ctx context.Context, p prompt.Prompt) (string, error)
}

// Converter is the conversion/validation capability at its interface
// boundary. A returned error is a transport failure; an invalid Outcome is
// a validation failure that drives the repair loop.
type Converter interface {
	Convert(ctx context.Context, narrative string) (*fhir.Outcome, error)
}

// RowSource yields rows until io.EOF. Any other error is a run-level source
// failure that aborts admission.
type RowSource interface {
	Next(ctx context.Context) (source.Row, error)
}

// ResultSink receives each terminal result exactly once, in completion
// order. Implementations must serialize their own writes.
type ResultSink interface {
	Append(res Result) error
}

// Options configures an Engine.
type Options struct {
	Generator Generator
	Converter Converter
	Prompts   *prompt.Builder
	Sink      ResultSink

	Target           config.Target
	MaxIterations    int
	GenerationPool   *pool.Pool
	ConversionPool   *pool.Pool
	AdmissionBuffer  int
	Retry            config.Retry
	BreakerThreshold int

	// OnResult, when set, observes every terminal result after it has been
	// appended to the sink. It is called from task goroutines and must be
	// safe for concurrent use.
	OnResult func(res Result)
}

// Engine drives one batch run.
type Engine struct {
	opts Options
	ctrl *controller
}

// New builds an engine. The conversion pool and converter may be nil for
// narrative-only targets; they are never touched in that configuration.
func New(opts Options) *Engine {
	return &Engine{
		opts: opts,
		ctrl: newController(opts.BreakerThreshold),
	}
}

// Summary returns a snapshot of the run's counters.
func (e *Engine) Summary() Summary {
	return e.ctrl.summary()
}

// Run admits rows from src until the source is exhausted, the breaker
// trips, or ctx is cancelled, then drains in-flight tasks. Individual task
// failures never surface here; only a systemic failure, a source read
// error, or cancellation does.
func (e *Engine) Run(ctx context.Context, src RowSource) error {
	logger := ctxlog.FromContext(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.ctrl.bindTrip(cancel)

	inFlight := e.opts.GenerationPool.Cap() + e.opts.AdmissionBuffer
	if e.opts.Target.WantsDocument() && e.opts.ConversionPool != nil {
		inFlight += e.opts.ConversionPool.Cap()
	}
	admission := semaphore.NewWeighted(int64(inFlight))
	g := new(errgroup.Group)

	var srcErr error
	for {
		if e.ctrl.Tripped() || runCtx.Err() != nil {
			break
		}
		row, err := src.Next(runCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			srcErr = err
			break
		}

		task := newTask(row, e.opts.Target)
		e.ctrl.noteAdmitted()

		if err := admission.Acquire(runCtx, 1); err != nil {
			// Admitted but never scheduled: the row still gets its record.
			e.emit(ctx, e.cancelledResult(task, err))
			break
		}
		g.Go(func() error {
			defer admission.Release(1)
			e.runTask(runCtx, task)
			return nil
		})
	}

	// Task goroutines never return errors; they record their own outcomes.
	_ = g.Wait()

	if srcErr != nil {
		return fmt.Errorf("row source failed: %w", srcErr)
	}
	if e.ctrl.Tripped() {
		logger.Error("Circuit breaker tripped; remaining rows were not admitted.")
		return ErrSystemicFailure
	}
	return ctx.Err()
}

// runTask drives one task through the refinement loop and records its
// terminal outcome.
func (e *Engine) runTask(ctx context.Context, task *Task) {
	ctx = ctxlog.With(ctx, "row", task.Row.Index)
	res := e.refine(ctx, task)
	e.emit(ctx, res)
}

// refine is the per-task state machine: generate, validate for document
// targets, fold diagnostics into a repair attempt, and stop at the
// iteration ceiling. A ceiling of 0 or 1 means exactly one cycle.
func (e *Engine) refine(ctx context.Context, task *Task) Result {
	logger := ctxlog.FromContext(ctx)
	ceiling := e.opts.MaxIterations
	if ceiling < 1 {
		ceiling = 1
	}

	var diags []string
	for iter := 1; ; iter++ {
		task.setStatus(StatusGenerating)
		p, err := e.opts.Prompts.Build(task.Row.Input, diags)
		if err != nil {
			return e.failedResult(task, ReasonTransport, err)
		}

		var narrative string
		err = callWithCapacity(ctx, e.opts.GenerationPool, e.opts.Retry, "generation", func(ctx context.Context) error {
			var genErr error
			narrative, genErr = e.opts.Generator.Generate(ctx, p)
			return genErr
		})
		if err != nil {
			return e.unwoundResult(ctx, task, err)
		}
		task.Narrative = narrative
		task.Iterations = iter

		if !task.Target.WantsDocument() {
			task.setStatus(StatusSucceeded)
			return e.succeededResult(task)
		}

		task.setStatus(StatusValidating)
		var outcome *fhir.Outcome
		err = callWithCapacity(ctx, e.opts.ConversionPool, e.opts.Retry, "conversion", func(ctx context.Context) error {
			var convErr error
			outcome, convErr = e.opts.Converter.Convert(ctx, narrative)
			return convErr
		})
		if err != nil {
			return e.unwoundResult(ctx, task, err)
		}

		if outcome.Valid {
			task.Document = outcome.Document
			task.setStatus(StatusSucceeded)
			return e.succeededResult(task)
		}

		task.LastDiagnostics = outcome.Diagnostics
		diags = outcome.Diagnostics
		logger.Debug("Validation failed.", "iteration", iter, "issues", len(diags))

		if iter >= ceiling {
			return e.failedResult(task, ReasonValidation,
				fmt.Errorf("document still invalid after %d iterations", iter))
		}
		task.setStatus(StatusRepairing)
	}
}

// unwoundResult classifies a stage error: a cancelled context means the
// task was unwound by the breaker or the caller, anything else is a
// transport failure that exhausted its retry budget.
func (e *Engine) unwoundResult(ctx context.Context, task *Task, err error) Result {
	if ctx.Err() != nil {
		return e.cancelledResult(task, err)
	}
	return e.failedResult(task, ReasonTransport, err)
}

func (e *Engine) succeededResult(task *Task) Result {
	res := Result{
		Row:         task.Row,
		Status:      StatusSucceeded,
		Iterations:  task.Iterations,
		Diagnostics: nil,
	}
	if task.Target.WantsNarrative() {
		res.Narrative = task.Narrative
	}
	if task.Target.WantsDocument() {
		res.Document = task.Document
	}
	return res
}

func (e *Engine) failedResult(task *Task, class string, err error) Result {
	task.setStatus(StatusFailed)
	return Result{
		Row:           task.Row,
		Status:        StatusFailed,
		Iterations:    task.Iterations,
		ReasonClass:   class,
		FailureReason: err.Error(),
		Diagnostics:   task.LastDiagnostics,
	}
}

func (e *Engine) cancelledResult(task *Task, err error) Result {
	task.setStatus(StatusFailed)
	return Result{
		Row:           task.Row,
		Status:        StatusFailed,
		Iterations:    task.Iterations,
		ReasonClass:   ReasonCancelled,
		FailureReason: fmt.Sprintf("task cancelled before completion: %v", err),
		Diagnostics:   task.LastDiagnostics,
	}
}

// emit appends the result to the sink, updates the counters, and notifies
// the observer hook. The parent context is used so a terminal record still
// lands even when the run context is already cancelled.
func (e *Engine) emit(ctx context.Context, res Result) {
	logger := ctxlog.FromContext(ctx)
	if err := e.opts.Sink.Append(res); err != nil {
		logger.Error("Failed to append result record.", "row", res.Row.Index, "error", err)
	}
	e.ctrl.noteResult(res)
	logTaskOutcome(logger, res)
	if e.opts.OnResult != nil {
		e.opts.OnResult(res)
	}
}

func logTaskOutcome(logger *slog.Logger, res Result) {
	if res.Status == StatusSucceeded {
		logger.Debug("Task succeeded.", "row", res.Row.Index, "iterations", res.Iterations)
		return
	}
	logger.Warn("Task failed.",
		"row", res.Row.Index,
		"iterations", res.Iterations,
		"class", res.ReasonClass,
		"reason", res.FailureReason,
	)
}
