// Package eventstream is the optional live run-event emitter. When a run
// profile carries an events block, terminal task results and the final run
// summary are emitted over a socket.io connection so an operator dashboard
// can watch the batch progress. The batch never depends on the emitter:
// connection or emit failures degrade to warnings.
package eventstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"

	"github.com/vk/fhirloom/internal/config"
	"github.com/vk/fhirloom/internal/ctxlog"
	"github.com/vk/fhirloom/internal/engine"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// Emitter publishes run events to a socket.io namespace.
type Emitter struct {
	logger      *slog.Logger
	io          *socket.Socket
	isConnected atomic.Bool
}

// Connect dials the configured socket.io endpoint over WebSocket. The
// connection proceeds in the background; events emitted before the
// connection is up are dropped with a warning.
func Connect(ctx context.Context, cfg config.Events) (*Emitter, error) {
	logger := ctxlog.FromContext(ctx).With("component", "eventstream", "url", cfg.URL, "namespace", cfg.Namespace)

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse events URL: %w", err)
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(cfg.Namespace, opts)

	e := &Emitter{logger: logger, io: io}

	io.On(types.EventName("connect"), func(...any) {
		e.isConnected.Store(true)
		logger.Info("Event stream connected", "sid", io.Id())
	})
	io.On(types.EventName("connect_error"), func(errs ...any) {
		logger.Warn("Event stream connection failed; run events will be dropped.", "error", errs)
	})
	io.On(types.EventName("disconnect"), func(...any) {
		e.isConnected.Store(false)
	})

	io.Connect()
	return e, nil
}

// TaskResult emits one terminal task result. Safe for concurrent use.
func (e *Emitter) TaskResult(res engine.Result) {
	if !e.isConnected.Load() {
		e.logger.Warn("Dropping task_result event: not connected.", "row", res.Row.Index)
		return
	}
	event := map[string]any{
		"index":      res.Row.Index,
		"status":     res.Status.String(),
		"iterations": res.Iterations,
	}
	if res.ReasonClass != "" {
		event["class"] = res.ReasonClass
		event["reason"] = res.FailureReason
	}
	if len(res.Diagnostics) > 0 {
		event["diagnostics"] = res.Diagnostics
	}
	e.logger.Debug("Emitting task_result event.", "row", res.Row.Index)
	e.io.Emit("task_result", event)
}

// RunFinished emits the final run summary.
func (e *Emitter) RunFinished(summary engine.Summary) {
	if !e.isConnected.Load() {
		e.logger.Warn("Dropping run_finished event: not connected.")
		return
	}
	e.io.Emit("run_finished", map[string]any{
		"admitted":          summary.Admitted,
		"succeeded":         summary.Succeeded,
		"failed_validation": summary.FailedValidation,
		"failed_transport":  summary.FailedTransport,
		"cancelled":         summary.Cancelled,
		"breaker_tripped":   summary.BreakerTripped,
	})
}

// Close disconnects the socket.
func (e *Emitter) Close() {
	e.logger.Debug("Disconnecting event stream client.")
	e.io.Disconnect()
}
