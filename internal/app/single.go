package app

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/vk/fhirloom/internal/engine"
	"github.com/vk/fhirloom/internal/source"
)

// oneRowSource serves a single synthetic row built from the ad hoc vignette.
type oneRowSource struct {
	row  source.Row
	done bool
}

func (s *oneRowSource) Next(ctx context.Context) (source.Row, error) {
	if s.done {
		return source.Row{}, io.EOF
	}
	s.done = true
	return s.row, nil
}

// collectSink captures the single run's result in memory.
type collectSink struct {
	mu  sync.Mutex
	res engine.Result
	set bool
}

func (c *collectSink) Append(res engine.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res = res
	c.set = true
	return nil
}

// runSingle drives one ad hoc vignette through the same engine as a batch
// and prints the produced artifacts to the output writer.
func (a *App) runSingle(ctx context.Context) error {
	a.logger.Info("🚀 Starting single synthesis...", "target", a.profile.Batch.Target)

	collector := &collectSink{}
	eng := a.buildEngine(ctx, nil, collector)

	src := &oneRowSource{row: source.Row{
		Index:  0,
		Fields: map[string]any{"vignette": a.config.Vignette},
		Input:  a.config.Vignette,
	}}
	if err := eng.Run(ctx, src); err != nil {
		return err
	}
	if !collector.set {
		return fmt.Errorf("single synthesis produced no result")
	}

	res := collector.res
	if res.Status != engine.StatusSucceeded {
		return fmt.Errorf("synthesis failed after %d iterations (%s): %s",
			res.Iterations, res.ReasonClass, res.FailureReason)
	}

	a.logger.Info("🏁 Single synthesis finished.", "iterations", res.Iterations)
	if res.Narrative != "" {
		fmt.Fprintln(a.outW, res.Narrative)
	}
	if len(res.Document) > 0 {
		fmt.Fprintln(a.outW, string(res.Document))
	}
	return nil
}
