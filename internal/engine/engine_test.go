package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vk/fhirloom/internal/config"
	"github.com/vk/fhirloom/internal/fhir"
	"github.com/vk/fhirloom/internal/pool"
	"github.com/vk/fhirloom/internal/prompt"
	"github.com/vk/fhirloom/internal/source"
)

// --- Test fakes ---

// fakeGenerator scripts the generation capability per call and tracks its
// observed concurrency.
type fakeGenerator struct {
	fn     func(call int, p prompt.Prompt) (string, error)
	calls  atomic.Int64
	active atomic.Int64
	peak   atomic.Int64
}

func (g *fakeGenerator) Generate(ctx context.Context, p prompt.Prompt) (string, error) {
	now := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		old := g.peak.Load()
		if now <= old || g.peak.CompareAndSwap(old, now) {
			break
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	call := int(g.calls.Add(1))
	if g.fn == nil {
		return fmt.Sprintf("narrative %d", call), nil
	}
	return g.fn(call, p)
}

// fakeConverter scripts the conversion capability per call.
type fakeConverter struct {
	fn     func(call int, narrative string) (*fhir.Outcome, error)
	calls  atomic.Int64
	active atomic.Int64
	peak   atomic.Int64
}

func (c *fakeConverter) Convert(ctx context.Context, narrative string) (*fhir.Outcome, error) {
	now := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		old := c.peak.Load()
		if now <= old || c.peak.CompareAndSwap(old, now) {
			break
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	call := int(c.calls.Add(1))
	if c.fn == nil {
		return &fhir.Outcome{Valid: true, Document: json.RawMessage(`{"resourceType":"Bundle"}`)}, nil
	}
	return c.fn(call, narrative)
}

// sliceSource serves a fixed row set.
type sliceSource struct {
	rows []source.Row
	i    int
}

func rowsOf(n int) *sliceSource {
	s := &sliceSource{}
	for i := 0; i < n; i++ {
		s.rows = append(s.rows, source.Row{
			Index:  i,
			Fields: map[string]any{"note": fmt.Sprintf("vignette %d", i)},
			Input:  fmt.Sprintf("vignette %d", i),
		})
	}
	return s
}

func (s *sliceSource) Next(ctx context.Context) (source.Row, error) {
	if s.i >= len(s.rows) {
		return source.Row{}, io.EOF
	}
	row := s.rows[s.i]
	s.i++
	return row, nil
}

// memSink collects results in completion order.
type memSink struct {
	mu      sync.Mutex
	results []Result
}

func (m *memSink) Append(res Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return nil
}

func (m *memSink) all() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result(nil), m.results...)
}

func (m *memSink) byIndex(i int) Result {
	for _, res := range m.all() {
		if res.Row.Index == i {
			return res
		}
	}
	return Result{}
}

// testRetry is a fast retry budget for tests.
func testRetry(attempts int) config.Retry {
	return config.Retry{
		Attempts: attempts,
		Backoff: config.Backoff{
			Initial: time.Millisecond,
			Factor:  2,
			Max:     5 * time.Millisecond,
			Jitter:  false,
		},
	}
}

func testOptions(gen *fakeGenerator, conv *fakeConverter, sink *memSink, target config.Target) Options {
	opts := Options{
		Generator:        gen,
		Converter:        conv,
		Prompts:          prompt.NewBuilder(target),
		Sink:             sink,
		Target:           target,
		MaxIterations:    3,
		GenerationPool:   pool.New(2),
		AdmissionBuffer:  2,
		Retry:            testRetry(3),
		BreakerThreshold: 5,
	}
	if target.WantsDocument() {
		opts.ConversionPool = pool.New(1)
	}
	return opts
}

// --- Refinement loop ---

func TestEngine_NarrativeOnlyNeverTouchesConverter(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	gen := &fakeGenerator{}
	conv := &fakeConverter{}
	sink := &memSink{}
	opts := testOptions(gen, conv, sink, config.TargetNarrative)
	// No conversion pool at all: a narrative-only run must not need one.
	opts.ConversionPool = nil

	// --- Act ---
	err := New(opts).Run(context.Background(), rowsOf(4))

	// --- Assert ---
	require.NoError(t, err)
	require.Equal(t, int64(0), conv.calls.Load())
	results := sink.all()
	require.Len(t, results, 4)
	for _, res := range results {
		require.Equal(t, StatusSucceeded, res.Status)
		require.Equal(t, 1, res.Iterations)
		require.NotEmpty(t, res.Narrative)
		require.Nil(t, res.Document)
	}
}

func TestEngine_RepairLoopSucceedsOnKthIteration(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// The validator fails twice, then accepts: K == 3 with ceiling 3.
	const k = 3
	gen := &fakeGenerator{}
	conv := &fakeConverter{fn: func(call int, narrative string) (*fhir.Outcome, error) {
		if call < k {
			return &fhir.Outcome{Valid: false, Diagnostics: []string{fmt.Sprintf("issue %d", call)}}, nil
		}
		return &fhir.Outcome{Valid: true, Document: json.RawMessage(`{"resourceType":"Bundle"}`)}, nil
	}}
	sink := &memSink{}

	// --- Act ---
	err := New(testOptions(gen, conv, sink, config.TargetBoth)).Run(context.Background(), rowsOf(1))

	// --- Assert ---
	require.NoError(t, err)
	res := sink.byIndex(0)
	require.Equal(t, StatusSucceeded, res.Status)
	require.Equal(t, k, res.Iterations)
	require.NotEmpty(t, res.Narrative)
	require.JSONEq(t, `{"resourceType":"Bundle"}`, string(res.Document))
}

func TestEngine_RepairPromptCarriesDiagnosticsForward(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	var secondPrompt string
	gen := &fakeGenerator{fn: func(call int, p prompt.Prompt) (string, error) {
		if call == 2 {
			secondPrompt = p.User
		}
		return "narrative", nil
	}}
	conv := &fakeConverter{fn: func(call int, narrative string) (*fhir.Outcome, error) {
		if call == 1 {
			return &fhir.Outcome{Valid: false, Diagnostics: []string{"missing dosage unit"}}, nil
		}
		return &fhir.Outcome{Valid: true, Document: json.RawMessage(`{}`)}, nil
	}}
	sink := &memSink{}

	// --- Act ---
	err := New(testOptions(gen, conv, sink, config.TargetDocument)).Run(context.Background(), rowsOf(1))

	// --- Assert ---
	require.NoError(t, err)
	require.Contains(t, secondPrompt, "missing dosage unit")
}

func TestEngine_CeilingExhaustionFailsWithDiagnostics(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	gen := &fakeGenerator{}
	conv := &fakeConverter{fn: func(call int, narrative string) (*fhir.Outcome, error) {
		return &fhir.Outcome{Valid: false, Diagnostics: []string{fmt.Sprintf("still broken (attempt %d)", call)}}, nil
	}}
	sink := &memSink{}
	opts := testOptions(gen, conv, sink, config.TargetBoth)
	opts.MaxIterations = 2

	// --- Act ---
	err := New(opts).Run(context.Background(), rowsOf(1))

	// --- Assert ---
	// An individual task failure never fails the run.
	require.NoError(t, err)
	res := sink.byIndex(0)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, ReasonValidation, res.ReasonClass)
	require.Equal(t, 2, res.Iterations)
	require.NotEmpty(t, res.Diagnostics)
	require.Empty(t, res.Narrative)
	require.Nil(t, res.Document)
}

func TestEngine_ZeroCeilingMeansOneCycle(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{}
	conv := &fakeConverter{fn: func(call int, narrative string) (*fhir.Outcome, error) {
		return &fhir.Outcome{Valid: false, Diagnostics: []string{"nope"}}, nil
	}}
	sink := &memSink{}
	opts := testOptions(gen, conv, sink, config.TargetDocument)
	opts.MaxIterations = 0

	require.NoError(t, New(opts).Run(context.Background(), rowsOf(1)))
	res := sink.byIndex(0)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, 1, res.Iterations)
	require.Equal(t, int64(1), gen.calls.Load())
	require.Equal(t, int64(1), conv.calls.Load())
}

// --- Transient retries ---

func TestEngine_TransientFailureIsRetriedThenSucceeds(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	gen := &fakeGenerator{fn: func(call int, p prompt.Prompt) (string, error) {
		if call < 3 {
			return "", errors.New("connection refused")
		}
		return "recovered narrative", nil
	}}
	sink := &memSink{}
	opts := testOptions(gen, nil, sink, config.TargetNarrative)

	// --- Act ---
	err := New(opts).Run(context.Background(), rowsOf(1))

	// --- Assert ---
	require.NoError(t, err)
	res := sink.byIndex(0)
	require.Equal(t, StatusSucceeded, res.Status)
	require.Equal(t, "recovered narrative", res.Narrative)
	// The transient retries did not consume refinement iterations.
	require.Equal(t, 1, res.Iterations)
}

func TestEngine_RetryBudgetExhaustionIsATransportFailure(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{fn: func(call int, p prompt.Prompt) (string, error) {
		return "", errors.New("connection refused")
	}}
	sink := &memSink{}
	opts := testOptions(gen, nil, sink, config.TargetNarrative)
	opts.Retry = testRetry(2)
	opts.BreakerThreshold = 100

	require.NoError(t, New(opts).Run(context.Background(), rowsOf(1)))
	res := sink.byIndex(0)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, ReasonTransport, res.ReasonClass)
	require.Contains(t, res.FailureReason, "retry budget")
	require.Equal(t, int64(2), gen.calls.Load())
}

// --- Pool limits ---

func TestEngine_PoolCeilingsAreObserved(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	gen := &fakeGenerator{fn: func(call int, p prompt.Prompt) (string, error) {
		time.Sleep(2 * time.Millisecond)
		return "n", nil
	}}
	conv := &fakeConverter{fn: func(call int, narrative string) (*fhir.Outcome, error) {
		time.Sleep(2 * time.Millisecond)
		return &fhir.Outcome{Valid: true, Document: json.RawMessage(`{}`)}, nil
	}}
	sink := &memSink{}
	opts := testOptions(gen, conv, sink, config.TargetBoth)
	opts.GenerationPool = pool.New(2)
	opts.ConversionPool = pool.New(1)
	opts.AdmissionBuffer = 8

	// --- Act ---
	err := New(opts).Run(context.Background(), rowsOf(20))

	// --- Assert ---
	require.NoError(t, err)
	require.Len(t, sink.all(), 20)
	require.LessOrEqual(t, gen.peak.Load(), int64(2))
	require.LessOrEqual(t, conv.peak.Load(), int64(1))
}

// --- Circuit breaker ---

func TestEngine_BreakerTripsOnConsecutiveTransportFailures(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	gen := &fakeGenerator{fn: func(call int, p prompt.Prompt) (string, error) {
		return "", errors.New("capability is down")
	}}
	sink := &memSink{}
	opts := testOptions(gen, nil, sink, config.TargetNarrative)
	opts.Retry = testRetry(1)
	opts.BreakerThreshold = 3
	// Serialize tasks so the consecutive count is deterministic.
	opts.GenerationPool = pool.New(1)
	opts.AdmissionBuffer = 0
	eng := New(opts)

	// --- Act ---
	err := eng.Run(context.Background(), rowsOf(50))

	// --- Assert ---
	require.ErrorIs(t, err, ErrSystemicFailure)
	summary := eng.Summary()
	require.True(t, summary.BreakerTripped)
	require.GreaterOrEqual(t, summary.FailedTransport, int64(3))
	// Far fewer than 50 rows were admitted.
	require.Less(t, summary.Admitted, int64(50))
	// Every admitted row still has a record.
	require.Equal(t, summary.Admitted, int64(len(sink.all())))
}

func TestEngine_SuccessResetsBreakerCount(t *testing.T) {
	t.Parallel()

	// Alternating failure and success never reaches a threshold of 2.
	var n atomic.Int64
	gen := &fakeGenerator{fn: func(call int, p prompt.Prompt) (string, error) {
		if n.Add(1)%2 == 1 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	}}
	sink := &memSink{}
	opts := testOptions(gen, nil, sink, config.TargetNarrative)
	opts.Retry = testRetry(1)
	opts.BreakerThreshold = 2
	opts.GenerationPool = pool.New(1)
	opts.AdmissionBuffer = 0
	eng := New(opts)

	err := eng.Run(context.Background(), rowsOf(10))

	require.NoError(t, err)
	require.False(t, eng.Summary().BreakerTripped)
	require.Len(t, sink.all(), 10)
}

func TestEngine_CancellationDrainsWithCancelledRecords(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	gen := &fakeGenerator{fn: func(call int, p prompt.Prompt) (string, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(50 * time.Millisecond)
		return "", ctx.Err()
	}}
	sink := &memSink{}
	opts := testOptions(gen, nil, sink, config.TargetNarrative)
	opts.Retry = testRetry(1)
	opts.GenerationPool = pool.New(1)
	opts.AdmissionBuffer = 0
	eng := New(opts)

	// --- Act ---
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx, rowsOf(100)) }()
	<-started
	cancel()
	err := <-errCh

	// --- Assert ---
	require.ErrorIs(t, err, context.Canceled)
	summary := eng.Summary()
	require.Equal(t, summary.Admitted, int64(len(sink.all())))
	for _, res := range sink.all() {
		if res.Status == StatusFailed {
			require.Equal(t, ReasonCancelled, res.ReasonClass)
		}
	}
}

// --- Batch example from the acceptance scenario ---

func TestEngine_ThreeRowScenario(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// Row A validates on iteration 1, row B on iteration 2, row C never.
	// Ceiling 2, generation pool 2, conversion pool 1.
	var perRow sync.Map
	conv := &fakeConverter{fn: func(call int, narrative string) (*fhir.Outcome, error) {
		// Narratives embed their row's vignette text.
		var row int
		fmt.Sscanf(narrative, "row %d", &row)
		v, _ := perRow.LoadOrStore(row, new(atomic.Int64))
		attempt := v.(*atomic.Int64).Add(1)
		switch {
		case row == 0,
			row == 1 && attempt >= 2:
			return &fhir.Outcome{Valid: true, Document: json.RawMessage(`{}`)}, nil
		default:
			return &fhir.Outcome{Valid: false, Diagnostics: []string{"invalid"}}, nil
		}
	}}
	gen := &fakeGenerator{fn: func(call int, p prompt.Prompt) (string, error) {
		var row int
		fmt.Sscanf(extractVignette(p.User), "vignette %d", &row)
		return fmt.Sprintf("row %d", row), nil
	}}
	sink := &memSink{}
	opts := testOptions(gen, conv, sink, config.TargetBoth)
	opts.MaxIterations = 2
	opts.GenerationPool = pool.New(2)
	opts.ConversionPool = pool.New(1)
	eng := New(opts)

	// --- Act ---
	err := eng.Run(context.Background(), rowsOf(3))

	// --- Assert ---
	require.NoError(t, err)
	require.Len(t, sink.all(), 3)

	a, b, c := sink.byIndex(0), sink.byIndex(1), sink.byIndex(2)
	require.Equal(t, StatusSucceeded, a.Status)
	require.Equal(t, 1, a.Iterations)
	require.Equal(t, StatusSucceeded, b.Status)
	require.Equal(t, 2, b.Iterations)
	require.Equal(t, StatusFailed, c.Status)
	require.Equal(t, 2, c.Iterations)
	require.NotEmpty(t, c.Diagnostics)

	summary := eng.Summary()
	require.Equal(t, int64(3), summary.Admitted)
	require.Equal(t, int64(2), summary.Succeeded)
	require.Equal(t, int64(1), summary.FailedValidation)
	require.False(t, summary.BreakerTripped)
}

// extractVignette pulls the vignette line back out of a rendered prompt.
func extractVignette(user string) string {
	for _, line := range strings.Split(user, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && line != "Clinical vignette:" {
			return line
		}
	}
	return ""
}
