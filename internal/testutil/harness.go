package testutil

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/fhirloom/internal/app"
	"github.com/vk/fhirloom/internal/hcl"
	"github.com/vk/fhirloom/internal/sink"
)

// BatchOptions configures one end-to-end batch run through the app.
type BatchOptions struct {
	// ProfileHCL, when set, is written to a temporary profile.hcl and loaded
	// before the Config overrides are applied.
	ProfileHCL string

	// Rows are vignette texts written as a JSONL input under the "note"
	// column. RawInput, when set, is written verbatim instead.
	Rows     []string
	RawInput string

	// InputExt selects the input file extension. Defaults to ".jsonl".
	InputExt string

	// Config carries CLI-level overrides. The harness fills in the profile
	// path, input path, and output location; everything else is the test's.
	Config app.Config

	// Ctx, when set, replaces the background context for the run.
	Ctx context.Context
}

// BatchResult holds the outcomes of an end-to-end batch run.
type BatchResult struct {
	LogOutput  string
	Err        error
	Records    []map[string]any
	OutputPath string
}

// RunBatch drives a full batch through app.NewApp and App.Run against the
// test's fake capability servers, then reads back the result stream.
// Startup panics are recovered into the returned error, mirroring the real
// entrypoint.
func RunBatch(t *testing.T, opts BatchOptions) *BatchResult {
	t.Helper()

	tmpDir := t.TempDir()

	ext := opts.InputExt
	if ext == "" {
		ext = ".jsonl"
	}
	input := opts.RawInput
	if input == "" {
		input = JSONLRows("note", opts.Rows...)
	}
	inputPath := filepath.Join(tmpDir, "input"+ext)
	require.NoError(t, os.WriteFile(inputPath, []byte(input), 0644))

	cfg := opts.Config
	cfg.Input = inputPath
	if cfg.Column == "" && opts.ProfileHCL == "" {
		cfg.Column = "note"
	}
	if opts.ProfileHCL != "" {
		profilePath := filepath.Join(tmpDir, "profile.hcl")
		require.NoError(t, os.WriteFile(profilePath, []byte(opts.ProfileHCL), 0644))
		cfg.ProfilePath = profilePath
	}
	cfg.OutDir = tmpDir
	if cfg.OutFile == "" {
		cfg.OutFile = "results.jsonl"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "debug"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.MaxIterations == 0 {
		// Zero is a legal ceiling; the harness treats it as "not overridden".
		cfg.MaxIterations = -1
	}

	logBuffer := &SafeBuffer{}
	result := &BatchResult{OutputPath: filepath.Join(tmpDir, cfg.OutFile)}

	var testApp *app.App
	var panicErr any
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicErr = r
			}
		}()
		testApp = app.NewApp(logBuffer, &cfg, hcl.NewLoader())
	}()
	if panicErr != nil {
		result.LogOutput = logBuffer.String()
		result.Err = fmt.Errorf("application startup panicked | %v", panicErr)
		return result
	}

	ctx := opts.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	result.Err = testApp.Run(ctx)
	result.LogOutput = logBuffer.String()
	result.Records = readRecords(t, result.OutputPath)

	if os.Getenv("FHIRLOOM_TEST_LOGS") == "true" {
		t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), result.LogOutput)
	}
	return result
}

// readRecords parses every line of the result stream. A missing file means
// the run failed before the stream was opened.
func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer file.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		record, err := sink.ParseRecord(scanner.Bytes())
		require.NoError(t, err, "result stream contained a malformed record")
		records = append(records, record)
	}
	require.NoError(t, scanner.Err())
	return records
}

// RecordByIndex finds the record for a given source row index.
func RecordByIndex(t *testing.T, records []map[string]any, index int) map[string]any {
	t.Helper()
	for _, rec := range records {
		if got, ok := rec["index"].(float64); ok && int(got) == index {
			return rec
		}
	}
	t.Fatalf("no result record found for row index %d", index)
	return nil
}
