// Package sink is the durable result stream: an append-only JSON Lines
// writer that records each task's terminal outcome the moment it is known,
// in completion order, one independently parseable record per line.
package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vk/fhirloom/internal/engine"
)

// Writer appends result records to a JSONL file. Writes are serialized by a
// mutex and each record lands in a single Write call, so concurrent
// completions never interleave partial records.
type Writer struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	count int
}

// NewWriter opens the result stream at path for appending, creating parent
// directories as needed. Existing records are preserved; a resumed run
// appends after them.
func NewWriter(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory '%s': %w", dir, err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open result stream '%s': %w", path, err)
	}
	return &Writer{file: file, path: path}, nil
}

// Append writes one terminal result as a single JSONL record. It implements
// engine.ResultSink.
func (w *Writer) Append(res engine.Result) error {
	line, err := json.Marshal(buildRecord(res))
	if err != nil {
		return fmt.Errorf("failed to encode result record for row %d: %w", res.Row.Index, err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to append result record for row %d: %w", res.Row.Index, err)
	}
	w.count++
	return nil
}

// buildRecord flattens the original row fields and overlays the engine's
// fields; engine keys win on collision.
func buildRecord(res engine.Result) map[string]any {
	record := make(map[string]any, len(res.Row.Fields)+8)
	for k, v := range res.Row.Fields {
		record[k] = v
	}
	record["index"] = res.Row.Index
	record["status"] = res.Status.String()
	record["iterations"] = res.Iterations
	if res.Narrative != "" {
		record["narrative"] = res.Narrative
	}
	if len(res.Document) > 0 {
		record["document"] = json.RawMessage(res.Document)
	}
	if res.ReasonClass != "" {
		record["reason_class"] = res.ReasonClass
	}
	if res.FailureReason != "" {
		record["failure_reason"] = res.FailureReason
	}
	if len(res.Diagnostics) > 0 {
		record["diagnostics"] = res.Diagnostics
	}
	return record
}

// ParseRecord decodes one line of the result stream back into a record.
// Framing is idempotent: every appended record re-parses independently.
func ParseRecord(line []byte) (map[string]any, error) {
	var record map[string]any
	if err := json.Unmarshal(line, &record); err != nil {
		return nil, fmt.Errorf("malformed result record: %w", err)
	}
	return record, nil
}

// Path returns the result stream's location for the final run report.
func (w *Writer) Path() string {
	return w.path
}

// Count returns the number of records appended by this writer.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes the stream to durable storage and releases the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to sync result stream: %w", err)
	}
	return w.file.Close()
}
