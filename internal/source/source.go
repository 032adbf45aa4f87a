package source

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/vk/fhirloom/internal/ctxlog"
)

// Row is one immutable input record. Index is the row's position in the
// source file, stable for the whole run. Input is the resolved value of the
// configured generation-input column.
type Row struct {
	Index  int
	Fields map[string]any
	Input  string
}

// maxLineBytes bounds a single JSONL record; clinical notes run long.
const maxLineBytes = 4 * 1024 * 1024

// Source streams rows from an input file. It is single-pass and not
// restartable. Rows whose input column is missing or blank, and lines that
// fail to parse, are source errors: logged, counted, and excluded without
// stopping the stream.
type Source struct {
	path    string
	column  string
	file    *os.File
	next    func(ctx context.Context) (Row, error)
	skipped atomic.Int64

	// resolved caches the tolerant column match once it succeeds.
	resolved string
}

// Open prepares a stream over the file at path, selecting column as the
// generation input. The format is chosen by extension: .jsonl or .csv.
func Open(path, column string) (*Source, error) {
	if column == "" {
		return nil, fmt.Errorf("input column must not be empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input '%s': %w", path, err)
	}

	s := &Source{path: path, column: column, file: file}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".jsonl":
		s.next = s.jsonlNext(file)
	case ".csv":
		s.next = s.csvNext(file)
	default:
		file.Close()
		return nil, fmt.Errorf("unsupported input format '%s': expected .jsonl or .csv", ext)
	}
	return s, nil
}

// Next returns the next admissible row, or io.EOF once the file is
// exhausted. Source errors never surface here; they are logged and counted.
func (s *Source) Next(ctx context.Context) (Row, error) {
	return s.next(ctx)
}

// Skipped reports how many rows were excluded as source errors so far.
func (s *Source) Skipped() int {
	return int(s.skipped.Load())
}

// Path returns the input file path.
func (s *Source) Path() string {
	return s.path
}

// Close releases the underlying file.
func (s *Source) Close() error {
	return s.file.Close()
}

// jsonlNext builds the Next function for JSON Lines input.
func (s *Source) jsonlNext(r io.Reader) func(ctx context.Context) (Row, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	index := -1

	return func(ctx context.Context) (Row, error) {
		logger := ctxlog.FromContext(ctx)
		for scanner.Scan() {
			index++
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var fields map[string]any
			if err := json.Unmarshal([]byte(line), &fields); err != nil {
				s.skip(logger, index, fmt.Sprintf("line is not a JSON object: %v", err))
				continue
			}

			input, ok := s.inputValue(fields)
			if !ok {
				s.skip(logger, index, fmt.Sprintf("input column '%s' is missing or blank", s.column))
				continue
			}
			return Row{Index: index, Fields: fields, Input: input}, nil
		}
		if err := scanner.Err(); err != nil {
			return Row{}, fmt.Errorf("failed to read input '%s': %w", s.path, err)
		}
		return Row{}, io.EOF
	}
}

// csvNext builds the Next function for CSV input. The first record is the
// header and defines the column set for every row.
func (s *Source) csvNext(r io.Reader) func(ctx context.Context) (Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	var header []string
	index := -1

	return func(ctx context.Context) (Row, error) {
		logger := ctxlog.FromContext(ctx)
		for {
			record, err := reader.Read()
			if err == io.EOF {
				return Row{}, io.EOF
			}
			if err != nil {
				return Row{}, fmt.Errorf("failed to read input '%s': %w", s.path, err)
			}

			if header == nil {
				header = record
				continue
			}
			index++

			if len(record) != len(header) {
				s.skip(logger, index, fmt.Sprintf("row has %d fields, header has %d", len(record), len(header)))
				continue
			}
			fields := make(map[string]any, len(header))
			for i, name := range header {
				fields[name] = record[i]
			}

			input, ok := s.inputValue(fields)
			if !ok {
				s.skip(logger, index, fmt.Sprintf("input column '%s' is missing or blank", s.column))
				continue
			}
			return Row{Index: index, Fields: fields, Input: input}, nil
		}
	}
}

// inputValue resolves the configured column against the row's fields and
// returns its non-blank string value.
func (s *Source) inputValue(fields map[string]any) (string, bool) {
	name, ok := s.resolveColumn(fields)
	if !ok {
		return "", false
	}
	value, ok := fields[name].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// resolveColumn finds the configured column among the row's field names:
// exact match first, then case/space/underscore-insensitive.
func (s *Source) resolveColumn(fields map[string]any) (string, bool) {
	if s.resolved != "" {
		if _, ok := fields[s.resolved]; ok {
			return s.resolved, true
		}
	}
	if _, ok := fields[s.column]; ok {
		s.resolved = s.column
		return s.column, true
	}
	want := normalizeColumn(s.column)
	for name := range fields {
		if normalizeColumn(name) == want {
			s.resolved = name
			return name, true
		}
	}
	return "", false
}

func normalizeColumn(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "")
	return strings.ReplaceAll(name, "_", "")
}

func (s *Source) skip(logger *slog.Logger, index int, reason string) {
	s.skipped.Add(1)
	logger.Warn("Excluding malformed input row.", "index", index, "reason", reason)
}
