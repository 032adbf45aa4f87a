package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// drain pulls every row out of the stream until io.EOF.
func drain(t *testing.T, s *Source) []Row {
	t.Helper()
	var rows []Row
	for {
		row, err := s.Next(context.Background())
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestSource_JSONL(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	path := writeInput(t, "rows.jsonl", `{"Patient Note": "note one", "Question": "q1"}
{"Patient Note": "note two", "Question": "q2"}
`)
	s, err := Open(path, "Patient Note")
	require.NoError(t, err)
	defer s.Close()

	// --- Act ---
	rows := drain(t, s)

	// --- Assert ---
	require.Len(t, rows, 2)
	require.Equal(t, 0, rows[0].Index)
	require.Equal(t, "note one", rows[0].Input)
	require.Equal(t, 1, rows[1].Index)
	require.Equal(t, "note two", rows[1].Input)
	require.Equal(t, 0, s.Skipped())

	wantFields := map[string]any{"Patient Note": "note one", "Question": "q1"}
	if diff := cmp.Diff(wantFields, rows[0].Fields); diff != "" {
		t.Errorf("row fields mismatch (-want +got):\n%s", diff)
	}
}

func TestSource_TolerantColumnMatch(t *testing.T) {
	t.Parallel()

	// The logical name "Patient Note" should match "patient_note".
	path := writeInput(t, "rows.jsonl", `{"patient_note": "hello"}
`)
	s, err := Open(path, "Patient Note")
	require.NoError(t, err)
	defer s.Close()

	rows := drain(t, s)
	require.Len(t, rows, 1)
	require.Equal(t, "hello", rows[0].Input)
}

func TestSource_MalformedRowsAreCountedNotFatal(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// Row 1 is not JSON, row 2 lacks the column, row 3 has a blank value.
	path := writeInput(t, "rows.jsonl", `{"note": "good one"}
this is not json
{"other": "x"}
{"note": "   "}
{"note": "good two"}
`)
	s, err := Open(path, "note")
	require.NoError(t, err)
	defer s.Close()

	// --- Act ---
	rows := drain(t, s)

	// --- Assert ---
	require.Len(t, rows, 2)
	require.Equal(t, "good one", rows[0].Input)
	require.Equal(t, "good two", rows[1].Input)
	require.Equal(t, 3, s.Skipped())
	// Indexes stay stable relative to the source, not the surviving rows.
	require.Equal(t, 0, rows[0].Index)
	require.Equal(t, 4, rows[1].Index)
}

func TestSource_CSV(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	path := writeInput(t, "rows.csv", "note,question\nfirst,q1\nsecond,q2\nshortrow\n")
	s, err := Open(path, "note")
	require.NoError(t, err)
	defer s.Close()

	// --- Act ---
	rows := drain(t, s)

	// --- Assert ---
	require.Len(t, rows, 2)
	require.Equal(t, "first", rows[0].Input)
	require.Equal(t, "q1", rows[0].Fields["question"])
	require.Equal(t, 1, s.Skipped())
}

func TestSource_UnsupportedExtension(t *testing.T) {
	t.Parallel()

	path := writeInput(t, "rows.parquet", "whatever")
	_, err := Open(path, "note")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported input format")
}

func TestSource_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "absent.jsonl"), "note")
	require.Error(t, err)
}
