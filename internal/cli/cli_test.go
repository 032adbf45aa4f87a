package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_AllFlags(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	cfg, shouldExit, err := Parse([]string{
		"--profile", "run.hcl",
		"--input", "rows.jsonl",
		"--column", "Patient Note",
		"--target", "document",
		"--gen-url", "http://gen.local",
		"--gen-model", "m",
		"--gen-pool", "8",
		"--convert-url", "http://convert.local",
		"--convert-pool", "3",
		"--max-iterations", "4",
		"--out-dir", "out",
		"--out-file", "r.jsonl",
		"--log-format", "text",
		"--log-level", "debug",
		"--healthcheck-port", "8080",
		"--progress",
	}, out)

	require.NoError(t, err)
	require.False(t, shouldExit)
	require.Equal(t, "run.hcl", cfg.ProfilePath)
	require.Equal(t, "rows.jsonl", cfg.Input)
	require.Equal(t, "Patient Note", cfg.Column)
	require.Equal(t, "document", cfg.Target)
	require.Equal(t, 8, cfg.GenPool)
	require.Equal(t, 3, cfg.ConvertPool)
	require.Equal(t, 4, cfg.MaxIterations)
	require.Equal(t, 8080, cfg.HealthcheckPort)
	require.True(t, cfg.Progress)
}

func TestParse_PositionalProfilePath(t *testing.T) {
	t.Parallel()

	cfg, shouldExit, err := Parse([]string{"run.hcl"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, shouldExit)
	require.Equal(t, "run.hcl", cfg.ProfilePath)
}

func TestParse_ShorthandProfileFlag(t *testing.T) {
	t.Parallel()

	cfg, _, err := Parse([]string{"-p", "run.hcl"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.Equal(t, "run.hcl", cfg.ProfilePath)
}

func TestParse_NoArgumentsPrintsUsage(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	cfg, shouldExit, err := Parse(nil, out)
	require.NoError(t, err)
	require.True(t, shouldExit)
	require.Nil(t, cfg)
	require.Contains(t, out.String(), "Usage:")
}

func TestParse_VignetteAloneIsEnough(t *testing.T) {
	t.Parallel()

	cfg, shouldExit, err := Parse([]string{"--vignette", "a 64-year-old male"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, shouldExit)
	require.Equal(t, "a 64-year-old male", cfg.Vignette)
}

func TestParse_InvalidTarget(t *testing.T) {
	t.Parallel()

	_, _, err := Parse([]string{"--input", "x.jsonl", "--target", "pdf"}, &bytes.Buffer{})
	require.Error(t, err)
	exitErr, ok := err.(*ExitError)
	require.True(t, ok)
	require.Equal(t, 2, exitErr.Code)
}

func TestParse_InvalidLogFormat(t *testing.T) {
	t.Parallel()

	_, _, err := Parse([]string{"--input", "x.jsonl", "--log-format", "xml"}, &bytes.Buffer{})
	require.Error(t, err)
	exitErr, ok := err.(*ExitError)
	require.True(t, ok)
	require.Equal(t, 2, exitErr.Code)
	require.Contains(t, exitErr.Message, "log-format")
}

func TestParse_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	_, _, err := Parse([]string{"--input", "x.jsonl", "--log-level", "loud"}, &bytes.Buffer{})
	require.Error(t, err)
	exitErr, ok := err.(*ExitError)
	require.True(t, ok)
	require.Equal(t, 2, exitErr.Code)
	require.Contains(t, exitErr.Message, "log-level")
}
