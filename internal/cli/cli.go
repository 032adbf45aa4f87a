package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/fhirloom/internal/app"
	"github.com/vk/fhirloom/internal/config"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("fhirloom", flag.ContinueOnError)
	flagSet.SetOutput(output)

	// Custom usage/help text function
	flagSet.Usage = func() {
		fmt.Fprint(output, `
fhirloom - Batch synthesis of clinical narratives and validated FHIR documents.

Usage:
  fhirloom [options] [PROFILE_PATH]

Arguments:
  PROFILE_PATH
    Path to an .hcl run profile. Flags override profile values.

Options:
`)
		flagSet.PrintDefaults()
	}

	profileFlag := flagSet.String("profile", "", "Path to the HCL run profile.")
	pFlag := flagSet.String("p", "", "Path to the HCL run profile (shorthand).")
	vignetteFlag := flagSet.String("vignette", "", "Single mode: synthesize one ad hoc vignette instead of a batch.")
	inputFlag := flagSet.String("input", "", "Batch input file (.jsonl or .csv).")
	columnFlag := flagSet.String("column", "", "Name of the input column holding the vignette text.")
	targetFlag := flagSet.String("target", "", "Artifact to produce: 'narrative', 'document', or 'narrative+document'.")
	genURLFlag := flagSet.String("gen-url", "", "Base URL of the generation capability.")
	genModelFlag := flagSet.String("gen-model", "", "Model identifier for the generation capability.")
	genPoolFlag := flagSet.Int("gen-pool", 0, "Generation pool size. 0 keeps the profile value.")
	convertURLFlag := flagSet.String("convert-url", "", "Base URL of the conversion/validation capability.")
	convertPoolFlag := flagSet.Int("convert-pool", 0, "Conversion pool size. 0 keeps the profile value.")
	maxIterFlag := flagSet.Int("max-iterations", -1, "Maximum refinement iterations per row. -1 keeps the profile value.")
	outDirFlag := flagSet.String("out-dir", "", "Destination directory for the result stream.")
	outFileFlag := flagSet.String("out-file", "", "File name for the result stream.")
	progressFlag := flagSet.Bool("progress", false, "Display a progress counter while the batch runs.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	profilePath := ""
	if *profileFlag != "" {
		profilePath = *profileFlag
	} else if *pFlag != "" {
		profilePath = *pFlag
	} else if flagSet.NArg() > 0 {
		profilePath = flagSet.Arg(0)
	}
	slog.Debug("Profile path determined.", "path", profilePath)

	if profilePath == "" && *vignetteFlag == "" && *inputFlag == "" {
		slog.Debug("No profile, input, or vignette provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	if *targetFlag != "" {
		if _, err := config.ParseTarget(*targetFlag); err != nil {
			return nil, false, &ExitError{Code: 2, Message: err.Error()}
		}
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	appConfig, err := app.NewConfig(app.Config{
		ProfilePath:     profilePath,
		Vignette:        *vignetteFlag,
		Input:           *inputFlag,
		Column:          *columnFlag,
		Target:          *targetFlag,
		MaxIterations:   *maxIterFlag,
		OutDir:          *outDirFlag,
		OutFile:         *outFileFlag,
		GenURL:          *genURLFlag,
		GenModel:        *genModelFlag,
		GenPool:         *genPoolFlag,
		ConvertURL:      *convertURLFlag,
		ConvertPool:     *convertPoolFlag,
		Progress:        *progressFlag,
		HealthcheckPort: *healthPortFlag,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.")
	return appConfig, false, nil
}
