package app

import "errors"

// Config holds the CLI-level configuration for an App instance. Flag values
// layer over the loaded profile; zero values mean "not overridden", except
// MaxIterations which uses -1 as its unset sentinel because 0 is a legal
// ceiling.
type Config struct {
	ProfilePath string

	// Single mode: one ad hoc vignette instead of a batch input file.
	Vignette string

	// Batch overrides.
	Input         string
	Column        string
	Target        string
	MaxIterations int
	OutDir        string
	OutFile       string

	// Capability overrides.
	GenURL      string
	GenModel    string
	GenPool     int
	ConvertURL  string
	ConvertPool int

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	Progress        bool
}

// NewConfig validates the raw CLI configuration.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.MaxIterations < -1 {
		return nil, errors.New("max-iterations must be >= 0")
	}
	return &cfg, nil
}
