package hcl

// This file declares the HCL-specific block structure of a run profile.
// Attributes whose zero value is meaningful to the engine (a ceiling of 0,
// an admission buffer of 0) are pointers so "absent" and "zero" stay
// distinguishable during the merge over defaults.

// profileRoot is the top-level structure of a profile file.
type profileRoot struct {
	Generation *generationBlock `hcl:"generation,block"`
	Conversion *conversionBlock `hcl:"conversion,block"`
	Batch      *batchBlock      `hcl:"batch,block"`
	Retry      *retryBlock      `hcl:"retry,block"`
	Breaker    *breakerBlock    `hcl:"breaker,block"`
	Events     *eventsBlock     `hcl:"events,block"`
}

type generationBlock struct {
	URL     string `hcl:"url,optional"`
	Model   string `hcl:"model,optional"`
	APIKey  string `hcl:"api_key,optional"`
	Pool    int    `hcl:"pool,optional"`
	Timeout string `hcl:"timeout,optional"`
}

type conversionBlock struct {
	URL     string `hcl:"url,optional"`
	Pool    int    `hcl:"pool,optional"`
	Timeout string `hcl:"timeout,optional"`
}

type batchBlock struct {
	Input           string `hcl:"input,optional"`
	InputColumn     string `hcl:"input_column,optional"`
	Target          string `hcl:"target,optional"`
	MaxIterations   *int   `hcl:"max_iterations,optional"`
	AdmissionBuffer *int   `hcl:"admission_buffer,optional"`
	OutputDir       string `hcl:"output_dir,optional"`
	OutputFile      string `hcl:"output_file,optional"`
	UploadURL       string `hcl:"upload_url,optional"`
}

type retryBlock struct {
	Attempts int           `hcl:"attempts,optional"`
	Backoff  *backoffBlock `hcl:"backoff,block"`
}

type backoffBlock struct {
	Initial string  `hcl:"initial,optional"`
	Factor  float64 `hcl:"factor,optional"`
	Max     string  `hcl:"max,optional"`
	Jitter  *bool   `hcl:"jitter,optional"`
}

type breakerBlock struct {
	Threshold int `hcl:"threshold,optional"`
}

type eventsBlock struct {
	URL       string `hcl:"url,optional"`
	Namespace string `hcl:"namespace,optional"`
}
