// Package prompt builds the generation prompts for the synthesis engine. A
// repair prompt folds the prior attempt's validator diagnostics verbatim into
// the instruction so the model receives explicit correction signal.
package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/vk/fhirloom/internal/config"
)

// Prompt is one fully rendered generation request.
type Prompt struct {
	System string
	User   string
}

const systemNarrative = "You are a clinical documentation assistant. " +
	"Write a coherent, self-contained clinical narrative from the supplied vignette. " +
	"Use only facts present in the vignette; do not invent findings."

const systemDocument = "You are a clinical documentation assistant. " +
	"Write a coherent clinical narrative from the supplied vignette, structured so it can be " +
	"converted into a valid FHIR document: state patient demographics, conditions, observations " +
	"with units, medications with dosage, and encounters explicitly. " +
	"Use only facts present in the vignette; do not invent findings."

var userTmpl = template.Must(template.New("user").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`Clinical vignette:

{{.Input}}
{{- if .Diagnostics}}

A previous attempt at this narrative failed validation. Rewrite it from scratch and correct every issue listed below:
{{range $i, $d := .Diagnostics}}
{{inc $i}}. {{$d}}
{{- end}}
{{- end}}
`))

// Builder renders prompts for one run's target kind.
type Builder struct {
	target config.Target
}

// NewBuilder returns a Builder for the given target kind.
func NewBuilder(target config.Target) *Builder {
	return &Builder{target: target}
}

// Build renders the prompt for one generation attempt. diagnostics holds the
// prior attempt's validator feedback and is empty on the first attempt.
func (b *Builder) Build(input string, diagnostics []string) (Prompt, error) {
	var sb strings.Builder
	data := struct {
		Input       string
		Diagnostics []string
	}{Input: input, Diagnostics: diagnostics}

	if err := userTmpl.Execute(&sb, data); err != nil {
		return Prompt{}, fmt.Errorf("failed to render prompt: %w", err)
	}

	system := systemNarrative
	if b.target.WantsDocument() {
		system = systemDocument
	}
	return Prompt{System: system, User: sb.String()}, nil
}
