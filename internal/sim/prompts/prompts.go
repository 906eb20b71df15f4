// Package prompts embeds the Korean prompt assets for the sales
// simulation. The texts are behavioral contracts shared with the
// training curriculum; edit them only in lockstep with the content
// team.
package prompts

import (
	_ "embed"
	"strings"
	"text/template"
)

//go:embed persona_system.tmpl
var personaSystemRaw string

//go:embed greeting.tmpl
var greetingRaw string

//go:embed analysis.tmpl
var analysisRaw string

var (
	personaSystemTmpl = template.Must(template.New("persona_system").Parse(personaSystemRaw))
	greetingTmpl      = template.Must(template.New("greeting").Parse(greetingRaw))
	analysisTmpl      = template.Must(template.New("analysis").Parse(analysisRaw))
)

// PersonaContext carries the fields substituted into the persona and
// greeting templates.
type PersonaContext struct {
	Type        string
	Gender      string
	AgeGroup    string
	Personality string
	Tech        string
	Goal        string
	Usage       string
	Scenario    string
}

// System renders the customer-roleplay system prompt.
func System(p PersonaContext) (string, error) {
	return render(personaSystemTmpl, p)
}

// Greeting renders the first-greeting prompt.
func Greeting(p PersonaContext) (string, error) {
	return render(greetingTmpl, p)
}

// Analysis renders the performance-scoring rubric over a transcript.
func Analysis(transcript string) (string, error) {
	return render(analysisTmpl, struct{ Transcript string }{Transcript: transcript})
}

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
