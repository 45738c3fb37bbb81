package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[{{.Kind}} {{.EventLabel}}]
Vehicle: {{.Vehicle}}
Priority: {{.Priority}}
Speed: {{.Speed}} km/h (threshold {{.Threshold}})
Duration: {{.Duration}}
{{ if .Location }}Location: {{.Location}}
{{ end }}Fired At: {{.FiredAt}}
Current Status: {{.Status}}
Suggestion: {{.Suggestion}}
{{ if .Link }}
Details: {{.Link}}
{{ end }}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Vehicle    string
	VehicleID  int64
	Kind       string
	Message    string
	Speed      string
	Threshold  string
	Duration   string
	Location   string
	FiredAt    string
	Status     string
	Priority   string
	Suggestion string
	Link       string
	Event      string
	EventLabel string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("alert-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alert template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
