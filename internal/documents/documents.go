// Package documents renders the plan's document specs into activation
// artifacts with text/template.
package documents

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"rallypoint/internal/domain"
)

// Brief is rendered when a plan declares no documents of its own.
var Brief = domain.DocumentSpec{
	Kind:  "brief",
	Title: "Activation brief: {{.Plan.Title}}",
	Template: `# {{.Plan.Title}}

Activated {{.ActivatedAt}}. Deadline {{.DeadlineAt}}.
{{- if .Plan.Summary}}

{{.Plan.Summary}}
{{- end}}

## Stakeholders
{{range .Stakeholders}}- {{.Name}}{{if .Role}} ({{.Role}}){{end}}{{if .Unit}}, {{.Unit}}{{end}}
{{end}}
## Tasks
{{range .Plan.Tasks}}- [{{or .Priority "normal"}}] {{.Title}}{{if .Role}} -> {{.Role}}{{end}}
{{end}}`,
}

// Person is a stakeholder with its org chart path resolved.
type Person struct {
	domain.Stakeholder
	Unit string
}

// Data is what templates see.
type Data struct {
	Plan         domain.Plan
	InstanceID   string
	ActivatedAt  string
	DeadlineAt   string
	Stakeholders []Person
}

// NewData resolves stakeholder units against the plan's org chart.
func NewData(plan domain.Plan, instanceID, activatedAt, deadlineAt string) Data {
	d := Data{Plan: plan, InstanceID: instanceID, ActivatedAt: activatedAt, DeadlineAt: deadlineAt}
	for _, s := range plan.Stakeholders {
		p := Person{Stakeholder: s}
		if s.Unit != nil {
			p.Unit = plan.OrgChart.Path(*s.Unit)
		}
		d.Stakeholders = append(d.Stakeholders, p)
	}
	return d
}

var funcs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
}

// Check parses both the title and body templates of spec.
func Check(spec domain.DocumentSpec) error {
	if _, err := parse(spec.Kind+".title", spec.Title); err != nil {
		return err
	}
	_, err := parse(spec.Kind, spec.Template)
	return err
}

// Render returns the rendered title and body.
func Render(spec domain.DocumentSpec, data Data) (string, string, error) {
	title, err := execute(spec.Kind+".title", spec.Title, data)
	if err != nil {
		return "", "", err
	}
	body, err := execute(spec.Kind, spec.Template, data)
	if err != nil {
		return "", "", err
	}
	return title, body, nil
}

func parse(name, src string) (*template.Template, error) {
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return t, nil
}

func execute(name, src string, data Data) (string, error) {
	t, err := parse(name, src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.String(), nil
}
