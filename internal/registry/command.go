package registry

import (
	"bytes"
	"fmt"
	"text/template"
)

// CommandTemplate renders a task's argv from validated params, replacing
// the original implementation's build_command(params) -> List[str]
// Python callback with a static text/template per argv element — the same
// {{.key}} substitution style the teacher's dynamic_tool.go uses for
// custom tool commands, generalized from single-string shell commands to
// an argv slice so no shell is invoked to run the task at all.
type CommandTemplate struct {
	argvTemplates []*template.Template
}

// NewCommandTemplate compiles each element of argv as an independent
// template, so "{{.count}}" in one argument doesn't require escaping
// unrelated argv elements.
func NewCommandTemplate(argv []string) (*CommandTemplate, error) {
	templates := make([]*template.Template, len(argv))
	for i, a := range argv {
		t, err := template.New(fmt.Sprintf("argv[%d]", i)).Option("missingkey=error").Parse(a)
		if err != nil {
			return nil, fmt.Errorf("argv[%d]: %w", i, err)
		}
		templates[i] = t
	}
	return &CommandTemplate{argvTemplates: templates}, nil
}

// Render expands the template against validated params, returning the
// final argv. Because params were already checked against the task's
// JSON Schema, template execution failures here indicate a task
// definition bug (a placeholder referencing a field the schema doesn't
// require), not a caller error.
func (c *CommandTemplate) Render(params map[string]any) ([]string, error) {
	argv := make([]string, len(c.argvTemplates))
	var buf bytes.Buffer
	for i, t := range c.argvTemplates {
		buf.Reset()
		if err := t.Execute(&buf, params); err != nil {
			return nil, fmt.Errorf("render argv[%d]: %w", i, err)
		}
		argv[i] = buf.String()
	}
	return argv, nil
}
