// Package prompt renders session context into the model prompt.
package prompt

import (
	"log/slog"
	"os"
	"strings"
	"text/template"

	appbuilder "github.com/Paranoid-AF/appbuilder"
	defaults "github.com/Paranoid-AF/appbuilder/default"
)

// Placeholders substituted for empty context fields.
const (
	NotAvailable     = "Not available."
	NoTerminalOutput = "No previous command output."
	NoHistory        = "No history yet."
)

// Data holds the values passed to the prompt template.
// Every field is already resolved; none is empty unless the user prompt is.
type Data struct {
	Prompt           string
	WorkingDirectory string
	FileListing      string
	TerminalOutput   string
	History          string
}

var defaultTemplate = template.Must(template.New("prompt").Option("missingkey=error").Parse(defaults.DefaultPrompt))

// Formatter renders a RequestContext with a template.
// The zero value is not usable; use New or NewFromFile.
type Formatter struct {
	tmpl *template.Template
}

// New returns a Formatter using the built-in template.
func New() *Formatter {
	return &Formatter{tmpl: defaultTemplate}
}

// NewFromSource returns a Formatter for a custom template source.
// An empty or unparsable source falls back to the built-in template.
func NewFromSource(src string) *Formatter {
	if strings.TrimSpace(src) == "" {
		return New()
	}
	t, err := template.New("prompt").Option("missingkey=error").Parse(src)
	if err != nil {
		slog.Warn("failed to parse prompt template, falling back to default", "error", err)
		return New()
	}
	return &Formatter{tmpl: t}
}

// NewFromFile loads a custom template from path.
// A missing file yields the built-in template.
func NewFromFile(path string) *Formatter {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read prompt template", "path", path, "error", err)
		}
		return New()
	}
	slog.Info("loaded custom prompt", "path", path)
	return NewFromSource(string(data))
}

// Render renders rc with the built-in template.
func Render(rc appbuilder.RequestContext) string {
	return New().Render(rc)
}

// Render substitutes rc into the template. It never fails: a custom
// template that errors during execution is replaced by the built-in one.
func (f *Formatter) Render(rc appbuilder.RequestContext) string {
	data := NewData(rc)

	var buf strings.Builder
	if err := f.tmpl.Execute(&buf, data); err != nil {
		slog.Warn("failed to execute prompt template, falling back to default", "error", err)
		buf.Reset()
		if err := defaultTemplate.Execute(&buf, data); err != nil {
			panic("prompt: built-in template failed: " + err.Error())
		}
	}
	return strings.TrimRight(buf.String(), " \t\n")
}

// NewData resolves placeholders for the empty fields of rc.
func NewData(rc appbuilder.RequestContext) Data {
	return Data{
		Prompt:           rc.Prompt,
		WorkingDirectory: orPlaceholder(rc.WorkingDirectory, NotAvailable),
		FileListing:      orPlaceholder(rc.FileListing, NotAvailable),
		TerminalOutput:   orPlaceholder(rc.LastTerminalOutput, NoTerminalOutput),
		History:          orPlaceholder(FormatHistory(rc.History), NoHistory),
	}
}

// FormatHistory renders one "<sender>: <text>" line per turn, in order.
func FormatHistory(history []appbuilder.ChatTurn) string {
	var sb strings.Builder
	for i, turn := range history {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(string(turn.Sender))
		sb.WriteString(": ")
		sb.WriteString(turn.Text)
	}
	return sb.String()
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}
