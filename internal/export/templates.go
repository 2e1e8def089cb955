package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTemplate = template.Must(
	template.New("transcript.html").Funcs(template.FuncMap{
		"lower":      strings.ToLower,
		"formatDate": formatDate,
		"roleLabel":  roleLabel,
		"paragraphs": paragraphs,
	}).ParseFS(templateFS, "templates/transcript.html"),
)

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}

func roleLabel(role string) string {
	if role == "assistant" {
		return "Assistant"
	}
	return "Clinician"
}

// paragraphs splits message content on blank-line or newline boundaries.
func paragraphs(content string) []string {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// RenderTranscriptHTML renders the transcript template with provided data
func RenderTranscriptHTML(data Transcript) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
