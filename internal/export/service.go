package export

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"cassandra/api/internal/canvas"
)

// Service turns a canvas session into a downloadable PDF report.
type Service struct {
	render func(html, name string) (*Result, error)
}

// NewService creates an export service backed by headless Chrome.
func NewService() *Service {
	return &Service{render: renderPDF}
}

// Export distills the session's analyzed nodes, renders the report
// template, and prints it to PDF. execSummary, when non-empty, is markdown
// prepended as the report's opening section.
func (s *Service) Export(name, execSummary string, nodes []canvas.Node, edges []canvas.Edge) (*Result, error) {
	data, err := BuildReport(name, nodes, edges)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(execSummary) != "" {
		var buf bytes.Buffer
		body := template.HTML("<p>" + template.HTMLEscapeString(execSummary) + "</p>")
		if err := markdown.Convert([]byte(execSummary), &buf); err == nil {
			body = template.HTML(buf.String())
		}
		data.Sections = append([]Section{{Heading: "Executive Summary", BodyHTML: body}}, data.Sections...)
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render report template: %w", err)
	}

	return s.render(html, name)
}
