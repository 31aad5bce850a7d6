package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"scoreClass": scoreClass,
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		// Fallback to built-in template if file not found
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

// scoreClass buckets a 1-10 risk score for styling.
func scoreClass(score int) string {
	switch {
	case score >= 8:
		return "high"
	case score >= 5:
		return "medium"
	default:
		return "low"
	}
}

// RenderReportHTML renders the report template with provided data.
func RenderReportHTML(data ReportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .section { margin: 1.5rem 0; }
    .risk { padding: 0.25rem 0.5rem; border-left: 3px solid #999; margin: 0.5rem 0; }
    .risk.high { border-color: #c0392b; }
    .risk.medium { border-color: #e67e22; }
    .risk.low { border-color: #27ae60; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">Risk analysis report | {{formatDate .GeneratedAt "Jan 2, 2006"}}</div>
  {{range .Sections}}
  <div class="section">
    <h2>{{.Heading}}</h2>
    {{range .Risks}}
    <div class="risk {{scoreClass .Score}}"><strong>{{.RiskName}}</strong> ({{.Score}}/10): {{.Summary}}</div>
    {{end}}
    <div>{{.BodyHTML}}</div>
  </div>
  {{end}}
</body>
</html>`
