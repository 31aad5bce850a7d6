package export

import (
	"bytes"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"cassandra/api/internal/canvas"
	"cassandra/api/internal/util"
)

// ReportData is a session distilled into renderable sections.
type ReportData struct {
	Title       string
	GeneratedAt time.Time
	Sections    []Section
}

// Section is one analyzed node in reading order. SourceMarkdown keeps the
// raw response text for callers that feed the distilled canvas back into a
// prompt.
type Section struct {
	Heading        string
	Pitch          string
	Depth          int
	Risks          []canvas.Risk
	BodyHTML       template.HTML
	SourceMarkdown string
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var markdownLink = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)

// BuildReport walks the canvas depth first from its root pitches and
// distills every analyzed node into a section. Nodes still loading or
// never submitted are skipped.
func BuildReport(name string, nodes []canvas.Node, edges []canvas.Edge) (ReportData, error) {
	children := make(map[string][]canvas.Node)
	var roots []canvas.Node
	for _, n := range nodes {
		if n.ParentID == "" {
			roots = append(roots, n)
			continue
		}
		children[n.ParentID] = append(children[n.ParentID], n)
	}

	data := ReportData{Title: name, GeneratedAt: time.Now()}

	var walk func(n canvas.Node, depth int)
	walk = func(n canvas.Node, depth int) {
		if section, ok := distillNode(n, depth); ok {
			data.Sections = append(data.Sections, section)
		}
		for _, child := range children[n.ID] {
			walk(child, depth+1)
		}
	}
	for _, root := range roots {
		walk(root, 0)
	}

	if len(data.Sections) == 0 {
		return ReportData{}, ErrEmptyCanvas
	}
	return data, nil
}

func distillNode(n canvas.Node, depth int) (Section, bool) {
	if n.IsLoading || !n.HasResponse() {
		return Section{}, false
	}

	heading := util.Truncate(strings.TrimSpace(n.Pitch), 80)
	if heading == "" {
		heading = "Analysis"
	}

	section := Section{
		Heading:        heading,
		Pitch:          strings.TrimSpace(n.Pitch),
		Depth:          depth,
		SourceMarkdown: *n.Response,
	}
	if n.StructuredResponse != nil {
		section.Risks = n.StructuredResponse.Risks
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(*n.Response), &buf); err != nil {
		// Fall back to escaped plain text rather than dropping the node.
		section.BodyHTML = template.HTML("<p>" + template.HTMLEscapeString(*n.Response) + "</p>")
		return section, true
	}
	section.BodyHTML = template.HTML(buf.String())
	return section, true
}

// Excerpt flattens markdown into a short plain-text preview, dropping link
// targets and keeping their labels.
func Excerpt(md string, max int) string {
	text := markdownLink.ReplaceAllString(md, "$1")
	text = strings.NewReplacer("#", "", "*", "", "`", "", "_", "").Replace(text)
	text = strings.Join(strings.Fields(text), " ")
	return util.Truncate(text, max)
}

// FilenameFor derives the download filename from the session name.
func FilenameFor(name string) string {
	return fmt.Sprintf("%s-risk-report.pdf", sanitizeFilename(name))
}
