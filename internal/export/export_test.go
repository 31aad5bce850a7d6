package export

import (
	"errors"
	"strings"
	"testing"

	"cassandra/api/internal/canvas"
)

func analyzed(id, parent, pitch, body string, risks ...canvas.Risk) canvas.Node {
	resp := body
	n := canvas.Node{ID: id, ParentID: parent, Pitch: pitch, Response: &resp}
	if len(risks) > 0 {
		n.StructuredResponse = &canvas.RiskAnalysis{Risks: risks}
	}
	return n
}

func TestBuildReportWalksDepthFirst(t *testing.T) {
	nodes := []canvas.Node{
		analyzed("root", "", "drone delivery", "Root analysis"),
		analyzed("child", "root", "what about weather?", "Weather follow-up"),
		analyzed("grandchild", "child", "and icing?", "Icing follow-up"),
		analyzed("root2", "", "pet subscription boxes", "Second root"),
	}

	data, err := BuildReport("My Canvas", nodes, nil)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}
	if data.Title != "My Canvas" {
		t.Errorf("title = %q", data.Title)
	}
	if len(data.Sections) != 4 {
		t.Fatalf("expected 4 sections, got %d", len(data.Sections))
	}

	wantOrder := []string{"drone delivery", "what about weather?", "and icing?", "pet subscription boxes"}
	wantDepth := []int{0, 1, 2, 0}
	for i, s := range data.Sections {
		if s.Pitch != wantOrder[i] {
			t.Errorf("section %d pitch = %q, want %q", i, s.Pitch, wantOrder[i])
		}
		if s.Depth != wantDepth[i] {
			t.Errorf("section %d depth = %d, want %d", i, s.Depth, wantDepth[i])
		}
	}
}

func TestBuildReportSkipsUnanalyzedNodes(t *testing.T) {
	resp := "done"
	nodes := []canvas.Node{
		{ID: "pending", Pitch: "never submitted"},
		{ID: "loading", Pitch: "in flight", IsLoading: true, Response: &resp},
		analyzed("done", "", "finished", "Body"),
	}

	data, err := BuildReport("s", nodes, nil)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}
	if len(data.Sections) != 1 || data.Sections[0].Pitch != "finished" {
		t.Fatalf("sections = %+v", data.Sections)
	}
}

func TestBuildReportEmptyCanvas(t *testing.T) {
	_, err := BuildReport("s", []canvas.Node{{ID: "n", Pitch: "p"}}, nil)
	if !errors.Is(err, ErrEmptyCanvas) {
		t.Fatalf("expected ErrEmptyCanvas, got %v", err)
	}
}

func TestBuildReportRendersMarkdownBody(t *testing.T) {
	nodes := []canvas.Node{
		analyzed("n", "", "pitch", "## Market\n\nSome **bold** point"),
	}
	data, err := BuildReport("s", nodes, nil)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}
	body := string(data.Sections[0].BodyHTML)
	if !strings.Contains(body, "<h2") || !strings.Contains(body, "<strong>bold</strong>") {
		t.Fatalf("body = %q", body)
	}
}

func TestRenderReportHTMLIncludesRisks(t *testing.T) {
	nodes := []canvas.Node{
		analyzed("n", "", "grocery drones", "Body text",
			canvas.Risk{RiskName: "Regulation", Score: 9, Summary: "FAA approval"},
			canvas.Risk{RiskName: "Unit economics", Score: 4, Summary: "cost per drop"},
		),
	}
	data, err := BuildReport("Flight Canvas", nodes, nil)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		t.Fatalf("RenderReportHTML failed: %v", err)
	}
	for _, want := range []string{"Flight Canvas", "Regulation", "9/10", "FAA approval", "grocery drones"} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered report missing %q", want)
		}
	}
	if !strings.Contains(html, "risk high") {
		t.Error("score 9 not bucketed as high")
	}
	if !strings.Contains(html, "risk low") {
		t.Error("score 4 not bucketed as low")
	}
}

func TestExcerptStripsLinksAndMarkup(t *testing.T) {
	md := "# Title\n\nSee [the writeup](https://example.com/post) for *details* on `pricing`."
	got := Excerpt(md, 100)
	if strings.Contains(got, "example.com") || strings.Contains(got, "#") || strings.Contains(got, "*") {
		t.Fatalf("excerpt kept markup: %q", got)
	}
	if !strings.Contains(got, "the writeup") {
		t.Fatalf("link label lost: %q", got)
	}
}

func TestExcerptTruncates(t *testing.T) {
	got := Excerpt(strings.Repeat("word ", 200), 50)
	if len([]rune(got)) != 53 || !strings.HasSuffix(got, "...") {
		t.Fatalf("excerpt = %q (len %d)", got, len([]rune(got)))
	}
}

func TestScoreClass(t *testing.T) {
	cases := map[int]string{1: "low", 4: "low", 5: "medium", 7: "medium", 8: "high", 10: "high"}
	for score, want := range cases {
		if got := scoreClass(score); got != want {
			t.Errorf("scoreClass(%d) = %q, want %q", score, got, want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"My Canvas":              "My-Canvas",
		"a/b\\c:d":               "abcd",
		"":                       "session",
		strings.Repeat("x", 80): strings.Repeat("x", 50),
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	got := percentEncodeForDataURL("a b+c")
	if got != "a%20b%2Bc" {
		t.Fatalf("encoded = %q", got)
	}
}

func TestServiceExportUsesRenderer(t *testing.T) {
	var gotHTML, gotName string
	svc := &Service{render: func(html, name string) (*Result, error) {
		gotHTML, gotName = html, name
		return &Result{Data: []byte("pdf"), Filename: FilenameFor(name), MimeType: "application/pdf"}, nil
	}}

	nodes := []canvas.Node{analyzed("n", "", "robot chefs", "Body")}
	res, err := svc.Export("Kitchen", "Overall the idea is **viable**.", nodes, nil)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if gotName != "Kitchen" || !strings.Contains(gotHTML, "robot chefs") {
		t.Fatalf("renderer got name %q html %q", gotName, gotHTML)
	}
	if !strings.Contains(gotHTML, "Executive Summary") || !strings.Contains(gotHTML, "<strong>viable</strong>") {
		t.Fatalf("executive summary missing from html: %q", gotHTML)
	}
	if res.Filename != "Kitchen-risk-report.pdf" {
		t.Fatalf("filename = %q", res.Filename)
	}
}
