package app

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cassandra/api/internal/canvas"
	"cassandra/api/internal/store"
)

func newTestServer(t *testing.T) (*testEnv, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t)
	srv := httptest.NewServer(NewHTTPServer(env.service, "*", nil).Handler())
	t.Cleanup(srv.Close)
	return env, srv
}

func decodeJSON(t *testing.T, res *http.Response, target any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return res
}

func pitchForm(t *testing.T, pitch, fileName, fileContent string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("pitch", pitch); err != nil {
		t.Fatalf("write pitch field: %v", err)
	}
	if fileName != "" {
		part, err := form.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		if _, err := part.Write([]byte(fileContent)); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	form.Close()
	return &buf, form.FormDataContentType()
}

func TestHealthRoute(t *testing.T) {
	_, srv := newTestServer(t)
	res, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var body map[string]any
	decodeJSON(t, res, &body)
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyRouteReportsChecks(t *testing.T) {
	env := newTestEnv(t)
	pingErr := context.DeadlineExceeded
	srv := httptest.NewServer(NewHTTPServer(env.service, "*", func(ctx context.Context) error {
		return pingErr
	}).Handler())
	t.Cleanup(srv.Close)

	res, err := http.Get(srv.URL + "/api/ready")
	if err != nil {
		t.Fatalf("GET ready: %v", err)
	}
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var body struct {
		OK     bool           `json:"ok"`
		Checks map[string]any `json:"checks"`
	}
	decodeJSON(t, res, &body)
	if body.OK {
		t.Error("ready despite failing session check")
	}
	if _, ok := body.Checks["sessions"]; !ok {
		t.Error("sessions check missing")
	}
}

func TestCanvasSnapshotRoute(t *testing.T) {
	env, srv := newTestServer(t)
	res, err := http.Get(srv.URL + "/api/canvas")
	if err != nil {
		t.Fatalf("GET canvas: %v", err)
	}
	var body struct {
		SessionID string            `json:"sessionId"`
		Nodes     []json.RawMessage `json:"nodes"`
		Edges     []json.RawMessage `json:"edges"`
	}
	decodeJSON(t, res, &body)
	if body.SessionID == "" {
		t.Error("missing session id")
	}
	if len(body.Nodes) != 1 {
		t.Fatalf("nodes = %d", len(body.Nodes))
	}
	if !strings.Contains(string(body.Nodes[0]), env.rootID) {
		t.Errorf("root node missing: %s", body.Nodes[0])
	}
	if body.Edges == nil {
		t.Error("edges should encode as an empty array")
	}
}

func TestSubmitRouteStreamsRawBytes(t *testing.T) {
	env, srv := newTestServer(t)
	env.chat.chunks = []string{
		`{"risk_analysis":[{"risk_name":"R","score":5,"summary":"s"}]}`,
		"\n---\n",
		"Body text",
	}

	buf, contentType := pitchForm(t, "drone delivery", "", "")
	res, err := http.Post(srv.URL+"/api/canvas/nodes/"+env.rootID+"/submit", contentType, buf)
	if err != nil {
		t.Fatalf("POST submit: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(res.Body); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	want := strings.Join(env.chat.chunks, "")
	if raw.String() != want {
		t.Errorf("stream = %q, want %q", raw.String(), want)
	}

	node, _ := env.graph.Node(env.rootID)
	if node.StructuredResponse == nil || node.IsLoading {
		t.Errorf("node not finalized: %+v", node)
	}
}

func TestSubmitRouteRejectsEmptyPitch(t *testing.T) {
	env, srv := newTestServer(t)
	buf, contentType := pitchForm(t, "", "", "")
	res, err := http.Post(srv.URL+"/api/canvas/nodes/"+env.rootID+"/submit", contentType, buf)
	if err != nil {
		t.Fatalf("POST submit: %v", err)
	}
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var body map[string]any
	decodeJSON(t, res, &body)
	if body["code"] != "EMPTY_PITCH" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestSubmitRouteUnknownNode(t *testing.T) {
	_, srv := newTestServer(t)
	buf, contentType := pitchForm(t, "pitch", "", "")
	res, err := http.Post(srv.URL+"/api/canvas/nodes/ghost/submit", contentType, buf)
	if err != nil {
		t.Fatalf("POST submit: %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestAnalyzeRouteStatelessStream(t *testing.T) {
	env, srv := newTestServer(t)
	env.chat.chunks = []string{"chunk one ", "chunk two"}

	res, err := http.Post(srv.URL+"/api/analyze", "application/x-www-form-urlencoded",
		strings.NewReader("pitch=an+idea"))
	if err != nil {
		t.Fatalf("POST analyze: %v", err)
	}
	defer res.Body.Close()
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(res.Body); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if raw.String() != "chunk one chunk two" {
		t.Errorf("stream = %q", raw.String())
	}
}

func TestFollowUpRoute(t *testing.T) {
	env, srv := newTestServer(t)
	res := postJSON(t, srv.URL+"/api/canvas/nodes/"+env.rootID+"/follow-up", map[string]string{"seed": "but why?"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var node struct {
		ID       string `json:"id"`
		ParentID string `json:"parentId"`
		Pitch    string `json:"pitch"`
	}
	decodeJSON(t, res, &node)
	if node.ParentID != env.rootID || node.Pitch != "but why?" {
		t.Fatalf("node = %+v", node)
	}
}

func TestMergeRouteTooFewNodes(t *testing.T) {
	env, srv := newTestServer(t)
	res := postJSON(t, srv.URL+"/api/canvas/merge", map[string]any{"nodeIds": []string{env.rootID}})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var body map[string]any
	decodeJSON(t, res, &body)
	if body["code"] != "TOO_FEW_NODES" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestNodePatchAndDelete(t *testing.T) {
	env, srv := newTestServer(t)
	client := srv.Client()

	payload := `{"position":{"x":10,"y":20},"pitch":"edited"}`
	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/canvas/nodes/"+env.rootID, strings.NewReader(payload))
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("PATCH node: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", res.StatusCode)
	}
	res.Body.Close()

	node, _ := env.graph.Node(env.rootID)
	if node.Pitch != "edited" || node.Position.X != 10 || node.Position.Y != 20 {
		t.Fatalf("node = %+v", node)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/canvas/nodes/"+env.rootID, nil)
	res, err = client.Do(req)
	if err != nil {
		t.Fatalf("DELETE node: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", res.StatusCode)
	}
	if _, ok := env.graph.Node(env.rootID); ok {
		t.Error("node still present after delete")
	}
}

func TestPatchCompletedNodePitchConflicts(t *testing.T) {
	env, srv := newTestServer(t)
	response := "done"
	env.graph.UpdateNode(env.rootID, func(n canvas.Node) canvas.Node {
		n.Response = &response
		return n
	})

	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/canvas/nodes/"+env.rootID, strings.NewReader(`{"pitch":"rewrite"}`))
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("PATCH node: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var body map[string]any
	decodeJSON(t, res, &body)
	if body["code"] != "NODE_COMPLETE" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestInterviewRouteUnknownStartup(t *testing.T) {
	_, srv := newTestServer(t)
	res := postJSON(t, srv.URL+"/api/interview", map[string]any{
		"startupId": "ghost",
		"messages":  []map[string]string{{"role": "user", "content": "hi"}},
	})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestInterviewRouteStreams(t *testing.T) {
	env, srv := newTestServer(t)
	env.failures.failures["pets"] = store.StartupFailure{ID: "pets", CompanyName: "Pets.com"}
	env.chat.chunks = []string{"They ", "shipped ", "dog food."}

	res := postJSON(t, srv.URL+"/api/interview", map[string]any{
		"startupId": "pets",
		"messages":  []map[string]string{{"role": "user", "content": "what happened?"}},
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(res.Body); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if raw.String() != "They shipped dog food." {
		t.Errorf("stream = %q", raw.String())
	}
}

func TestInterviewRouteAcceptsNumericStartupID(t *testing.T) {
	env, srv := newTestServer(t)
	env.failures.failures["42"] = store.StartupFailure{ID: "42", CompanyName: "Color Labs"}
	env.chat.chunks = []string{"They raised too much."}

	res, err := http.Post(srv.URL+"/api/interview", "application/json",
		strings.NewReader(`{"startupId":42,"messages":[{"role":"user","content":"what happened?"}]}`))
	if err != nil {
		t.Fatalf("POST interview: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(res.Body); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if raw.String() != "They raised too much." {
		t.Errorf("stream = %q", raw.String())
	}
}

func TestReportRouteReturnsAttachment(t *testing.T) {
	env, srv := newTestServer(t)
	response := "Full analysis"
	env.graph.UpdateNode(env.rootID, func(n canvas.Node) canvas.Node {
		n.Pitch = "robot chefs"
		n.Response = &response
		return n
	})
	env.gen.output = "summary"

	res := postJSON(t, srv.URL+"/api/report", map[string]any{})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("content type = %q", ct)
	}
	if cd := res.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("content disposition = %q", cd)
	}
}

func TestFailureRoutes(t *testing.T) {
	env, srv := newTestServer(t)
	env.failures.failures["theranos"] = store.StartupFailure{ID: "theranos", CompanyName: "Theranos"}

	res, err := http.Get(srv.URL + "/api/failures")
	if err != nil {
		t.Fatalf("GET failures: %v", err)
	}
	var list struct {
		Failures []store.StartupFailure `json:"failures"`
	}
	decodeJSON(t, res, &list)
	if len(list.Failures) != 1 || list.Failures[0].CompanyName != "Theranos" {
		t.Fatalf("failures = %+v", list.Failures)
	}

	res, err = http.Get(srv.URL + "/api/failures/theranos")
	if err != nil {
		t.Fatalf("GET failure: %v", err)
	}
	var failure store.StartupFailure
	decodeJSON(t, res, &failure)
	if failure.ID != "theranos" {
		t.Fatalf("failure = %+v", failure)
	}

	res, err = http.Get(srv.URL + "/api/failures/ghost")
	if err != nil {
		t.Fatalf("GET missing failure: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestCreateFailureRoute(t *testing.T) {
	env, srv := newTestServer(t)

	res := postJSON(t, srv.URL+"/api/failures", map[string]string{
		"company_name":   "Webvan",
		"failure_reason": "Scaled logistics before demand",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var created store.StartupFailure
	decodeJSON(t, res, &created)
	if created.ID == "" {
		t.Fatal("missing generated id")
	}
	if _, ok := env.failures.failures[created.ID]; !ok {
		t.Fatal("failure not stored")
	}

	res = postJSON(t, srv.URL+"/api/failures", map[string]string{"failure_reason": "nameless"})
	res.Body.Close()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("nameless status = %d", res.StatusCode)
	}
}

func TestSessionRoutes(t *testing.T) {
	_, srv := newTestServer(t)

	res := postJSON(t, srv.URL+"/api/sessions", map[string]any{})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", res.StatusCode)
	}
	var created struct {
		SessionID string `json:"sessionId"`
	}
	decodeJSON(t, res, &created)
	if created.SessionID == "" {
		t.Fatal("missing created session id")
	}

	res, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	var listing struct {
		Sessions []map[string]any `json:"sessions"`
		ActiveID string           `json:"activeId"`
	}
	decodeJSON(t, res, &listing)
	if len(listing.Sessions) != 2 {
		t.Fatalf("sessions = %d", len(listing.Sessions))
	}
	if listing.ActiveID != created.SessionID {
		t.Errorf("activeId = %q, want %q", listing.ActiveID, created.SessionID)
	}

	res = postJSON(t, srv.URL+"/api/sessions/"+created.SessionID+"/rename", map[string]string{"name": ""})
	res.Body.Close()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("empty rename status = %d", res.StatusCode)
	}

	res = postJSON(t, srv.URL+"/api/sessions/"+created.SessionID+"/rename", map[string]string{"name": "My Canvas"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rename status = %d", res.StatusCode)
	}
	var renamed map[string]any
	decodeJSON(t, res, &renamed)
	if renamed["name"] != "My Canvas" {
		t.Errorf("renamed = %v", renamed)
	}

	res = postJSON(t, srv.URL+"/api/sessions/"+created.SessionID+"/fork", map[string]any{})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("fork status = %d", res.StatusCode)
	}
	var forked struct {
		SessionName string `json:"sessionName"`
	}
	decodeJSON(t, res, &forked)
	if forked.SessionName != "My Canvas (copy)" {
		t.Errorf("fork name = %q", forked.SessionName)
	}

	res = postJSON(t, srv.URL+"/api/sessions/ghost/activate", map[string]any{})
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("activate unknown status = %d", res.StatusCode)
	}
}
