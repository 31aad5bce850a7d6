package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cassandra/api/internal/canvas"
	"cassandra/api/internal/export"
	"cassandra/api/internal/llm"
	"cassandra/api/internal/session"
	"cassandra/api/internal/store"
	"cassandra/api/internal/util"
)

// maxUploadBytes caps multipart pitch uploads.
const maxUploadBytes = 10 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string

	// sessionPing checks the session store for readiness; nil skips the
	// check.
	sessionPing func(ctx context.Context) error
}

func NewHTTPServer(service *Service, corsOrigin string, sessionPing func(ctx context.Context) error) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, sessionPing: sessionPing}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/analyze" {
		s.handleAnalyze(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/canvas" {
		sess := s.service.Sessions().ActiveSession()
		writeJSON(w, http.StatusOK, canvasPayload(sess))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/canvas/nodes" {
		var body struct {
			Pitch    string          `json:"pitch"`
			Position canvas.Position `json:"position"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		node := s.service.Controller().CreateNode(body.Position, body.Pitch)
		writeJSON(w, http.StatusCreated, node)
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/canvas/nodes/{id}[/...]
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "canvas" && parts[2] == "nodes" {
		nodeID := parts[3]

		if r.Method == http.MethodPatch && len(parts) == 4 {
			var body struct {
				Pitch    *string          `json:"pitch"`
				Position *canvas.Position `json:"position"`
				Width    *float64         `json:"width"`
				Height   *float64         `json:"height"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			node, err := s.service.Controller().UpdateNode(nodeID, canvas.NodePatch{
				Pitch:    body.Pitch,
				Position: body.Position,
				Width:    body.Width,
				Height:   body.Height,
			})
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, node)
			return
		}

		if r.Method == http.MethodDelete && len(parts) == 4 {
			if err := s.service.Controller().DeleteNode(nodeID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": nodeID})
			return
		}

		if r.Method == http.MethodPost && len(parts) == 5 && parts[4] == "submit" {
			s.handleSubmit(w, r, nodeID)
			return
		}

		if r.Method == http.MethodPost && len(parts) == 5 && parts[4] == "follow-up" {
			var body struct {
				Seed string `json:"seed"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			node, err := s.service.Controller().CreateFollowUp(nodeID, body.Seed)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, node)
			return
		}
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/canvas/merge" {
		var body struct {
			NodeIDs []string `json:"nodeIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		node, err := s.service.Controller().Merge(r.Context(), body.NodeIDs)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, node)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/interview" {
		s.handleInterview(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/report" {
		s.handleReport(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/failures" {
		filter := store.FailureFilter{
			Query:  strings.TrimSpace(r.URL.Query().Get("q")),
			Limit:  queryInt(r, "limit"),
			Offset: queryInt(r, "offset"),
		}
		failures, err := s.service.Failures(r.Context(), filter)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/failures" {
		var body store.StartupFailure
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.CompanyName) == "" {
			writeError(w, http.StatusUnprocessableEntity, "MISSING_COMPANY", "company_name is required", nil)
			return
		}
		if body.ID == "" {
			body.ID = util.NewID("sf")
		}
		if err := s.service.CreateFailure(r.Context(), body); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, body)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "failures" {
		failure, err := s.service.Failure(r.Context(), parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, failure)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/sessions" {
		sessions, err := s.service.Sessions().Sessions(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": sessionSummaries(sessions),
			"activeId": s.service.Sessions().Active(),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sessions" {
		sess, err := s.service.Sessions().NewSession(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, canvasPayload(sess))
		return
	}

	// /api/sessions/{id}[/...]
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "sessions" {
		sessionID := parts[2]

		if r.Method == http.MethodGet && len(parts) == 3 {
			sess, err := s.service.Sessions().Peek(r.Context(), sessionID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, canvasPayload(sess))
			return
		}

		if r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "activate" {
			sess, err := s.service.Sessions().LoadSession(r.Context(), sessionID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, canvasPayload(sess))
			return
		}

		if r.Method == http.MethodDelete && len(parts) == 3 {
			active, err := s.service.Sessions().DeleteSession(r.Context(), sessionID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"deleted":  sessionID,
				"activeId": active.ID,
			})
			return
		}

		if r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "rename" {
			var body struct {
				Name string `json:"name"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if strings.TrimSpace(body.Name) == "" {
				writeError(w, http.StatusUnprocessableEntity, "EMPTY_NAME", "Session name is required", nil)
				return
			}
			sess, err := s.service.Sessions().RenameSession(r.Context(), sessionID, body.Name)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, sessionSummary(sess))
			return
		}

		if r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "fork" {
			sess, err := s.service.Sessions().ForkSession(r.Context(), sessionID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, canvasPayload(sess))
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	if s.sessionPing != nil {
		checks["sessions"] = map[string]any{"status": "ok"}
		if err := s.sessionPing(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleAnalyze runs a stateless analysis: no node, the raw model stream
// goes straight to the response body.
func (s *HTTPServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	pitch, fileName, fileContent, err := parsePitchForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if pitch == "" && len(fileContent) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "EMPTY_PITCH", "Pitch text or file required", nil)
		return
	}

	req := canvas.AnalyzeRequest{
		Pitch:          pitch,
		FileName:       fileName,
		FileContent:    fileContent,
		ParentPitch:    r.FormValue("parentPitch"),
		ParentAnalysis: r.FormValue("parentAnalysis"),
		Interaction:    canvas.InteractionInitial,
	}
	if r.FormValue("interactionType") == string(canvas.InteractionFollowUp) {
		req.Interaction = canvas.InteractionFollowUp
	}

	stream, err := s.service.Analyze(r.Context(), req)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer stream.Close()
	copyStream(w, stream)
}

// handleSubmit runs a node submission, teeing the raw stream to the client
// while the decoder fills node state.
func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request, nodeID string) {
	pitch, fileName, fileContent, err := parsePitchForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	fw := newFlushWriter(w)
	if err := s.service.SubmitNode(r.Context(), nodeID, pitch, fileName, fileContent, fw); err != nil {
		if fw.wrote {
			// Headers are gone; the node itself already carries the
			// failure message.
			log.Printf("http: node %s stream aborted: %v", nodeID, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
	}
}

func (s *HTTPServer) handleInterview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		// Clients send the id as either a string or a number.
		StartupID json.RawMessage `json:"startupId"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	startupID := strings.Trim(strings.TrimSpace(string(body.StartupID)), `"`)
	if startupID == "" || startupID == "null" {
		writeError(w, http.StatusUnprocessableEntity, "MISSING_STARTUP", "startupId is required", nil)
		return
	}

	history := make([]llm.Message, len(body.Messages))
	for i, m := range body.Messages {
		history[i] = llm.Message{Role: m.Role, Content: m.Content}
	}

	stream, err := s.service.Interview(r.Context(), startupID, history)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer stream.Close()
	copyStream(w, stream)
}

func (s *HTTPServer) handleReport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	res, err := s.service.Report(r.Context(), body.SessionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

// parsePitchForm reads the pitch fields from a multipart or urlencoded
// body. The file part is optional.
func parsePitchForm(r *http.Request) (pitch, fileName string, fileContent []byte, err error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return "", "", nil, fmt.Errorf("invalid multipart body")
		}
		file, header, ferr := r.FormFile("file")
		if ferr == nil {
			defer file.Close()
			content, rerr := io.ReadAll(io.LimitReader(file, maxUploadBytes))
			if rerr != nil {
				return "", "", nil, fmt.Errorf("read uploaded file")
			}
			fileName = header.Filename
			fileContent = content
		} else if ferr != http.ErrMissingFile {
			return "", "", nil, fmt.Errorf("invalid file part")
		}
	} else if err := r.ParseForm(); err != nil {
		return "", "", nil, fmt.Errorf("invalid form body")
	}
	return strings.TrimSpace(r.FormValue("pitch")), fileName, fileContent, nil
}

// copyStream writes model chunks to the response as they arrive. Transport
// errors mid-stream can only be logged.
func copyStream(w http.ResponseWriter, stream canvas.ChunkStream) {
	fw := newFlushWriter(w)
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Printf("http: analysis stream failed: %v", err)
			return
		}
		if _, err := io.WriteString(fw, chunk); err != nil {
			return
		}
	}
}

// flushWriter streams each write to the client immediately.
type flushWriter struct {
	w     http.ResponseWriter
	f     http.Flusher
	wrote bool
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	fw := &flushWriter{w: w}
	fw.f, _ = w.(http.Flusher)
	return fw
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	if !fw.wrote {
		fw.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fw.w.Header().Set("X-Accel-Buffering", "no")
		fw.wrote = true
	}
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

func canvasPayload(sess session.Session) map[string]any {
	nodes := sess.Nodes
	if nodes == nil {
		nodes = []canvas.Node{}
	}
	edges := sess.Edges
	if edges == nil {
		edges = []canvas.Edge{}
	}
	return map[string]any{
		"sessionId":   sess.ID,
		"sessionName": sess.Name,
		"nodes":       nodes,
		"edges":       edges,
	}
}

func sessionSummary(sess session.Session) map[string]any {
	return map[string]any{
		"id":        sess.ID,
		"name":      sess.Name,
		"createdAt": sess.CreatedAt,
		"nodeCount": len(sess.Nodes),
	}
}

func sessionSummaries(sessions []session.Session) []map[string]any {
	out := make([]map[string]any, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionSummary(sess)
	}
	return out
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return value
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, canvas.ErrNodeNotFound):
		return http.StatusNotFound, "NODE_NOT_FOUND", "Node not found", nil
	case errors.Is(err, canvas.ErrNodeBusy):
		return http.StatusConflict, "NODE_BUSY", "Node analysis already in progress", nil
	case errors.Is(err, canvas.ErrNodeComplete):
		return http.StatusConflict, "NODE_COMPLETE", "Node has already been analyzed", nil
	case errors.Is(err, canvas.ErrEmptyPitch):
		return http.StatusUnprocessableEntity, "EMPTY_PITCH", "Pitch text or file required", nil
	case errors.Is(err, canvas.ErrTooFewNodes):
		return http.StatusUnprocessableEntity, "TOO_FEW_NODES", "Merge needs at least two nodes", nil
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, export.ErrEmptyCanvas):
		return http.StatusUnprocessableEntity, "EMPTY_CANVAS", "No analyzed nodes to report on", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
