package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"cassandra/api/internal/canvas"
	"cassandra/api/internal/export"
	"cassandra/api/internal/llm"
	"cassandra/api/internal/search"
	"cassandra/api/internal/session"
	"cassandra/api/internal/store"
)

const (
	// fileContextLimit caps how much of an uploaded document is inlined
	// into the prompt.
	fileContextLimit = 5000

	retrievalLimit = 6

	fileFailureNote = "--- NOTE ---\nFile processing failed, analysis will proceed without file context."
)

const initialSystemPrompt = `You are Cassandra, an AI co-pilot for startup founders. Your goal is to identify potential risks by comparing a user's pitch to a database of failed startups. You are direct, insightful, and brutally honest, but constructive. You do not sugarcoat, but you always aim to help the founder succeed by making them aware of the icebergs ahead.`

const followUpSystemPrompt = `You are Cassandra, an AI co-pilot for startup founders. You are continuing an existing analysis conversation. Answer the founder's follow-up question directly and conversationally in markdown. Do NOT produce a new risk analysis.`

const interviewSystemPrompt = `You are Cassandra, acting as a post-mortem analyst. You have deep knowledge of one specific failed startup, described below. Answer the user's questions about this company: what it did, why it failed, and what lessons apply to founders today. Stay grounded in the provided context; if the context does not cover something, say so rather than inventing details.`

const synthesisSystemPrompt = `You are Cassandra, an AI co-pilot for startup founders. You will receive several pitch analyses from one brainstorming canvas. Synthesize them into a single coherent markdown summary: the common themes, the strongest risks across all entries, and a combined recommendation. Do NOT output a JSON object or a '---' separator.`

const reportSystemPrompt = `You are Cassandra, an AI co-pilot for startup founders. You will receive a distilled summary of a risk analysis canvas. Write a short executive summary in markdown titled "Path to Survival": the most important risks across the whole canvas and the concrete moves the founder should make to avoid them. Do not repeat the input verbatim.`

// FailureStore is the case-study persistence port.
type FailureStore interface {
	GetFailure(ctx context.Context, id string) (store.StartupFailure, error)
	ListFailures(ctx context.Context, filter store.FailureFilter) ([]store.StartupFailure, error)
	CreateFailure(ctx context.Context, f store.StartupFailure) error
	MissingEmbeddingIDs(ctx context.Context, limit int) ([]string, error)
	UpdateEmbedding(ctx context.Context, id string, embedding []float32) error
	Ping(ctx context.Context) error
}

// CaseSearcher retrieves relevant case studies for a pitch.
type CaseSearcher interface {
	Search(ctx context.Context, q search.Query) []search.CaseHit
}

// CaseIndexer pushes case-study records into the keyword index.
type CaseIndexer interface {
	IndexFailures(records []search.FailureRecord)
}

// Exporter renders a session into a downloadable report.
type Exporter interface {
	Export(name, execSummary string, nodes []canvas.Node, edges []canvas.Edge) (*export.Result, error)
}

// AttachmentArchiver stores uploaded pitch documents out of band.
type AttachmentArchiver interface {
	Archive(nodeID, fileName string, content []byte)
}

// Service composes retrieval, the LLM gateway, the canvas controller, and
// session persistence behind the HTTP layer. It is also the controller's
// Analyzer and Synthesizer binding.
type Service struct {
	controller *canvas.Controller
	sessions   *session.Manager
	failures   FailureStore
	searcher   CaseSearcher
	indexer    CaseIndexer
	chat       llm.ChatStreamer
	gen        llm.Generator
	embedder   llm.Embedder
	exporter   Exporter
	blobs      AttachmentArchiver
}

// NewService wires the service and installs it as the graph controller's
// analysis gateway. indexer, embedder, and blobs may be nil when the
// corresponding backend is not configured.
func NewService(
	graph *canvas.Graph,
	sessions *session.Manager,
	failures FailureStore,
	searcher CaseSearcher,
	indexer CaseIndexer,
	chat llm.ChatStreamer,
	gen llm.Generator,
	embedder llm.Embedder,
	exporter Exporter,
	blobs AttachmentArchiver,
) *Service {
	s := &Service{
		sessions: sessions,
		failures: failures,
		searcher: searcher,
		indexer:  indexer,
		chat:     chat,
		gen:      gen,
		embedder: embedder,
		exporter: exporter,
		blobs:    blobs,
	}
	s.controller = canvas.NewController(graph, s, s)
	return s
}

// Controller exposes the canvas controller for direct graph operations.
func (s *Service) Controller() *canvas.Controller {
	return s.controller
}

// Sessions exposes the session manager.
func (s *Service) Sessions() *session.Manager {
	return s.sessions
}

// Bootstrap restores the active session and kicks off the background
// search-index and embedding backfill. Backfill failures are logged, not
// fatal; the app serves with degraded retrieval.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.sessions.Bootstrap(ctx); err != nil {
		return fmt.Errorf("restore active session: %w", err)
	}
	go s.backfillRetrieval()
	return nil
}

func (s *Service) backfillRetrieval() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if s.indexer != nil {
		failures, err := s.failures.ListFailures(ctx, store.FailureFilter{Limit: 200})
		if err != nil {
			log.Printf("app: search reindex skipped: %v", err)
		} else {
			records := make([]search.FailureRecord, len(failures))
			for i, f := range failures {
				records[i] = search.RecordFromFailure(f)
			}
			s.indexer.IndexFailures(records)
		}
	}

	if s.embedder == nil {
		return
	}
	ids, err := s.failures.MissingEmbeddingIDs(ctx, 100)
	if err != nil {
		log.Printf("app: embedding backfill skipped: %v", err)
		return
	}
	for _, id := range ids {
		f, err := s.failures.GetFailure(ctx, id)
		if err != nil {
			continue
		}
		vec, err := s.embedder.Embed(ctx, f.Summary)
		if err != nil {
			log.Printf("app: embed case study %s: %v", id, err)
			continue
		}
		if err := s.failures.UpdateEmbedding(ctx, id, vec); err != nil {
			log.Printf("app: store embedding %s: %v", id, err)
		}
	}
}

// Ping checks the primary store.
func (s *Service) Ping(ctx context.Context) error {
	return s.failures.Ping(ctx)
}

// Analyze builds the retrieval-augmented prompt for one node submission and
// opens the LLM stream. It implements canvas.Analyzer.
func (s *Service) Analyze(ctx context.Context, req canvas.AnalyzeRequest) (canvas.ChunkStream, error) {
	contextBlock := s.buildContext(ctx, req)

	var messages []llm.Message
	if req.Interaction == canvas.InteractionFollowUp {
		messages = []llm.Message{
			{Role: llm.RoleSystem, Content: followUpSystemPrompt},
			{Role: llm.RoleUser, Content: followUpUserPrompt(req, contextBlock)},
		}
	} else {
		messages = []llm.Message{
			{Role: llm.RoleSystem, Content: initialSystemPrompt},
			{Role: llm.RoleUser, Content: initialUserPrompt(req, contextBlock)},
		}
	}

	stream, err := s.chat.StreamChat(ctx, messages)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// buildContext assembles the optional prompt sections: the parent exchange
// for follow-ups, the uploaded file, and retrieved case studies.
func (s *Service) buildContext(ctx context.Context, req canvas.AnalyzeRequest) string {
	var sections []string

	if req.ParentPitch != "" || req.ParentAnalysis != "" {
		sections = append(sections, fmt.Sprintf(
			"--- Previous Context ---\nOriginal Pitch: %s\nPrevious Analysis: %s",
			req.ParentPitch, req.ParentAnalysis))
	}

	if len(req.FileContent) > 0 {
		content := string(req.FileContent)
		if len([]rune(content)) > fileContextLimit {
			content = string([]rune(content)[:fileContextLimit]) + "..."
		}
		sections = append(sections, "--- Uploaded File Content ---\n"+content)
	} else if req.FileName != "" {
		sections = append(sections, fileFailureNote)
	}

	if block := s.caseStudyBlock(ctx, req); block != "" {
		sections = append(sections, block)
	}

	return strings.Join(sections, "\n\n")
}

// caseStudyBlock retrieves case studies for the pitch and formats them for
// the prompt. Retrieval failure degrades to an empty block.
func (s *Service) caseStudyBlock(ctx context.Context, req canvas.AnalyzeRequest) string {
	if s.searcher == nil {
		return ""
	}
	query := strings.TrimSpace(req.Pitch)
	if query == "" {
		if req.FileName == "" {
			return ""
		}
		query = "Analysis of the document named " + req.FileName
	}

	hits := s.searcher.Search(ctx, search.Query{Text: query, Limit: retrievalLimit})
	if len(hits) == 0 {
		return ""
	}

	entries := make([]string, len(hits))
	for i, h := range hits {
		source := h.SourceURL
		if source == "" {
			source = "#no-source"
		}
		entries[i] = fmt.Sprintf(
			"- Company: %s (Source: %s)\n  Reason for Failure: %s\n  Summary: %s",
			h.CompanyName, source, h.FailureReason, h.Summary)
	}
	return "--- Relevant Case Studies (from Database) ---\n" + strings.Join(entries, "\n\n")
}

func initialUserPrompt(req canvas.AnalyzeRequest, contextBlock string) string {
	var b strings.Builder
	if contextBlock != "" {
		b.WriteString(contextBlock)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "The user's pitch is: \"%s\"\n\n", req.Pitch)
	b.WriteString(`Your task has two parts, in this exact order:

1. First, output a single JSON object with a "risk_analysis" key. Its value is an array of the top risks, each an object with "risk_name" (string), "score" (integer from 1 to 10, 10 being most severe), and "summary" (one-sentence string). Output nothing before the JSON object.
2. Then, on its own line, output the separator "---".
3. Then write the full analysis in markdown: compare the pitch to the relevant failed startups, explain each risk in depth, and finish with concrete recommendations.`)
	return b.String()
}

func followUpUserPrompt(req canvas.AnalyzeRequest, contextBlock string) string {
	var b strings.Builder
	if contextBlock != "" {
		b.WriteString(contextBlock)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Follow-up Question: \"%s\"\n\n", req.Pitch)
	b.WriteString("Answer the follow-up question conversationally in markdown, using the previous context above. DO NOT output a JSON object or a '---' separator.")
	return b.String()
}

// Synthesize combines merged node analyses into one summary. It implements
// canvas.Synthesizer.
func (s *Service) Synthesize(ctx context.Context, entries []canvas.MergeEntry) (string, error) {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("--- Entry %d ---\nPitch: %s\nAnalysis: %s", i+1, e.Pitch, e.Analysis)
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: synthesisSystemPrompt},
		{Role: llm.RoleUser, Content: "Synthesize these entries:\n\n" + strings.Join(parts, "\n\n")},
	}
	return s.gen.Generate(ctx, messages)
}

// SubmitNode archives any uploaded document, then runs the analysis through
// the controller, streaming raw bytes to sink.
func (s *Service) SubmitNode(ctx context.Context, nodeID, pitch, fileName string, fileContent []byte, sink io.Writer) error {
	if s.blobs != nil && len(fileContent) > 0 {
		s.blobs.Archive(nodeID, fileName, fileContent)
	}
	return s.controller.Submit(ctx, nodeID, pitch, fileName, fileContent, sink)
}

// Interview opens a streamed chat about one case study. The system prompt
// pins the conversation to the stored record; an unknown id maps to 404.
func (s *Service) Interview(ctx context.Context, failureID string, history []llm.Message) (canvas.ChunkStream, error) {
	f, err := s.failures.GetFailure(ctx, failureID)
	if err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: interviewSystemPrompt + "\n\n" + caseStudyContext(f),
	})
	for _, m := range history {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			continue
		}
		messages = append(messages, m)
	}

	return s.chat.StreamChat(ctx, messages)
}

// caseStudyContext formats one stored failure for the interview prompt.
func caseStudyContext(f store.StartupFailure) string {
	return strings.Join([]string{
		"Company Name: " + f.CompanyName,
		"Primary Reason for Failure: " + orFallback(f.FailureReason, "Not specified."),
		"What They Did: " + orFallback(f.WhatTheyDid, "Not specified."),
		"What Went Wrong: " + orFallback(f.WhatWentWrong, "Not specified."),
		"Key Takeaway: " + orFallback(f.KeyTakeaway, "Not specified."),
		"Source URL: " + orFallback(f.SourceURL, "Not available."),
	}, "\n")
}

func orFallback(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// Report asks the LLM for a "Path to Survival" executive summary over the
// distilled canvas and renders the PDF. An empty sessionID reports on the
// active session. The summary degrades to empty when generation fails.
func (s *Service) Report(ctx context.Context, sessionID string) (*export.Result, error) {
	var sess session.Session
	if sessionID == "" {
		if err := s.sessions.Flush(ctx); err != nil {
			return nil, err
		}
		sess = s.sessions.ActiveSession()
	} else {
		var err error
		sess, err = s.sessions.Peek(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}

	summary := ""
	if distilled, err := distillForReport(sess.Nodes, sess.Edges); err == nil {
		out, genErr := s.gen.Generate(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: reportSystemPrompt},
			{Role: llm.RoleUser, Content: distilled},
		})
		if genErr != nil {
			log.Printf("app: report summary generation failed: %v", genErr)
		} else {
			summary = out
		}
	} else if !errors.Is(err, export.ErrEmptyCanvas) {
		return nil, err
	}

	return s.exporter.Export(sess.Name, summary, sess.Nodes, sess.Edges)
}

// distillForReport flattens the analyzed canvas into the plain-text outline
// fed to the summary prompt: per node the pitch, scored risks, and a short
// link-stripped excerpt of the analysis.
func distillForReport(nodes []canvas.Node, edges []canvas.Edge) (string, error) {
	data, err := export.BuildReport("", nodes, edges)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i, sec := range data.Sections {
		fmt.Fprintf(&b, "Entry %d (depth %d)\nPitch: %s\n", i+1, sec.Depth, sec.Pitch)
		for _, r := range sec.Risks {
			fmt.Fprintf(&b, "Risk: %s (Score: %d/10)\n", r.RiskName, r.Score)
		}
		fmt.Fprintf(&b, "Analysis excerpt: %s\n\n", export.Excerpt(sec.SourceMarkdown, 500))
	}
	return b.String(), nil
}

// Failures lists stored case studies.
func (s *Service) Failures(ctx context.Context, filter store.FailureFilter) ([]store.StartupFailure, error) {
	return s.failures.ListFailures(ctx, filter)
}

// Failure fetches one case study.
func (s *Service) Failure(ctx context.Context, id string) (store.StartupFailure, error) {
	return s.failures.GetFailure(ctx, id)
}

// CreateFailure stores a new case study and pushes it into both retrieval
// legs. Retrieval indexing is best effort.
func (s *Service) CreateFailure(ctx context.Context, f store.StartupFailure) error {
	if err := s.failures.CreateFailure(ctx, f); err != nil {
		return err
	}
	if s.indexer != nil {
		s.indexer.IndexFailures([]search.FailureRecord{search.RecordFromFailure(f)})
	}
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, f.Summary)
		if err != nil {
			log.Printf("app: embed case study %s: %v", f.ID, err)
			return nil
		}
		if err := s.failures.UpdateEmbedding(ctx, f.ID, vec); err != nil {
			log.Printf("app: store embedding %s: %v", f.ID, err)
		}
	}
	return nil
}
