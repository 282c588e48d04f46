package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"memorag"
	"memorag/extract"
	"memorag/retrieval"
)

const chunkPreviewLimit = 500

type handler struct {
	engine *memorag.Engine
}

func newHandler(e *memorag.Engine) *handler {
	return &handler{engine: e}
}

// POST /api/ingest
// Multipart form with one of file, url, or content, plus optional
// doc_type, title, and tags (comma-separated).
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(100 << 20); err != nil { // 100MB max
		writeError(w, http.StatusBadRequest, "invalid request", "expected multipart form data")
		return
	}

	in := memorag.IngestInput{
		URL:     r.FormValue("url"),
		Content: r.FormValue("content"),
		DocType: r.FormValue("doc_type"),
		Title:   r.FormValue("title"),
	}
	if tags := r.FormValue("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				in.Tags = append(in.Tags, t)
			}
		}
	}

	if file, header, err := r.FormFile("file"); err == nil {
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "upload failed", "could not read uploaded file")
			slog.Error("reading upload", "error", err)
			return
		}
		// Sanitise filename to prevent path traversal.
		in.FileName = filepath.Base(header.Filename)
		in.FileData = data
	}

	if in.DocType == "" {
		in.DocType = inferDocType(in)
	}

	res, err := h.engine.Ingest(ctx, in)
	if err != nil {
		writeEngineError(w, err, "ingestion failed")
		slog.Error("ingest error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// inferDocType guesses the type from the file extension or input shape.
func inferDocType(in memorag.IngestInput) string {
	if in.URL != "" && len(in.FileData) == 0 {
		return extract.TypeURL
	}
	switch strings.ToLower(filepath.Ext(in.FileName)) {
	case ".pdf":
		return extract.TypePDF
	case ".docx":
		return extract.TypeDOCX
	case ".xlsx":
		return extract.TypeXLSX
	case ".md":
		return extract.TypeMarkdown
	case ".txt":
		return extract.TypeText
	default:
		return extract.TypeText
	}
}

type queryRequest struct {
	Question          string `json:"question"`
	Mode              string `json:"mode,omitempty"`
	TopK              int    `json:"top_k,omitempty"`
	MaxHops           int    `json:"max_hops,omitempty"`
	Rerank            bool   `json:"rerank,omitempty"`
	IncludeProvenance bool   `json:"include_provenance,omitempty"`
	IncludeReasoning  bool   `json:"include_reasoning,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
}

type queryResponse struct {
	Answer           string          `json:"answer"`
	Confidence       float64         `json:"confidence"`
	ModeUsed         string          `json:"mode_used"`
	Provenance       *provenance     `json:"provenance,omitempty"`
	ReasoningSteps   []reasoningStep `json:"reasoning_steps,omitempty"`
	ProcessingTimeMS float64         `json:"processing_time_ms"`
	Cached           bool            `json:"cached"`
}

// reasoningStep is one entry of the pipeline trace returned when the client
// asks for it.
type reasoningStep struct {
	Agent      string   `json:"agent"`
	Action     string   `json:"action"`
	Result     string   `json:"result"`
	Confidence *float64 `json:"confidence,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

type provenance struct {
	Chunks     []provenanceChunk  `json:"chunks"`
	GraphPaths []provenancePath   `json:"graph_paths,omitempty"`
	Metadata   retrieval.Metadata `json:"metadata"`
}

type provenanceChunk struct {
	ChunkID string  `json:"chunk_id"`
	DocID   string  `json:"doc_id"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type provenancePath struct {
	Entities []string `json:"entities"`
	Length   int      `json:"length"`
}

// POST /api/query
func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "invalid request", "question is required")
		return
	}

	opts := []memorag.QueryOption{}
	if req.Mode != "" {
		opts = append(opts, memorag.WithMode(retrieval.Mode(req.Mode)))
	}
	if req.TopK > 0 && req.TopK <= 100 {
		opts = append(opts, memorag.WithTopK(req.TopK))
	}
	if req.MaxHops > 0 && req.MaxHops <= 10 {
		opts = append(opts, memorag.WithMaxHops(req.MaxHops))
	}
	if req.Rerank {
		opts = append(opts, memorag.WithRerank())
	}
	if req.SessionID != "" {
		opts = append(opts, memorag.WithSession(req.SessionID))
	}

	ans, err := h.engine.Query(ctx, req.Question, opts...)
	if err != nil {
		writeEngineError(w, err, "query failed")
		slog.Error("query error", "error", err)
		return
	}

	resp := queryResponse{
		Answer:           ans.Answer,
		Confidence:       ans.Confidence,
		ModeUsed:         string(ans.ModeUsed),
		ProcessingTimeMS: ans.ProcessingTimeMS,
	}
	if req.IncludeProvenance && ans.Retrieval != nil {
		resp.Provenance = buildProvenance(ans.Retrieval)
	}
	if req.IncludeReasoning {
		resp.ReasoningSteps = buildReasoningSteps(ans)
	}

	writeJSON(w, http.StatusOK, resp)
}

// buildReasoningSteps renders the pipeline trace: mode selection, retrieval,
// generation.
func buildReasoningSteps(ans *memorag.Answer) []reasoningStep {
	now := time.Now().UTC().Format(time.RFC3339)
	chunks := 0
	if ans.Retrieval != nil {
		chunks = ans.Retrieval.Metadata.ChunksRetrieved
	}
	conf := ans.Confidence

	return []reasoningStep{
		{
			Agent:     "ModeSelector",
			Action:    fmt.Sprintf("Selected %s mode", strings.ToUpper(string(ans.ModeUsed))),
			Result:    "Query complexity analysis completed",
			Timestamp: now,
		},
		{
			Agent:      "Retriever",
			Action:     fmt.Sprintf("Retrieved %d chunks", chunks),
			Result:     "Context assembled",
			Confidence: &conf,
			Timestamp:  now,
		},
		{
			Agent:      "Generator",
			Action:     "Generated answer using LLM",
			Result:     "Answer completed",
			Confidence: &conf,
			Timestamp:  now,
		},
	}
}

// buildProvenance trims the retrieval result for the response: at most 10
// chunks with content previews, at most 5 graph paths.
func buildProvenance(res *retrieval.Result) *provenance {
	p := &provenance{Metadata: res.Metadata}

	for i, c := range res.Chunks {
		if i >= 10 {
			break
		}
		content := truncatePreview(c.Content, chunkPreviewLimit)
		title := ""
		if d, ok := res.Documents[c.DocID]; ok {
			title = d.Title
		}
		p.Chunks = append(p.Chunks, provenanceChunk{
			ChunkID: c.ChunkID,
			DocID:   c.DocID,
			Title:   title,
			Content: content,
			Score:   c.Score,
		})
	}

	for i, gp := range res.GraphPaths {
		if i >= 5 {
			break
		}
		p.GraphPaths = append(p.GraphPaths, provenancePath{
			Entities: gp.Names,
			Length:   gp.Length,
		})
	}
	return p
}

// truncatePreview caps content at limit bytes without splitting a rune.
func truncatePreview(content string, limit int) string {
	if len(content) <= limit {
		return content
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}

// POST /api/query/stream
// Streams the answer as plain text fragments.
func (h *handler) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "invalid request", "question is required")
		return
	}

	// Validate the mode before committing to a 200; once the header is out
	// there is no way to report a client error.
	mode := retrieval.Mode(req.Mode)
	if mode == "" {
		mode = retrieval.ModeAuto
	}
	if !retrieval.ValidMode(mode) {
		writeError(w, http.StatusBadRequest, "invalid request", "unknown mode "+req.Mode)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "response writer cannot flush")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	err := h.engine.QueryStream(ctx, req.Question, mode,
		func(delta string) error {
			if _, err := io.WriteString(w, delta); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})
	if err != nil {
		// Headers are already out; the best we can do is log and close.
		slog.Error("stream error", "error", err)
	}
}

// GET /api/query/history
func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	sessionID := r.URL.Query().Get("session_id")

	logs, err := h.engine.History(r.Context(), limit, sessionID)
	if err != nil {
		writeEngineError(w, err, "failed to load history")
		slog.Error("history error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queries": logs,
		"count":   len(logs),
	})
}

// GET /api/documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, offset := 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	status := r.URL.Query().Get("status")

	docs, err := h.engine.ListDocuments(r.Context(), limit, offset, status)
	if err != nil {
		writeEngineError(w, err, "failed to list documents")
		slog.Error("list documents error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"count":     len(docs),
	})
}

// GET /api/documents/{doc_id}
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("doc_id")

	doc, chunks, err := h.engine.GetDocument(r.Context(), docID)
	if err != nil {
		writeEngineError(w, err, "failed to load document")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document":    doc,
		"chunk_count": chunks,
	})
}

// DELETE /api/documents/{doc_id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("doc_id")

	if err := h.engine.DeleteDocument(r.Context(), docID); err != nil {
		writeEngineError(w, err, "delete failed")
		slog.Error("delete error", "doc_id", docID, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
		"doc_id": docID,
	})
}

// GET /api/system/status
func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		writeEngineError(w, err, "failed to gather status")
		slog.Error("status error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GET /api/system/metrics
func (h *handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.engine.Metrics(r.Context())
	if err != nil {
		writeEngineError(w, err, "failed to gather metrics")
		slog.Error("metrics error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// GET /api/system/health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// writeEngineError maps engine sentinel errors onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, memorag.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, memorag.ErrInvalidInput),
		errors.Is(err, memorag.ErrUnsupportedType):
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, msg, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errLabel, msg string) {
	writeJSON(w, status, map[string]string{"error": errLabel, "message": msg})
}
