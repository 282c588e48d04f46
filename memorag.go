// Package memorag is a hybrid retrieval-augmented QA engine. Documents are
// chunked, embedded into a sqlite-vec index, and mined for a knowledge
// graph; queries are answered in a fast vector-only mode or a deep
// graph-expanded mode, selected per query.
package memorag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"memorag/chunker"
	"memorag/extract"
	"memorag/graph"
	"memorag/llm"
	"memorag/retrieval"
	"memorag/store"
	"memorag/vecindex"
)

// Canned answers when retrieval comes back empty.
const (
	insufficientAnswer       = "I don't have enough information to answer this question. Please try uploading relevant documents first."
	insufficientAnswerStream = "I don't have enough information to answer this question."
)

// Entity extraction during ingest only covers the leading chunks; the rest
// of the document is still retrievable through the vector index.
const extractChunkLimit = 5

// vectorIndex is the index surface the engine uses. Implemented by
// vecindex.Index.
type vectorIndex interface {
	AddChunks(ctx context.Context, chunkIDs, texts []string) error
	RemoveChunks(ctx context.Context, chunkIDs []string) error
	Search(ctx context.Context, query string, k int) ([]vecindex.Hit, error)
	Save(ctx context.Context, target string) error
	Stats(ctx context.Context) (*vecindex.Stats, error)
	Close() error
}

// Engine wires the store, vector index, knowledge graph, and LM client
// into the ingest and query pipelines.
type Engine struct {
	cfg      Config
	store    *store.Store
	index    vectorIndex
	graph    *graph.Graph
	builder  *graph.Builder
	llm      llm.Client
	chunker  *chunker.Chunker
	selector *retrieval.Selector
	speed    *retrieval.Speed
	deep     *retrieval.Deep

	startTime time.Time
}

// New builds an engine from the configuration, creating the storage layout
// under cfg.StorageDir and loading the knowledge graph from the store.
func New(cfg Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.DocumentsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating storage layout: %w", err)
	}

	st, err := store.New(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	client := llm.NewLMStudio(llm.Config{
		BaseURL:    cfg.LM.BaseURL,
		Model:      cfg.LM.Model,
		EmbedModel: cfg.Embedding.Model,
		APIKey:     cfg.LM.APIKey,
	})

	index, err := vecindex.Open(cfg.IndexPath(), cfg.Embedding.Dim, client)
	if err != nil {
		st.Close()
		return nil, err
	}

	g := graph.New(cfg.GraphMaxPaths)
	if err := g.Load(context.Background(), st); err != nil {
		index.Close()
		st.Close()
		return nil, fmt.Errorf("loading knowledge graph: %w", err)
	}
	nodes, edges := g.Stats()
	slog.Info("engine: knowledge graph loaded", "nodes", nodes, "edges", edges)

	e := &Engine{
		cfg:       cfg,
		store:     st,
		index:     index,
		graph:     g,
		builder:   graph.NewBuilder(st, client, g),
		llm:       client,
		chunker:   chunker.New(cfg.ChunkSize, cfg.ChunkOverlap),
		selector:  retrieval.NewSelector(client, cfg.ModeSelectionThreshold),
		startTime: time.Now(),
	}
	e.speed = retrieval.NewSpeed(index, st, cfg.TopKSpeed)
	e.deep = retrieval.NewDeep(index, st, g, client, cfg.TopKDeep, cfg.GraphMaxHops)
	return e, nil
}

// Close releases the store and index.
func (e *Engine) Close() error {
	ierr := e.index.Close()
	serr := e.store.Close()
	if ierr != nil {
		return ierr
	}
	return serr
}

// CheckLM probes LM connectivity.
func (e *Engine) CheckLM(ctx context.Context) bool {
	return e.llm.CheckConnection(ctx)
}

// --- ingest ---

// IngestInput describes one document to ingest. Exactly one of FileData,
// URL, or Content should be set; FileData wins when several are present.
type IngestInput struct {
	FileName string
	FileData []byte
	URL      string
	Content  string
	DocType  string
	Title    string
	Tags     []string
}

// IngestResult summarises a completed ingestion.
type IngestResult struct {
	DocID             string  `json:"doc_id"`
	Status            string  `json:"status"`
	Message           string  `json:"message"`
	ChunksCreated     int     `json:"chunks_created"`
	EntitiesExtracted int     `json:"entities_extracted"`
	ProcessingTimeMS  float64 `json:"processing_time_ms"`
}

// Ingest runs the full pipeline: persist the source, extract text, chunk,
// embed into the vector index, and mine entities from the leading chunks.
// On failure after the document record exists, the document is marked
// failed and partial index entries are rolled back best-effort.
func (e *Engine) Ingest(ctx context.Context, in IngestInput) (*IngestResult, error) {
	start := time.Now()

	if len(in.FileData) == 0 && in.URL == "" && in.Content == "" {
		return nil, fmt.Errorf("%w: file, url, or content required", ErrInvalidInput)
	}
	if !extract.ValidType(in.DocType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, in.DocType)
	}

	docID := uuid.NewString()
	title := in.Title
	if title == "" {
		switch {
		case in.FileName != "":
			title = in.FileName
		case in.URL != "":
			title = in.URL
		default:
			title = "Document " + docID[:8]
		}
	}

	// Persist the uploaded blob before anything else so failed ingests can
	// be retried from disk.
	var filePath string
	size := int64(len(in.Content))
	if len(in.FileData) > 0 {
		filePath = filepath.Join(e.cfg.DocumentsDir(), docID+"_"+filepath.Base(in.FileName))
		if err := os.WriteFile(filePath, in.FileData, 0o644); err != nil {
			return nil, fmt.Errorf("saving upload: %w", err)
		}
		size = int64(len(in.FileData))
	}

	if err := e.store.InsertDocument(ctx, store.Document{
		DocID:     docID,
		Title:     title,
		DocType:   in.DocType,
		FilePath:  filePath,
		URL:       in.URL,
		SizeBytes: size,
		Status:    store.StatusProcessing,
		Tags:      in.Tags,
	}); err != nil {
		return nil, err
	}

	slog.Info("ingest: processing document", "doc_id", docID, "title", title, "type", in.DocType)

	res, err := e.ingestText(ctx, docID, title, filePath, in)
	if err != nil {
		if serr := e.store.UpdateDocumentStatus(ctx, docID, store.StatusFailed); serr != nil {
			slog.Error("ingest: marking document failed", "doc_id", docID, "error", serr)
		}
		return nil, err
	}

	res.ProcessingTimeMS = float64(time.Since(start).Microseconds()) / 1000
	slog.Info("ingest: document completed",
		"doc_id", docID,
		"chunks", res.ChunksCreated,
		"entities", res.EntitiesExtracted,
		"ms", res.ProcessingTimeMS,
	)
	return res, nil
}

func (e *Engine) ingestText(ctx context.Context, docID, title, filePath string, in IngestInput) (*IngestResult, error) {
	var (
		extracted *extract.Result
		err       error
	)
	switch {
	case filePath != "":
		extracted, err = extract.FromFile(ctx, filePath, in.DocType)
	case in.URL != "":
		extracted, err = extract.FromURL(ctx, in.URL)
	default:
		extracted, err = extract.FromContent(in.Content, in.DocType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	chunks := e.chunker.ChunkText(extracted.Text, chunker.StrategyFixed)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: document produced no text", ErrExtractionFailed)
	}

	records := make([]store.Chunk, len(chunks))
	chunkIDs := make([]string, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		id := uuid.NewString()
		chunkIDs[i] = id
		texts[i] = c.Content
		records[i] = store.Chunk{
			ChunkID:    id,
			DocID:      docID,
			Content:    c.Content,
			ChunkIndex: c.ChunkIndex,
			PageNumber: c.PageNumber,
			StartChar:  c.StartChar,
			EndChar:    c.EndChar,
		}
	}

	if err := e.store.InsertChunks(ctx, records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err := e.index.AddChunks(ctx, chunkIDs, texts); err != nil {
		// Roll back whatever made it into the index so store and index
		// stay aligned for this document.
		if rerr := e.index.RemoveChunks(context.WithoutCancel(ctx), chunkIDs); rerr != nil {
			slog.Error("ingest: index rollback failed", "doc_id", docID, "error", rerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	entities := e.extractEntities(ctx, docID, records)

	if err := e.store.UpdateDocumentStatus(ctx, docID, store.StatusCompleted); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err := e.index.Save(ctx, ""); err != nil {
		slog.Warn("ingest: index save failed", "doc_id", docID, "error", err)
	}

	return &IngestResult{
		DocID:             docID,
		Status:            store.StatusCompleted,
		Message:           fmt.Sprintf("Document '%s' ingested successfully", title),
		ChunksCreated:     len(chunks),
		EntitiesExtracted: entities,
	}, nil
}

// extractEntities mines the leading chunks concurrently. Extraction
// failures degrade to zero entities for that chunk; they never fail the
// ingest.
func (e *Engine) extractEntities(ctx context.Context, docID string, records []store.Chunk) int {
	limit := extractChunkLimit
	if len(records) < limit {
		limit = len(records)
	}
	if limit == 0 {
		return 0
	}

	counts := make([]int, limit)
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(e.cfg.ExtractConcurrency)

	for i := 0; i < limit; i++ {
		rec := records[i]
		idx := i
		grp.Go(func() error {
			n, _, err := e.builder.ExtractAndAdd(gctx, rec.Content, docID, rec.ChunkID)
			if err != nil {
				slog.Warn("ingest: entity extraction failed",
					"doc_id", docID, "chunk_id", rec.ChunkID, "error", err)
				return nil
			}
			counts[idx] = n
			return nil
		})
	}
	grp.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

// --- documents ---

// GetDocument returns the document record and its chunk count.
func (e *Engine) GetDocument(ctx context.Context, docID string) (*store.Document, int, error) {
	doc, err := e.store.GetDocument(ctx, docID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrDocumentNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	chunks, err := e.store.GetChunksByDoc(ctx, docID)
	if err != nil {
		return nil, 0, err
	}
	return doc, len(chunks), nil
}

// ListDocuments lists documents newest-first with an optional status filter.
func (e *Engine) ListDocuments(ctx context.Context, limit, offset int, status string) ([]store.Document, error) {
	return e.store.ListDocuments(ctx, limit, offset, status)
}

// DeleteDocument removes a document everywhere: vector index, database
// (cascading to chunks and entity links), and the stored blob.
func (e *Engine) DeleteDocument(ctx context.Context, docID string) error {
	doc, err := e.store.GetDocument(ctx, docID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return err
	}

	chunks, err := e.store.GetChunksByDoc(ctx, docID)
	if err != nil {
		return err
	}
	chunkIDs := make([]string, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = c.ChunkID
	}

	if err := e.index.RemoveChunks(ctx, chunkIDs); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := e.store.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if doc.FilePath != "" {
		if err := os.Remove(doc.FilePath); err != nil && !os.IsNotExist(err) {
			slog.Warn("delete: removing blob failed", "doc_id", docID, "error", err)
		}
	}

	slog.Info("delete: document removed", "doc_id", docID, "chunks", len(chunkIDs))
	return nil
}

// --- query ---

// Answer is the result of one query.
type Answer struct {
	Answer           string            `json:"answer"`
	Confidence       float64           `json:"confidence"`
	ModeUsed         retrieval.Mode    `json:"mode_used"`
	Retrieval        *retrieval.Result `json:"retrieval,omitempty"`
	ProcessingTimeMS float64           `json:"processing_time_ms"`
}

type queryOptions struct {
	mode      retrieval.Mode
	topK      int
	maxHops   int
	rerank    bool
	sessionID string
}

// QueryOption customises a query.
type QueryOption func(*queryOptions)

// WithMode forces a retrieval mode instead of auto selection.
func WithMode(m retrieval.Mode) QueryOption {
	return func(o *queryOptions) { o.mode = m }
}

// WithTopK overrides the configured k for the chosen retriever.
func WithTopK(k int) QueryOption {
	return func(o *queryOptions) { o.topK = k }
}

// WithMaxHops overrides the graph traversal bound in deep mode. Zero
// disables graph expansion.
func WithMaxHops(hops int) QueryOption {
	return func(o *queryOptions) { o.maxHops = hops }
}

// WithRerank enables lexical reranking in speed mode.
func WithRerank() QueryOption {
	return func(o *queryOptions) { o.rerank = true }
}

// WithSession tags the provenance log row with a session id.
func WithSession(id string) QueryOption {
	return func(o *queryOptions) { o.sessionID = id }
}

const (
	speedSystemPrompt  = "You are a helpful AI assistant. Answer the question based only on the provided context. Be concise and factual."
	deepSystemPrompt   = "You are a helpful AI assistant. Synthesize an answer from the provided context, combining information across sources and noting relationships between entities. If sources contradict each other, say so."
	streamSystemPrompt = "You are a helpful AI assistant. Answer based on the provided context."
)

// Query answers a question. With mode auto the selector scores the query;
// the chosen retriever assembles context; the LM generates the answer; a
// provenance row is appended.
func (e *Engine) Query(ctx context.Context, question string, opts ...QueryOption) (*Answer, error) {
	start := time.Now()

	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: empty question", ErrInvalidInput)
	}

	o := queryOptions{mode: retrieval.ModeAuto, maxHops: -1}
	for _, opt := range opts {
		opt(&o)
	}
	if !retrieval.ValidMode(o.mode) {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, o.mode)
	}

	mode := o.mode
	if mode == retrieval.ModeAuto {
		mode, _ = e.selector.SelectMode(ctx, question)
	}

	res, err := e.retrieve(ctx, question, mode, o)
	if err != nil {
		return nil, err
	}

	ans := &Answer{ModeUsed: mode, Retrieval: res}
	if res.Context == "" {
		ans.Answer = insufficientAnswer
		ans.Confidence = 0
	} else {
		system := speedSystemPrompt
		if mode == retrieval.ModeDeep {
			system = deepSystemPrompt
		}
		out, err := e.llm.GenerateWithRetry(ctx, llm.GenerateRequest{
			System:      system,
			Prompt:      fmt.Sprintf("Context:\n%s\n\nQuestion: %s\n\nAnswer:", res.Context, question),
			Temperature: 0.3,
			MaxTokens:   512,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLLMRequestFailed, err)
		}
		ans.Answer = out
		ans.Confidence = confidence(res.Metadata, out)
	}
	ans.ProcessingTimeMS = float64(time.Since(start).Microseconds()) / 1000

	e.logProvenance(ctx, question, ans, o.sessionID)
	return ans, nil
}

func (e *Engine) retrieve(ctx context.Context, question string, mode retrieval.Mode, o queryOptions) (*retrieval.Result, error) {
	switch mode {
	case retrieval.ModeDeep:
		return e.deep.Retrieve(ctx, question, o.topK, o.maxHops)
	default:
		if o.rerank {
			return e.speed.RetrieveWithRerank(ctx, question, o.topK)
		}
		return e.speed.Retrieve(ctx, question, o.topK)
	}
}

// QueryStream answers a question as a stream of text fragments. No
// confidence is computed and no provenance row is written.
func (e *Engine) QueryStream(ctx context.Context, question string, mode retrieval.Mode, fn func(delta string) error) error {
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("%w: empty question", ErrInvalidInput)
	}
	if mode == "" {
		mode = retrieval.ModeAuto
	}
	if !retrieval.ValidMode(mode) {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
	}
	if mode == retrieval.ModeAuto {
		mode, _ = e.selector.SelectMode(ctx, question)
	}

	res, err := e.retrieve(ctx, question, mode, queryOptions{maxHops: -1})
	if err != nil {
		return err
	}
	if res.Context == "" {
		return fn(insufficientAnswerStream)
	}

	return e.llm.GenerateStream(ctx, llm.GenerateRequest{
		System:      streamSystemPrompt,
		Prompt:      fmt.Sprintf("Context:\n%s\n\nQuestion: %s\n\nAnswer:", res.Context, question),
		Temperature: 0.3,
		MaxTokens:   512,
	}, fn)
}

// confidence derives a deterministic [0,1] score from the retrieval shape
// and the answer text.
func confidence(meta retrieval.Metadata, answer string) float64 {
	score := 0.5

	switch {
	case meta.ChunksRetrieved >= 5:
		score += 0.20
	case meta.ChunksRetrieved >= 3:
		score += 0.10
	}
	switch {
	case meta.DocumentsUsed >= 3:
		score += 0.15
	case meta.DocumentsUsed >= 2:
		score += 0.10
	}
	if meta.Mode == string(retrieval.ModeDeep) && meta.GraphPathsFound > 0 {
		score += 0.10
	}
	if len(answer) > 100 {
		score += 0.05
	}
	if strings.Contains(answer, "I don't") || strings.Contains(answer, "not enough") {
		score -= 0.20
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func (e *Engine) logProvenance(ctx context.Context, question string, ans *Answer, sessionID string) {
	var chunkIDs []string
	if ans.Retrieval != nil {
		for _, c := range ans.Retrieval.Chunks {
			chunkIDs = append(chunkIDs, c.ChunkID)
		}
	}
	err := e.store.InsertProvenanceLog(ctx, store.ProvenanceLog{
		LogID:            uuid.NewString(),
		Query:            question,
		Answer:           ans.Answer,
		ModeUsed:         string(ans.ModeUsed),
		Confidence:       ans.Confidence,
		ChunksUsed:       chunkIDs,
		ProcessingTimeMS: ans.ProcessingTimeMS,
		SessionID:        sessionID,
	})
	if err != nil {
		slog.Warn("query: provenance logging failed", "error", err)
	}
}

// History lists recent provenance rows, optionally scoped to a session.
func (e *Engine) History(ctx context.Context, limit int, sessionID string) ([]store.ProvenanceLog, error) {
	return e.store.ListProvenanceLogs(ctx, limit, sessionID)
}

// --- system ---

// SystemStatus is the status endpoint payload. CacheHitRate and
// RedisConnected are reserved fields, always zero.
type SystemStatus struct {
	Status          string        `json:"status"`
	LMConnected     bool          `json:"lm_connected"`
	Database        *store.DBStats `json:"database"`
	QueriesLastHour int           `json:"queries_last_hour"`
	AvgQueryTimeMS  float64       `json:"avg_query_time_ms"`
	UptimeSeconds   float64       `json:"uptime_seconds"`
	MemoryMB        float64       `json:"memory_mb"`
	CacheHitRate    float64       `json:"cache_hit_rate"`
	RedisConnected  bool          `json:"redis_connected"`
}

// SystemMetrics is the metrics endpoint payload.
type SystemMetrics struct {
	VectorIndex      *vecindex.Stats  `json:"vector_index"`
	GraphNodes       int              `json:"graph_nodes"`
	GraphEdges       int              `json:"graph_edges"`
	ModeDistribution []store.ModeStat `json:"mode_distribution"`
	Database         *store.DBStats   `json:"database"`
}

// Status gathers health and usage counters.
func (e *Engine) Status(ctx context.Context) (*SystemStatus, error) {
	dbStats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	queries, avgMS, err := e.store.RecentQueryStats(ctx)
	if err != nil {
		return nil, err
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	connected := e.llm.CheckConnection(ctx)
	status := "healthy"
	if !connected {
		status = "degraded"
	}

	return &SystemStatus{
		Status:          status,
		LMConnected:     connected,
		Database:        dbStats,
		QueriesLastHour: queries,
		AvgQueryTimeMS:  avgMS,
		UptimeSeconds:   time.Since(e.startTime).Seconds(),
		MemoryMB:        float64(mem.HeapAlloc) / (1 << 20),
	}, nil
}

// Metrics gathers index, graph, and per-mode query counters.
func (e *Engine) Metrics(ctx context.Context) (*SystemMetrics, error) {
	vecStats, err := e.index.Stats(ctx)
	if err != nil {
		return nil, err
	}
	modes, err := e.store.ModeStats(ctx)
	if err != nil {
		return nil, err
	}
	dbStats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	nodes, edges := e.graph.Stats()
	return &SystemMetrics{
		VectorIndex:      vecStats,
		GraphNodes:       nodes,
		GraphEdges:       edges,
		ModeDistribution: modes,
		Database:         dbStats,
	}, nil
}
