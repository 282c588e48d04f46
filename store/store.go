// Package store implements the SQLite-backed chunk store: documents, chunks,
// entities, relations, and the provenance log of answered queries.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Document processing states.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Document represents a row in the documents table.
type Document struct {
	DocID     string   `json:"doc_id"`
	Title     string   `json:"title"`
	DocType   string   `json:"doc_type"`
	FilePath  string   `json:"file_path,omitempty"`
	URL       string   `json:"url,omitempty"`
	SizeBytes int64    `json:"size_bytes"`
	Status    string   `json:"status"`
	Tags      []string `json:"tags"`
	CreatedAt string   `json:"created_at"`
}

// Chunk represents a row in the chunks table. StartChar and EndChar are
// character offsets into the extracted document text.
type Chunk struct {
	ChunkID    string `json:"chunk_id"`
	DocID      string `json:"doc_id"`
	Content    string `json:"content"`
	ChunkIndex int    `json:"chunk_index"`
	PageNumber int    `json:"page_number,omitempty"`
	StartChar  int    `json:"start_char"`
	EndChar    int    `json:"end_char"`
}

// Entity represents a row in the entities table. The (Name, EntityType)
// pair is unique.
type Entity struct {
	EntityID   string   `json:"entity_id"`
	Name       string   `json:"name"`
	EntityType string   `json:"entity_type"`
	Aliases    []string `json:"aliases,omitempty"`
}

// Relation is a directed edge between two entities, optionally attributed
// to the chunk it was extracted from.
type Relation struct {
	ID             int64   `json:"id"`
	SourceEntityID string  `json:"source_entity_id"`
	TargetEntityID string  `json:"target_entity_id"`
	RelationType   string  `json:"relation_type"`
	Confidence     float64 `json:"confidence"`
	SourceChunkID  string  `json:"source_chunk_id,omitempty"`
}

// ProvenanceLog records one answered query.
type ProvenanceLog struct {
	LogID            string   `json:"log_id"`
	Query            string   `json:"query"`
	Answer           string   `json:"answer"`
	ModeUsed         string   `json:"mode_used"`
	Confidence       float64  `json:"confidence"`
	ChunksUsed       []string `json:"chunks_used"`
	ProcessingTimeMS float64  `json:"processing_time_ms"`
	SessionID        string   `json:"session_id,omitempty"`
	CreatedAt        string   `json:"created_at"`
}

// DBStats holds row counts for the status endpoint.
type DBStats struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Entities  int `json:"entities"`
	Relations int `json:"relations"`
	Queries   int `json:"queries"`
}

// ModeStat aggregates the provenance log per retrieval mode.
type ModeStat struct {
	Mode          string  `json:"mode"`
	Count         int     `json:"count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path and applies the schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- documents ---

func (s *Store) InsertDocument(ctx context.Context, doc Document) error {
	tags, err := json.Marshal(emptyIfNil(doc.Tags))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (doc_id, title, doc_type, file_path, url, size_bytes, status, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.DocID, doc.Title, doc.DocType, nullable(doc.FilePath), nullable(doc.URL),
		doc.SizeBytes, doc.Status, string(tags))
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

func (s *Store) UpdateDocumentStatus(ctx context.Context, docID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ? WHERE doc_id = ?`, status, docID)
	if err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, docID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc_id, title, doc_type, COALESCE(file_path, ''), COALESCE(url, ''),
		       size_bytes, status, tags, created_at
		FROM documents WHERE doc_id = ?`, docID)
	return scanDocument(row)
}

// ListDocuments returns documents newest-first. An empty status means no
// status filter.
func (s *Store) ListDocuments(ctx context.Context, limit, offset int, status string) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
		SELECT doc_id, title, doc_type, COALESCE(file_path, ''), COALESCE(url, ''),
		       size_bytes, status, tags, created_at
		FROM documents`
	args := []interface{}{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, doc_id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document with its chunks and entity-chunk links.
// Entities and relations survive; relation chunk attributions are nulled by
// the schema's ON DELETE SET NULL.
func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE doc_id = ?`, docID)
		if err != nil {
			return fmt.Errorf("deleting document: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// --- chunks ---

// InsertChunks writes all chunks in one transaction; either all rows land
// or none do.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (chunk_id, doc_id, content, chunk_index, page_number, start_char, end_char)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, c.ChunkID, c.DocID, c.Content,
				c.ChunkIndex, c.PageNumber, c.StartChar, c.EndChar); err != nil {
				return fmt.Errorf("inserting chunk %s: %w", c.ChunkID, err)
			}
		}
		return nil
	})
}

func (s *Store) GetChunk(ctx context.Context, chunkID string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chunk_id, doc_id, content, chunk_index, page_number, start_char, end_char
		FROM chunks WHERE chunk_id = ?`, chunkID)

	var c Chunk
	err := row.Scan(&c.ChunkID, &c.DocID, &c.Content, &c.ChunkIndex,
		&c.PageNumber, &c.StartChar, &c.EndChar)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetChunksByDoc(ctx context.Context, docID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, doc_id, content, chunk_index, page_number, start_char, end_char
		FROM chunks WHERE doc_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ChunkID, &c.DocID, &c.Content, &c.ChunkIndex,
			&c.PageNumber, &c.StartChar, &c.EndChar); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- entities and relations ---

// UpsertEntity inserts the entity if the (name, type) pair is new and
// returns the canonical entity id plus whether a row was created.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) (string, bool, error) {
	aliases, err := json.Marshal(emptyIfNil(e.Aliases))
	if err != nil {
		return "", false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (entity_id, name, entity_type, aliases)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name, entity_type) DO NOTHING`,
		e.EntityID, e.Name, e.EntityType, string(aliases))
	if err != nil {
		return "", false, fmt.Errorf("upserting entity: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		return e.EntityID, true, nil
	}

	var id string
	err = s.db.QueryRowContext(ctx,
		`SELECT entity_id FROM entities WHERE name = ? AND entity_type = ?`,
		e.Name, e.EntityType).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("resolving entity: %w", err)
	}
	return id, false, nil
}

// GetEntityByName resolves an entity by case-insensitive name match.
func (s *Store) GetEntityByName(ctx context.Context, name string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, name, entity_type, aliases
		FROM entities WHERE name = ? COLLATE NOCASE LIMIT 1`, name)
	return scanEntity(row)
}

func (s *Store) LinkEntityChunk(ctx context.Context, entityID, chunkID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_chunks (entity_id, chunk_id) VALUES (?, ?)`,
		entityID, chunkID)
	if err != nil {
		return fmt.Errorf("linking entity to chunk: %w", err)
	}
	return nil
}

func (s *Store) InsertRelation(ctx context.Context, r Relation) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO relations (source_entity_id, target_entity_id, relation_type, confidence, source_chunk_id)
		VALUES (?, ?, ?, ?, ?)`,
		r.SourceEntityID, r.TargetEntityID, r.RelationType, r.Confidence,
		nullable(r.SourceChunkID))
	if err != nil {
		return 0, fmt.Errorf("inserting relation: %w", err)
	}
	return res.LastInsertId()
}

// AllEntities returns every entity, in insertion order of the rowid.
func (s *Store) AllEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, name, entity_type, aliases FROM entities ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

// AllRelations returns every relation, in insertion order.
func (s *Store) AllRelations(ctx context.Context) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_entity_id, target_entity_id, relation_type, confidence,
		       COALESCE(source_chunk_id, '')
		FROM relations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying relations: %w", err)
	}
	defer rows.Close()

	var rels []Relation
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID,
			&r.RelationType, &r.Confidence, &r.SourceChunkID); err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// GetChunkEntities returns the entities linked to a chunk.
func (s *Store) GetChunkEntities(ctx context.Context, chunkID string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.entity_id, e.name, e.entity_type, e.aliases
		FROM entities e
		JOIN entity_chunks ec ON ec.entity_id = e.entity_id
		WHERE ec.chunk_id = ?
		ORDER BY e.rowid`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("querying chunk entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

// GetChunksForEntity returns up to limit chunks linked to the entity.
func (s *Store) GetChunksForEntity(ctx context.Context, entityID string, limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 2
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.chunk_id, c.doc_id, c.content, c.chunk_index, c.page_number, c.start_char, c.end_char
		FROM chunks c
		JOIN entity_chunks ec ON ec.chunk_id = c.chunk_id
		WHERE ec.entity_id = ?
		ORDER BY c.rowid LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying entity chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ChunkID, &c.DocID, &c.Content, &c.ChunkIndex,
			&c.PageNumber, &c.StartChar, &c.EndChar); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- provenance log ---

func (s *Store) InsertProvenanceLog(ctx context.Context, l ProvenanceLog) error {
	chunks, err := json.Marshal(emptyIfNil(l.ChunksUsed))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provenance_logs (log_id, query, answer, mode_used, confidence, chunks_used, processing_time_ms, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.LogID, l.Query, l.Answer, l.ModeUsed, l.Confidence, string(chunks),
		l.ProcessingTimeMS, nullable(l.SessionID))
	if err != nil {
		return fmt.Errorf("inserting provenance log: %w", err)
	}
	return nil
}

// ListProvenanceLogs returns logs newest-first, optionally filtered by session.
func (s *Store) ListProvenanceLogs(ctx context.Context, limit int, sessionID string) ([]ProvenanceLog, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT log_id, query, answer, mode_used, confidence, chunks_used,
		       processing_time_ms, COALESCE(session_id, ''), created_at
		FROM provenance_logs`
	args := []interface{}{}
	if sessionID != "" {
		q += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY created_at DESC, log_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing provenance logs: %w", err)
	}
	defer rows.Close()

	var logs []ProvenanceLog
	for rows.Next() {
		var l ProvenanceLog
		var chunks string
		if err := rows.Scan(&l.LogID, &l.Query, &l.Answer, &l.ModeUsed, &l.Confidence,
			&chunks, &l.ProcessingTimeMS, &l.SessionID, &l.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(chunks), &l.ChunksUsed); err != nil {
			l.ChunksUsed = nil
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- stats ---

func (s *Store) Stats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		sql  string
		dest *int
	}{
		{`SELECT COUNT(*) FROM documents`, &stats.Documents},
		{`SELECT COUNT(*) FROM chunks`, &stats.Chunks},
		{`SELECT COUNT(*) FROM entities`, &stats.Entities},
		{`SELECT COUNT(*) FROM relations`, &stats.Relations},
		{`SELECT COUNT(*) FROM provenance_logs`, &stats.Queries},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("gathering stats: %w", err)
		}
	}
	return stats, nil
}

// ModeStats aggregates the provenance log per retrieval mode.
func (s *Store) ModeStats(ctx context.Context) ([]ModeStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mode_used, COUNT(*), AVG(confidence)
		FROM provenance_logs
		WHERE mode_used != ''
		GROUP BY mode_used ORDER BY mode_used`)
	if err != nil {
		return nil, fmt.Errorf("querying mode stats: %w", err)
	}
	defer rows.Close()

	var stats []ModeStat
	for rows.Next() {
		var m ModeStat
		if err := rows.Scan(&m.Mode, &m.Count, &m.AvgConfidence); err != nil {
			return nil, err
		}
		stats = append(stats, m)
	}
	return stats, rows.Err()
}

// RecentQueryStats returns the query count and average latency over the
// last hour.
func (s *Store) RecentQueryStats(ctx context.Context) (int, float64, error) {
	var count int
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(processing_time_ms)
		FROM provenance_logs
		WHERE created_at >= datetime('now', '-1 hour')`).Scan(&count, &avg)
	if err != nil {
		return 0, 0, fmt.Errorf("querying recent stats: %w", err)
	}
	return count, avg.Float64, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var tags string
	err := row.Scan(&doc.DocID, &doc.Title, &doc.DocType, &doc.FilePath, &doc.URL,
		&doc.SizeBytes, &doc.Status, &tags, &doc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		doc.Tags = nil
	}
	return &doc, nil
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var aliases string
	if err := row.Scan(&e.EntityID, &e.Name, &e.EntityType, &aliases); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(aliases), &e.Aliases); err != nil {
		e.Aliases = nil
	}
	return &e, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
