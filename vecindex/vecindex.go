// Package vecindex implements the vector index: a sqlite-vec vec0 virtual
// table keyed by chunk id, living in its own database file so it can be
// snapshotted independently of the chunk store.
package vecindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Embedder turns text into dense vectors. Implemented by llm.LMStudio.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Hit is one KNN search result. Distance is L2; smaller is closer.
type Hit struct {
	ChunkID  string
	Distance float64
}

// Stats describes the index for the metrics endpoint.
type Stats struct {
	TotalVectors int    `json:"total_vectors"`
	Dimension    int    `json:"dimension"`
	IndexType    string `json:"index_type"`
}

// Index is a persistent KNN index over chunk embeddings. Mutations are
// serialised by a mutex; searches run concurrently through the pool.
type Index struct {
	db       *sql.DB
	embedder Embedder
	dim      int
	path     string

	mu sync.Mutex
}

// Open opens (creating if needed) the index at path. An existing index must
// have been built with the same dimension.
func Open(path string, dim int, embedder Embedder) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vecindex: invalid dimension %d", dim)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}

	idx := &Index{db: db, embedder: embedder, dim: dim, path: path}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS index_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunk_ids (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			chunk_id TEXT NOT NULL UNIQUE
		)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
			embedding float[%d]
		)`, idx.dim),
	}
	for _, stmt := range stmts {
		if _, err := idx.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialising index schema: %w", err)
		}
	}

	var stored string
	err := idx.db.QueryRow(`SELECT value FROM index_meta WHERE key = 'dimension'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if _, err := idx.db.Exec(
			`INSERT INTO index_meta (key, value) VALUES ('dimension', ?)`,
			fmt.Sprintf("%d", idx.dim)); err != nil {
			return fmt.Errorf("recording index dimension: %w", err)
		}
	case err != nil:
		return fmt.Errorf("reading index metadata: %w", err)
	default:
		if stored != fmt.Sprintf("%d", idx.dim) {
			return fmt.Errorf("vecindex: index dimension %s does not match configured %d", stored, idx.dim)
		}
	}
	return nil
}

func (idx *Index) Close() error {
	return idx.db.Close()
}

// AddChunks embeds the texts and inserts one vector per chunk id. The two
// slices must be the same length. Re-adding an existing chunk id is an error.
func (idx *Index) AddChunks(ctx context.Context, chunkIDs, texts []string) error {
	if len(chunkIDs) != len(texts) {
		return fmt.Errorf("vecindex: %d ids for %d texts", len(chunkIDs), len(texts))
	}
	if len(chunkIDs) == 0 {
		return nil
	}

	vectors, err := idx.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("vecindex: embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != idx.dim {
			return fmt.Errorf("vecindex: vector %d has dimension %d, want %d", i, len(v), idx.dim)
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, id := range chunkIDs {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chunk_ids (chunk_id) VALUES (?)`, id)
		if err != nil {
			return fmt.Errorf("registering chunk %s: %w", id, err)
		}
		rowid, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vec_chunks (rowid, embedding) VALUES (?, ?)`,
			rowid, serializeFloat32(vectors[i])); err != nil {
			return fmt.Errorf("inserting vector for chunk %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// RemoveChunks deletes the vectors for the given chunk ids. Unknown ids are
// ignored so deletes stay idempotent.
func (idx *Index) RemoveChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range chunkIDs {
		var rowid int64
		err := tx.QueryRowContext(ctx,
			`SELECT rowid FROM chunk_ids WHERE chunk_id = ?`, id).Scan(&rowid)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("resolving chunk %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM vec_chunks WHERE rowid = ?`, rowid); err != nil {
			return fmt.Errorf("removing vector for chunk %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunk_ids WHERE rowid = ?`, rowid); err != nil {
			return fmt.Errorf("removing chunk %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// Search embeds the query and returns the k nearest chunks ordered by
// ascending distance.
func (idx *Index) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	vec, err := idx.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vec) != idx.dim {
		return nil, fmt.Errorf("vecindex: query vector has dimension %d, want %d", len(vec), idx.dim)
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT c.chunk_id, v.distance
		FROM vec_chunks v
		JOIN chunk_ids c ON c.rowid = v.rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`,
		serializeFloat32(vec), k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ChunkID, &h.Distance); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Save checkpoints the WAL so the on-disk file is current. When target is a
// different path, a compacted snapshot is written there with VACUUM INTO.
func (idx *Index) Save(ctx context.Context, target string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, err := idx.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpointing index: %w", err)
	}
	if target == "" || target == idx.path {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	if _, err := idx.db.ExecContext(ctx, `VACUUM INTO ?`, target); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// Stats reports the vector count and dimension.
func (idx *Index) Stats(ctx context.Context) (*Stats, error) {
	var count int
	if err := idx.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunk_ids`).Scan(&count); err != nil {
		return nil, fmt.Errorf("counting vectors: %w", err)
	}
	return &Stats{TotalVectors: count, Dimension: idx.dim, IndexType: "sqlite-vec"}, nil
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
