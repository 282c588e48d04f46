// End-to-end smoke binary: ingests a file against a live LM endpoint, then
// runs the same question through both retrieval modes and prints the
// answers. Needs a running OpenAI-compatible server (LM Studio).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"memorag"
	"memorag/retrieval"
)

func main() {
	baseURL := flag.String("base-url", "http://localhost:1234", "OpenAI-compatible endpoint")
	model := flag.String("model", "local-model", "Chat model name")
	embedModel := flag.String("embed-model", "text-embedding-nomic-embed-text-v1.5", "Embedding model name")
	dim := flag.Int("dim", 768, "Embedding dimension")
	question := flag.String("q", "What is this document about?", "Question to ask")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: e2e_test [flags] <file>")
		os.Exit(1)
	}
	path := flag.Arg(0)

	tmpDir, err := os.MkdirTemp("", "memorag-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	cfg := memorag.DefaultConfig()
	cfg.StorageDir = tmpDir
	cfg.LM.BaseURL = *baseURL
	cfg.LM.Model = *model
	cfg.Embedding.Model = *embedModel
	cfg.Embedding.Dim = *dim

	engine, err := memorag.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if !engine.CheckLM(ctx) {
		fmt.Fprintf(os.Stderr, "LM endpoint %s unreachable\n", *baseURL)
		os.Exit(1)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading %s: %v\n", path, err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "\n=== INGESTING %s ===\n", path)
	res, err := engine.Ingest(ctx, memorag.IngestInput{
		FileName: filepath.Base(path),
		FileData: data,
		DocType:  docTypeForExt(path),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Ingested doc_id=%s chunks=%d entities=%d\n",
		res.DocID, res.ChunksCreated, res.EntitiesExtracted)

	for _, mode := range []retrieval.Mode{retrieval.ModeSpeed, retrieval.ModeDeep} {
		fmt.Fprintf(os.Stderr, "\n=== QUERYING (%s): %s ===\n", mode, *question)
		ans, err := engine.Query(ctx, *question, memorag.WithMode(mode))
		if err != nil {
			fmt.Fprintf(os.Stderr, "query error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(ans, "", "  ")
		fmt.Println(string(out))
	}
}

func docTypeForExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "pdf"
	case ".docx":
		return "docx"
	case ".xlsx":
		return "xlsx"
	case ".md":
		return "markdown"
	default:
		return "text"
	}
}
