package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"memorag"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Local .env is optional.
	godotenv.Load()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := memorag.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}

	// Override from environment variables.
	if v := os.Getenv("MEMORAG_STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv("MEMORAG_LM_BASE_URL"); v != "" {
		cfg.LM.BaseURL = v
	}
	if v := os.Getenv("MEMORAG_LM_MODEL"); v != "" {
		cfg.LM.Model = v
	}
	if v := os.Getenv("MEMORAG_LM_API_KEY"); v != "" {
		cfg.LM.APIKey = v
	}
	if v := os.Getenv("MEMORAG_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("MEMORAG_EMBED_DIM"); v != "" {
		if dim, err := strconv.Atoi(v); err == nil && dim > 0 {
			cfg.Embedding.Dim = dim
		}
	}

	apiKey := os.Getenv("MEMORAG_API_KEY")
	corsOrigins := os.Getenv("MEMORAG_CORS_ORIGINS")

	engine, err := memorag.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Probe the LM endpoint so misconfiguration shows up at startup rather
	// than on the first query.
	if engine.CheckLM(context.Background()) {
		slog.Info("language model reachable", "base_url", cfg.LM.BaseURL)
	} else {
		slog.Warn("language model unreachable, queries will fail until it comes up",
			"base_url", cfg.LM.BaseURL)
	}

	h := newHandler(engine)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/ingest", h.handleIngest)
	mux.HandleFunc("GET /api/documents", h.handleListDocuments)
	mux.HandleFunc("GET /api/documents/{doc_id}", h.handleGetDocument)
	mux.HandleFunc("DELETE /api/documents/{doc_id}", h.handleDeleteDocument)
	mux.HandleFunc("POST /api/query", h.handleQuery)
	mux.HandleFunc("POST /api/query/stream", h.handleQueryStream)
	mux.HandleFunc("GET /api/query/history", h.handleHistory)
	mux.HandleFunc("GET /api/system/status", h.handleStatus)
	mux.HandleFunc("GET /api/system/metrics", h.handleMetrics)
	mux.HandleFunc("GET /api/system/health", h.handleHealth)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses (ingest can be long)
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
