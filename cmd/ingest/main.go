// Command ingest watches a directory for tenant corpus files and submits
// each one as an ingestion job to ingestd's control-plane API. A sidecar
// config file alongside the watched directory names the tenant, schema,
// and embedding configuration every discovered file is submitted with.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ragline/ragline/engine/domain"
)

// watchConfig is the sidecar file (ingest.config.json by default) naming
// the tenant and per-file schema/embedding configuration to submit with.
type watchConfig struct {
	TenantID  string                 `json:"tenant_id"`
	Schema    map[string]any         `json:"schema"`
	Embedding domain.EmbeddingConfig `json:"embedding"`
}

func main() {
	var (
		dataDir    = flag.String("dir", envOr("INGEST_WATCH_DIR", "/tmp/ragline-ingest"), "directory to watch for corpus files")
		configPath = flag.String("config", "", "path to the sidecar watch config (default: <dir>/ingest.config.json)")
		ingestdURL = flag.String("ingestd", envOr("INGESTD_URL", "http://localhost:8080"), "ingestd base URL")
		interval   = flag.Duration("interval", 30*time.Second, "scan interval")
		stateFile  = flag.String("state", "", "submitted-files state file (default: <dir>/.ingest-state.json)")
	)
	flag.Parse()

	if *configPath == "" {
		*configPath = filepath.Join(*dataDir, "ingest.config.json")
	}
	if *stateFile == "" {
		*stateFile = filepath.Join(*dataDir, ".ingest-state.json")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Error("mkdir watch dir failed", "error", err)
		os.Exit(1)
	}

	submitted := loadState(*stateFile)
	client := &http.Client{Timeout: 10 * time.Second}

	logger.Info("watching for corpus files", "dir", *dataDir, "interval", *interval, "ingestd", *ingestdURL)

	scan := func() {
		cfg, err := loadWatchConfig(*configPath)
		if err != nil {
			logger.Warn("skipping scan: watch config unavailable", "config", *configPath, "error", err)
			return
		}

		entries, err := os.ReadDir(*dataDir)
		if err != nil {
			logger.Error("readdir failed", "error", err)
			return
		}

		for _, e := range entries {
			if e.IsDir() || !isCorpusFile(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			key := fmt.Sprintf("%s:%d", e.Name(), info.Size())
			if submitted[key] {
				continue
			}

			path := filepath.Join(*dataDir, e.Name())
			jobID, err := submitFile(ctx, client, *ingestdURL, cfg, path, e.Name(), info.Size())
			if err != nil {
				logger.Error("submit failed, will retry on next scan", "file", e.Name(), "error", err)
				continue
			}

			logger.Info("submitted job", "file", e.Name(), "job_id", jobID)
			submitted[key] = true
			saveState(*stateFile, submitted)
		}
	}

	scan()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			scan()
		}
	}
}

func isCorpusFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	base := strings.TrimSuffix(name, ".gz")
	return strings.HasSuffix(base, ".json") || strings.HasSuffix(base, ".ndjson")
}

func loadWatchConfig(path string) (watchConfig, error) {
	var cfg watchConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse watch config: %w", err)
	}
	if cfg.TenantID == "" {
		return cfg, fmt.Errorf("watch config: tenant_id is required")
	}
	return cfg, nil
}

func submitFile(ctx context.Context, client *http.Client, baseURL string, cfg watchConfig, path, filename string, size int64) (string, error) {
	req := domain.SubmitRequest{
		TenantID:   cfg.TenantID,
		FilePath:   path,
		FileSize:   size,
		Filename:   filename,
		SchemaJSON: cfg.Schema,
		Embedding:  cfg.Embedding,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var errBody map[string]any
		json.NewDecoder(resp.Body).Decode(&errBody)
		return "", fmt.Errorf("ingestd returned %d: %v", resp.StatusCode, errBody)
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func loadState(path string) map[string]bool {
	m := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	json.Unmarshal(data, &m)
	return m
}

func saveState(path string, m map[string]bool) {
	data, _ := json.Marshal(m)
	os.WriteFile(path, data, 0o644)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
