// Command ingestd is the control plane for the ingestion pipeline: the
// submit/status/control/recovery/active HTTP surface in front of the task
// manager and ingestion orchestrator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ragline/ragline/engine/checkpoint"
	"github.com/ragline/ragline/engine/domain"
	"github.com/ragline/ragline/engine/embedclient"
	"github.com/ragline/ragline/engine/ingest"
	"github.com/ragline/ragline/engine/progress"
	"github.com/ragline/ragline/engine/tasks"
	"github.com/ragline/ragline/engine/vectorstore"
	"github.com/ragline/ragline/pkg/mid"
)

// Config holds all environment-based configuration.
type Config struct {
	Port string

	NATSURL            string
	MaxConcurrentTasks int
	CheckpointInterval int
	ProgressInterval   time.Duration

	QdrantURI   string
	QdrantToken string
	QdrantDB    string

	LocalModelBaseURL      string
	HostedProviderABaseURL string
	HostedProviderBBaseURL string
	EmbedRequestsPerMinute int

	CORSOrigin string
}

func loadConfig() Config {
	return Config{
		Port: envOr("PORT", "8080"),

		NATSURL:            envOr("NATS_URL", nats.DefaultURL),
		MaxConcurrentTasks: envOrInt("MAX_CONCURRENT_TASKS", 5),
		CheckpointInterval: envOrInt("CHECKPOINT_INTERVAL", 100),
		ProgressInterval:   envOrDuration("PROGRESS_UPDATE_INTERVAL", 2*time.Second),

		QdrantURI:   envOr("QDRANT_URI", "localhost:6334"),
		QdrantToken: envOr("QDRANT_TOKEN", ""),
		QdrantDB:    envOr("QDRANT_DB", ""),

		LocalModelBaseURL:      envOr("EMBED_LOCAL_MODEL_URL", "http://localhost:11434"),
		HostedProviderABaseURL: envOr("EMBED_HOSTED_A_URL", "https://api.voyageai.com/v1"),
		HostedProviderBBaseURL: envOr("EMBED_HOSTED_B_URL", "https://api.openai.com/v1"),
		EmbedRequestsPerMinute: envOrInt("EMBED_REQUESTS_PER_MINUTE", 0),

		CORSOrigin: envOr("CORS_ORIGIN", "*"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("ingestd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}

	taskStore, err := tasks.OpenStore(ctx, js)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}

	cps, err := checkpoint.Open(ctx, js, cfg.CheckpointInterval, logger)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	prog, err := progress.Open(ctx, js, cfg.ProgressInterval, logger)
	if err != nil {
		return fmt.Errorf("open progress tracker: %w", err)
	}

	orch := ingest.New(ingest.Deps{
		Checkpoints: cps,
		Progress:    prog,
		VectorStore: vectorStoreFactory(cfg, logger),
		EmbedClient: embedClientFactory(cfg, logger),
		Logger:      logger,
	})

	manager := tasks.NewWithStore(taskStore, cfg.MaxConcurrentTasks, orch.Run, logger)
	defer manager.Shutdown()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("POST /api/v1/jobs", handleSubmit(manager, logger))
	mux.HandleFunc("GET /api/v1/jobs/{id}", handleStatus(manager, prog, logger))
	mux.HandleFunc("POST /api/v1/jobs/{id}/control", handleControl(manager, logger))
	mux.HandleFunc("GET /api/v1/jobs/{id}/recovery", handleRecovery(cps, logger))
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/jobs", handleActive(manager, logger))
	mux.HandleFunc("GET /metrics", handleMetrics())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ingestd starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// vectorStoreFactory resolves a per-tenant Qdrant collection against the
// single configured endpoint, one tenant per collection.
func vectorStoreFactory(cfg Config, logger *slog.Logger) ingest.VectorStoreFactory {
	return func(_ context.Context, tenantID string) (*vectorstore.Store, error) {
		return vectorstore.Open(vectorstore.Config{
			URI:        cfg.QdrantURI,
			Token:      cfg.QdrantToken,
			DB:         cfg.QdrantDB,
			Collection: "tenant_" + tenantID,
		}, logger)
	}
}

// embedClientFactory resolves the embedding client for a job from its own
// Configuration: provider kind, model, and (optional) per-tenant API key.
func embedClientFactory(cfg Config, logger *slog.Logger) ingest.EmbedClientFactory {
	return func(job tasks.Job) (*embedclient.Client, error) {
		kind := embedclient.Kind(job.Configuration.EmbeddingProvider)
		return embedclient.New(embedclient.Config{
			Kind:              kind,
			BaseURL:           baseURLFor(cfg, kind),
			APIKey:            job.Configuration.ProviderKey,
			Model:             job.Configuration.EmbeddingModel,
			RequestsPerMinute: cfg.EmbedRequestsPerMinute,
		}, logger)
	}
}

func baseURLFor(cfg Config, kind embedclient.Kind) string {
	switch kind {
	case embedclient.KindHostedProviderA:
		return cfg.HostedProviderABaseURL
	case embedclient.KindHostedProviderB:
		return cfg.HostedProviderBBaseURL
	default:
		return cfg.LocalModelBaseURL
	}
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics exposes the worker pool's and progress tracker's registries
// in Prometheus text exposition format, concatenated under one endpoint.
func handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		io.WriteString(w, tasks.Metrics().Render())
		io.WriteString(w, progress.Metrics().Render())
	}
}

func handleSubmit(manager *tasks.Manager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if errs := domain.ValidateSubmitRequest(req); len(errs) > 0 {
			messages := make([]string, len(errs))
			for i, e := range errs {
				messages[i] = e.Error()
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad_schema", "details": messages})
			return
		}

		jobID, err := manager.Submit(r.Context(), req.TenantID,
			tasks.FileInfo{FilePath: req.FilePath, FileSize: req.FileSize, FileName: req.Filename},
			tasks.Configuration{
				SchemaConfig:      req.SchemaJSON,
				EmbeddingProvider: req.Embedding.Provider,
				EmbeddingModel:    req.Embedding.Model,
				ProviderKey:       req.Embedding.APIKey,
			},
		)
		if err != nil {
			logger.Error("submit failed", "error", err)
			writeError(w, http.StatusInternalServerError, "submit failed")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	}
}

type statusResponse struct {
	Status        tasks.Status        `json:"status"`
	FileInfo      tasks.FileInfo      `json:"file_info"`
	Configuration tasks.Configuration `json:"configuration"`
	Progress      tasks.JobProgress   `json:"progress"`
	Timing        struct {
		Start      time.Time  `json:"start"`
		Elapsed    float64    `json:"elapsed_seconds"`
		ETA        *time.Time `json:"eta,omitempty"`
		LastUpdate time.Time  `json:"last_update"`
	} `json:"timing"`
	Detailed *progress.Detailed `json:"detailed_progress,omitempty"`
	Error    *tasks.ErrorRecord `json:"error,omitempty"`
	Results  map[string]any     `json:"results,omitempty"`
}

func handleStatus(manager *tasks.Manager, prog *progress.Tracker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		job, err := manager.Status(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}

		resp := statusResponse{
			Status:        job.Status,
			FileInfo:      job.FileInfo,
			Configuration: job.Configuration,
			Progress:      job.Progress,
			Error:         job.ErrorInfo,
			Results:       job.Configuration.Results,
		}
		resp.Timing.Start = job.CreatedAt
		resp.Timing.LastUpdate = job.UpdatedAt

		detailed, err := prog.Detailed(r.Context(), id)
		if err != nil {
			logger.Warn("status: failed to load detailed progress", "job", id, "error", err)
		} else if detailed != nil {
			resp.Detailed = detailed
			resp.Timing.Elapsed = detailed.Timing.ElapsedSeconds
			resp.Timing.ETA = detailed.Timing.EstimatedCompletion
			resp.Timing.LastUpdate = detailed.Timing.LastUpdate
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

type controlRequest struct {
	Action string `json:"action"`
}

func handleControl(manager *tasks.Manager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		var req controlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var err error
		switch req.Action {
		case "pause":
			err = manager.Pause(r.Context(), id)
		case "resume":
			err = manager.Resume(r.Context(), id)
		case "cancel":
			err = manager.Cancel(r.Context(), id)
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
			return
		}
		if err != nil {
			logger.Warn("control failed", "job", id, "action", req.Action, "error", err)
			writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": req.Action + " succeeded"})
	}
}

func handleRecovery(cps *checkpoint.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		report, err := cps.EstimateRecoveryProgress(r.Context(), id)
		if err != nil {
			logger.Error("recovery estimate failed", "job", id, "error", err)
			writeError(w, http.StatusInternalServerError, "recovery estimate failed")
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

type jobSummary struct {
	JobID    string       `json:"job_id"`
	Status   tasks.Status `json:"status"`
	Filename string       `json:"filename"`
}

func handleActive(manager *tasks.Manager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.PathValue("tenant")

		ids, err := manager.Active(r.Context())
		if err != nil {
			logger.Error("active lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "active lookup failed")
			return
		}

		summaries := make([]jobSummary, 0, len(ids))
		for _, id := range ids {
			job, err := manager.Status(r.Context(), id)
			if err != nil || job.TenantID != tenant {
				continue
			}
			summaries = append(summaries, jobSummary{JobID: job.ID, Status: job.Status, Filename: job.FileInfo.FileName})
		}

		writeJSON(w, http.StatusOK, summaries)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
