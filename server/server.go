package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/finrag/finrag/history"
	"github.com/finrag/finrag/ingest"
	"github.com/finrag/finrag/pipeline"
	"github.com/finrag/finrag/pkg/logging"
	"github.com/finrag/finrag/store"
)

// QueryService answers one query end to end.
type QueryService interface {
	Answer(ctx context.Context, query, sessionID string, k int) (pipeline.Answer, error)
}

// Ingester processes a batch of uploaded files.
type Ingester interface {
	IngestFiles(ctx context.Context, paths []string) []ingest.FileResult
}

// Server is the HTTP surface: ingestion, querying, history, health.
type Server struct {
	engine    *gin.Engine
	queries   QueryService
	ingester  Ingester
	docs      store.DocumentStore
	history   history.Store
	uploadDir string
	llmInfo   string
	logger    *slog.Logger
}

// Option configures the server.
type Option func(*Server)

// WithLLMInfo names the configured model backend in health responses.
func WithLLMInfo(info string) Option {
	return func(s *Server) {
		if info != "" {
			s.llmInfo = info
		}
	}
}

// New assembles the router. The history store may be nil when query history
// is disabled.
func New(queries QueryService, ingester Ingester, docs store.DocumentStore, hist history.Store, uploadDir string, opts ...Option) *Server {
	s := &Server{
		queries:   queries,
		ingester:  ingester,
		docs:      docs,
		history:   hist,
		uploadDir: uploadDir,
		llmInfo:   "configured",
		logger:    logging.WithComponent("server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestID(), s.requestLog())

	engine.POST("/ingest", s.handleIngest)
	engine.POST("/query", s.handleQuery)
	engine.GET("/history", s.handleHistory)
	engine.GET("/health", s.handleHealth)

	s.engine = engine
	return s
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-Id", reqID)
		c.Set("request_id", reqID)
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"),
		)
	}
}

func (s *Server) handleIngest(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
		return
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload dir unavailable"})
		return
	}

	// Save uploads under unique names; the original filename still carries the
	// filing metadata, so it is preserved inside the generated name.
	paths := make([]string, 0, len(files))
	results := make([]ingest.FileResult, 0, len(files))
	for _, fh := range files {
		dst := filepath.Join(s.uploadDir, uuid.NewString()+"__"+filepath.Base(fh.Filename))
		if err := c.SaveUploadedFile(fh, dst); err != nil {
			results = append(results, ingest.FileResult{
				File:   fh.Filename,
				Status: ingest.StatusFailed,
				Error:  err.Error(),
			})
			continue
		}
		paths = append(paths, dst)
	}

	batch := s.ingester.IngestFiles(c.Request.Context(), paths)
	for i := range batch {
		batch[i].File = originalName(batch[i].File)
	}
	results = append(results, batch...)

	c.JSON(http.StatusOK, gin.H{"results": results})
}

// originalName strips the uniqueness prefix added at upload time.
func originalName(stored string) string {
	const sep = "__"
	for i := 0; i+len(sep) <= len(stored); i++ {
		if stored[i:i+len(sep)] == sep {
			return stored[i+len(sep):]
		}
	}
	return stored
}

type queryRequest struct {
	Query     string `json:"query" binding:"required"`
	K         int    `json:"k"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = c.GetString("request_id")
	}

	start := time.Now()
	answer, err := s.queries.Answer(c.Request.Context(), req.Query, req.SessionID, req.K)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			c.Status(http.StatusBadRequest)
		case errors.Is(err, pipeline.ErrUpstreamUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document store or model backend unavailable"})
		default:
			s.logger.Error("query failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "answer generation failed"})
		}
		return
	}

	s.recordHistory(c.Request.Context(), req, answer, time.Since(start))
	c.JSON(http.StatusOK, answer)
}

// recordHistory is best-effort; a history fault never fails the query.
func (s *Server) recordHistory(ctx context.Context, req queryRequest, answer pipeline.Answer, took time.Duration) {
	if s.history == nil {
		return
	}
	entry := history.NewEntry(uuid.NewString(), req.SessionID, req.Query, answer, took)
	if err := s.history.Record(ctx, entry); err != nil {
		s.logger.Warn("could not record query history", "error", err)
	}
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []history.Entry{}})
		return
	}
	entries, err := s.history.Recent(c.Request.Context(), c.Query("session_id"), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleHealth(c *gin.Context) {
	// The model backend is reported, not probed: spending a model call per
	// scrape is worse than surfacing model faults on the query path.
	status := gin.H{"status": "ok", "store": "ok", "llm": s.llmInfo}
	code := http.StatusOK

	if err := s.docs.Ping(c.Request.Context()); err != nil {
		status["status"] = "degraded"
		status["store"] = err.Error()
		code = http.StatusServiceUnavailable
	} else if err := s.docs.VerifyEmbeddingModel(c.Request.Context()); err != nil {
		// Embedding model drift between ingestion and query time is a
		// configuration error, never silently degraded.
		status["status"] = "degraded"
		status["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	if s.history != nil {
		if err := s.history.Ping(c.Request.Context()); err != nil {
			status["history"] = err.Error()
		}
	}

	c.JSON(code, status)
}
