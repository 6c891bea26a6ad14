package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rawpeak/feature-engine/internal/db"
	"github.com/rawpeak/feature-engine/internal/finder"
	"github.com/rawpeak/feature-engine/internal/metrics"
	"github.com/rawpeak/feature-engine/pkg/models"
)

// maxScansPerRequest caps the map size of a single synchronous analyze
// call to prevent runaway resource exhaustion from unconstrained
// requests. Larger maps go through the async run queue.
const maxScansPerRequest = 20_000

// AnalyzeRequest is a peak map plus analysis options, submitted as JSON.
type AnalyzeRequest struct {
	Scans  []models.Scan          `json:"scans"`
	Config map[string]interface{} `json:"config"`
}

type APIHandler struct {
	dbStore *db.PostgresStore
	wsHub   *Hub
}

func SetupRouter(dbStore *db.PostgresStore, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://example.org,https://www.example.org
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			// Check if the request origin is in the allowed list
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		dbStore: dbStore,
		wsHub:   wsHub,
	}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/runs/:id/status", handler.handleGetRunStatus)
		if wsHub != nil {
			pub.GET("/stream", wsHub.Subscribe)
		}
	}

	// ── Protected endpoints (require bearer token if API_AUTH_TOKEN set) ──
	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	// Rate-limit protected endpoints to 30 req/min per IP (burst=5).
	// The /analyze endpoint runs the full pipeline — especially important here.
	auth.Use(NewRateLimiter(30, 5).Middleware())
	{
		auth.POST("/analyze", handler.handleAnalyze)
		auth.POST("/runs", handler.handleEnqueueRun)
		auth.GET("/runs", handler.handleGetRuns)
		auth.GET("/runs/:id/features", handler.handleGetRunFeatures)
	}

	return r
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"persisted": h.dbStore != nil,
	})
}

// handleAnalyze runs the pipeline synchronously on a submitted map and
// returns the features. Results are persisted when a store is wired.
func (h *APIHandler) handleAnalyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if len(req.Scans) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Empty scan list"})
		return
	}
	if len(req.Scans) > maxScansPerRequest {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Map too large for synchronous analysis",
			"hint":  "Submit via POST /api/v1/runs instead",
		})
		return
	}

	cfg, err := models.ParseConfig(req.Config)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid configuration", "details": err.Error()})
		return
	}

	idx, err := finder.BuildIndex(models.SliceReader(req.Scans))
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, models.ErrInputMalformed) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": "Malformed input map", "details": err.Error()})
		return
	}

	features, stats, err := finder.FindFeatures(c.Request.Context(), idx, cfg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Analysis failed", "details": err.Error()})
		return
	}

	result := models.RunResult{
		RunID:      uuid.New().String(),
		Features:   features,
		Statistics: stats,
	}
	summary := metrics.Summarize(features)

	if h.dbStore != nil {
		cfgJSON, _ := json.Marshal(req.Config)
		if err := h.dbStore.SaveRun(c.Request.Context(), result.RunID, cfgJSON, result, summary); err != nil {
			log.Printf("[API] DB persist error for run %s: %v", result.RunID, err)
		}
	}
	if h.wsHub != nil {
		h.wsHub.BroadcastEvent("run_complete", gin.H{
			"runId":        result.RunID,
			"featureCount": len(features),
			"cancelled":    stats.Cancelled,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"runId":      result.RunID,
		"features":   features,
		"statistics": stats,
		"summary":    summary,
	})
}

// handleEnqueueRun queues a map for asynchronous analysis by the job
// poller and returns the run id immediately.
func (h *APIHandler) handleEnqueueRun(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Run queue requires a database"})
		return
	}

	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if len(req.Scans) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Empty scan list"})
		return
	}
	// Validate config up front so the queue only holds runnable jobs.
	if _, err := models.ParseConfig(req.Config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid configuration", "details": err.Error()})
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encode payload"})
		return
	}

	runID := uuid.New().String()
	if err := h.dbStore.EnqueueRun(c.Request.Context(), runID, payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue run", "details": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"runId": runID, "status": "queued"})
}

func (h *APIHandler) handleGetRuns(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Run listing requires a database"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	runs, total, err := h.dbStore.GetRuns(c.Request.Context(), page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list runs", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": total, "page": page})
}

func (h *APIHandler) handleGetRunStatus(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Run status requires a database"})
		return
	}
	runID := c.Param("id")
	if _, err := uuid.Parse(runID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run id format"})
		return
	}
	status, err := h.dbStore.GetRunStatus(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve run", "details": err.Error()})
		return
	}
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown run id"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *APIHandler) handleGetRunFeatures(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Feature listing requires a database"})
		return
	}
	runID := c.Param("id")
	if _, err := uuid.Parse(runID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run id format"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	features, total, err := h.dbStore.GetFeatures(c.Request.Context(), runID, page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load features", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"features": features, "total": total, "page": page})
}
