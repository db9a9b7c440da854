package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkoziy/genome/loader/internal/annotation"
	"github.com/mkoziy/genome/loader/internal/audit"
	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/query"
	"github.com/mkoziy/genome/loader/internal/registry"
)

// Deps are the components served over HTTP.
type Deps struct {
	Queries  *query.Service
	Registry *registry.Registry
	Engine   *annotation.Engine
	Recorder *audit.Recorder

	// Active reports batches owned by a local worker; they are never stuck.
	Active     func(id string) bool
	StaleAfter time.Duration
}

// Handler handles HTTP requests.
type Handler struct {
	deps Deps
	log  *logger.Logger
}

// NewHandler builds the HTTP handlers over deps.
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	if deps.StaleAfter <= 0 {
		deps.StaleAfter = 15 * time.Minute
	}
	return &Handler{deps: deps, log: log.With("component", "api")}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	r.GET("/variants", h.GetVariant)

	batches := r.Group("/batches")
	{
		batches.GET("", h.ListBatches)
		batches.GET("/stuck", h.StuckBatches)
		batches.GET("/:id", h.GetBatch)
		batches.POST("/:id/enrich", h.EnrichBatch)
	}

	sources := r.Group("/sources")
	{
		sources.GET("", h.ListSources)
		sources.POST("", h.RegisterSource)
		sources.GET("/:name", h.GetSource)
		sources.DELETE("/:name", h.DeprecateSource)
		sources.POST("/:name/records", h.LoadRecords)
	}

	r.GET("/samples", h.GetFamily)
	r.PUT("/samples", h.RegisterSamples)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetVariant returns every stored record of one variant.
func (h *Handler) GetVariant(c *gin.Context) {
	pos, err := strconv.ParseInt(c.Query("pos"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pos must be an integer"})
		return
	}
	key := models.VariantKey{
		Chromosome: c.Query("chrom"),
		Position:   pos,
		Reference:  c.Query("ref"),
		Alternate:  c.Query("alt"),
	}
	if err := key.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rows, err := h.deps.Queries.ByKey(c.Request.Context(), key)
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "variant not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"variants": rows, "total": len(rows)})
}

// ListBatches returns the reload chain of ?hash=, or the latest batches.
func (h *Handler) ListBatches(c *gin.Context) {
	ctx := c.Request.Context()
	if hash := c.Query("hash"); hash != "" {
		history, err := h.deps.Queries.History(ctx, hash)
		if err != nil {
			h.fail(c, err)
			return
		}
		if len(history) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no batch for hash " + hash})
			return
		}
		c.JSON(http.StatusOK, gin.H{"latest": history[0], "batches": history, "total": len(history)})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recent, err := h.deps.Recorder.Recent(ctx, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": recent, "total": len(recent)})
}

func (h *Handler) GetBatch(c *gin.Context) {
	report, err := h.deps.Queries.Batch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) StuckBatches(c *gin.Context) {
	stuck, err := h.deps.Recorder.Stuck(c.Request.Context(), h.deps.StaleAfter, h.deps.Active)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": stuck, "total": len(stuck), "stale_after": h.deps.StaleAfter.String()})
}

type enrichRequest struct {
	Sources []string `json:"sources"`
}

// EnrichBatch runs a post-hoc enrichment pass over a stored batch.
func (h *Handler) EnrichBatch(c *gin.Context) {
	var req enrichRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.deps.Recorder.Get(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.deps.Engine.EnrichBatch(ctx, id, req.Sources)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListSources(c *gin.Context) {
	sources := h.deps.Registry.List()
	c.JSON(http.StatusOK, gin.H{"sources": sources, "total": len(sources)})
}

func (h *Handler) GetSource(c *gin.Context) {
	src, err := h.deps.Registry.Lookup(c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, src)
}

func (h *Handler) RegisterSource(c *gin.Context) {
	var req registry.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := h.deps.Registry.Register(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, src)
}

func (h *Handler) DeprecateSource(c *gin.Context) {
	src, err := h.deps.Registry.Deprecate(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, src)
}

type loadRecordsRequest struct {
	Rows []registry.Row `json:"rows" binding:"required"`
}

func (h *Handler) LoadRecords(c *gin.Context) {
	var req loadRecordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := c.Param("name")
	n, err := h.deps.Registry.LoadRecords(c.Request.Context(), name, req.Rows)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": name, "loaded": len(req.Rows), "row_count": n})
}

type samplesRequest struct {
	Samples []*models.Sample `json:"samples" binding:"required"`
}

func (h *Handler) RegisterSamples(c *gin.Context) {
	var req samplesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.deps.Queries.RegisterSamples(c.Request.Context(), req.Samples); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": len(req.Samples)})
}

// GetFamily lists the samples of ?family= and how many have parents recorded.
func (h *Handler) GetFamily(c *gin.Context) {
	family := c.Query("family")
	if family == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "family is required"})
		return
	}
	samples, err := h.deps.Queries.Family(c.Request.Context(), family)
	if err != nil {
		h.fail(c, err)
		return
	}
	var linked int
	for _, smp := range samples {
		if smp.HasParents() {
			linked++
		}
	}
	c.JSON(http.StatusOK, gin.H{"family": family, "samples": samples, "total": len(samples), "with_parents": linked})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var (
		dupLoad   *models.DuplicateLoadError
		dupSource *models.DuplicateSourceError
		invalid   *models.InvalidFieldConfigError
	)
	switch {
	case errors.Is(err, models.ErrSourceNotFound), errors.Is(err, models.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.As(err, &invalid), errors.Is(err, models.ErrInvalidSample), errors.Is(err, models.ErrDuplicateRowKey):
		return http.StatusBadRequest
	case errors.As(err, &dupLoad), errors.As(err, &dupSource), models.IsAmbiguousMatch(err), errors.Is(err, models.ErrBatchTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
