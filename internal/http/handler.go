package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"maskguard-service/internal/service"
	"maskguard-service/internal/supervisor"
)

type complianceService interface {
	Compliance(ctx context.Context, sourceQuery, from, to *string) (*service.ComplianceReport, error)
	FindEvents(ctx context.Context, sourceQuery, from, to *string, violationsOnly bool, limit, offset int) ([]service.EventInfo, error)
	FindAlerts(ctx context.Context, sourceQuery, from, to *string, limit, offset int) ([]service.AlertInfo, error)
}

type pipeline interface {
	Status() supervisor.Status
	Enable(sourceID string) error
	Disable(sourceID string) error
	Restart(ctx context.Context, sourceID string) error
}

type Handler struct {
	compliance complianceService
	pipeline   pipeline
	log        zerolog.Logger
}

func NewHandler(
	compliance complianceService,
	pipeline pipeline,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		compliance: compliance,
		pipeline:   pipeline,
		log:        log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	public := r.Group("/api/v1")
	{
		public.GET("/sources", h.listSources)
		public.GET("/pipeline", h.pipelineStatus)
		public.GET("/detections", h.listDetections)
		public.GET("/compliance", h.complianceReport)
		public.GET("/alerts", h.listAlerts)
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/sources/:id/enable", h.enableSource)
		protected.POST("/sources/:id/disable", h.disableSource)
		protected.POST("/sources/:id/restart", h.restartSource)
	}
}

func (h *Handler) listSources(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.pipeline.Status().Sources))
}

func (h *Handler) pipelineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.pipeline.Status()))
}

func (h *Handler) enableSource(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if err := h.pipeline.Enable(id); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "ok", "source_id": id})
}

func (h *Handler) disableSource(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if err := h.pipeline.Disable(id); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "ok", "source_id": id})
}

func (h *Handler) restartSource(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if err := h.pipeline.Restart(c.Request.Context(), id); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "ok", "source_id": id})
}

func (h *Handler) listDetections(c *gin.Context) {
	source, from, to := rangeQuery(c)
	limit, offset := pageQuery(c)
	violationsOnly, _ := strconv.ParseBool(c.Query("violations_only"))

	events, err := h.compliance.FindEvents(c.Request.Context(), source, from, to, violationsOnly, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(events))
}

func (h *Handler) complianceReport(c *gin.Context) {
	source, from, to := rangeQuery(c)

	report, err := h.compliance.Compliance(c.Request.Context(), source, from, to)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(report))
}

func (h *Handler) listAlerts(c *gin.Context) {
	source, from, to := rangeQuery(c)
	limit, offset := pageQuery(c)

	alerts, err := h.compliance.FindAlerts(c.Request.Context(), source, from, to, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(alerts))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound), errors.Is(err, supervisor.ErrUnknownSource):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, supervisor.ErrSourceActive), errors.Is(err, supervisor.ErrSourceStopped):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, supervisor.ErrNotRunning):
		c.JSON(http.StatusServiceUnavailable, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func rangeQuery(c *gin.Context) (source, from, to *string) {
	if s := strings.TrimSpace(c.Query("source")); s != "" {
		source = &s
	}
	if f := strings.TrimSpace(c.Query("from")); f != "" {
		from = &f
	}
	if t := strings.TrimSpace(c.Query("to")); t != "" {
		to = &t
	}
	return source, from, to
}

func pageQuery(c *gin.Context) (int, int) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
