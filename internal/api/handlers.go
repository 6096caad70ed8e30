package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/lifecycle"
	"github.com/campaignpulse/crisis-pipeline/internal/model"
	"github.com/campaignpulse/crisis-pipeline/internal/monitor"
	"github.com/campaignpulse/crisis-pipeline/internal/normalizer"
	"github.com/campaignpulse/crisis-pipeline/internal/pipeline"
	"github.com/campaignpulse/crisis-pipeline/internal/storage"
)

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// IngestRequest is the body of POST /events
type IngestRequest struct {
	Source  string          `json:"source" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// ActionRequest is the body of the alert action endpoints
type ActionRequest struct {
	Actor string `json:"actor" binding:"required"`
	Notes string `json:"notes"`
}

// AlertDetail is the body of GET /alerts/:id
type AlertDetail struct {
	Alert      *model.CrisisAlert  `json:"alert"`
	AuditTrail []*model.AuditEntry `json:"audit_trail"`
}

// Handlers implements the HTTP endpoints
type Handlers struct {
	logger  *zap.Logger
	pipe    *pipeline.Pipeline
	manager *lifecycle.Manager
	alerts  *storage.AlertStore
	monitor *monitor.Monitor
}

func NewHandlers(logger *zap.Logger, pipe *pipeline.Pipeline, manager *lifecycle.Manager,
	alerts *storage.AlertStore, mon *monitor.Monitor) *Handlers {
	return &Handlers{
		logger:  logger,
		pipe:    pipe,
		manager: manager,
		alerts:  alerts,
		monitor: mon,
	}
}

// IngestEvent handles POST /events: push ingestion for sources that
// deliver by webhook instead of being polled.
func (h *Handlers) IngestEvent(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	result, err := h.pipe.Ingest(c.Request.Context(), req.Source, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, normalizer.ErrUnknownSource):
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "unknown_source",
				Message: err.Error(),
			})
		case errors.Is(err, normalizer.ErrMalformedPayload):
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "malformed_payload",
				Message: err.Error(),
			})
		default:
			h.logger.Error("Ingest failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "ingest_failed",
				Message: "event could not be stored",
			})
		}
		return
	}

	status := http.StatusAccepted
	if result == pipeline.ResultDuplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"result": result})
}

// ListAlerts handles GET /alerts with optional status and severity_min filters
func (h *Handlers) ListAlerts(c *gin.Context) {
	filter := storage.AlertFilter{}

	if status := c.Query("status"); status != "" {
		filter.Status = model.AlertStatus(status)
	}
	if raw := c.Query("severity_min"); raw != "" {
		min, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "severity_min must be an integer",
			})
			return
		}
		filter.MinSeverity = min
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "limit must be an integer",
			})
			return
		}
		filter.Limit = limit
	}

	alerts, err := h.alerts.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list alerts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: "alerts could not be listed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// GetAlert handles GET /alerts/:id, returning the alert and its audit trail
func (h *Handlers) GetAlert(c *gin.Context) {
	id := c.Param("id")

	alert, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "no alert with id " + id,
			})
			return
		}
		h.logger.Error("Failed to load alert", zap.String("alert_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: "alert could not be loaded",
		})
		return
	}

	trail, err := h.alerts.AuditTrail(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load audit trail", zap.String("alert_id", id), zap.Error(err))
		trail = nil
	}
	c.JSON(http.StatusOK, AlertDetail{Alert: alert, AuditTrail: trail})
}

// Acknowledge handles POST /alerts/:id/acknowledge
func (h *Handlers) Acknowledge(c *gin.Context) {
	h.action(c, func(req ActionRequest) (*model.CrisisAlert, error) {
		return h.manager.Acknowledge(c.Request.Context(), c.Param("id"), req.Actor)
	})
}

// Investigate handles POST /alerts/:id/investigate
func (h *Handlers) Investigate(c *gin.Context) {
	h.action(c, func(req ActionRequest) (*model.CrisisAlert, error) {
		return h.manager.Investigate(c.Request.Context(), c.Param("id"), req.Actor)
	})
}

// Resolve handles POST /alerts/:id/resolve
func (h *Handlers) Resolve(c *gin.Context) {
	h.action(c, func(req ActionRequest) (*model.CrisisAlert, error) {
		return h.manager.Resolve(c.Request.Context(), c.Param("id"), req.Actor, req.Notes)
	})
}

// Dismiss handles POST /alerts/:id/dismiss
func (h *Handlers) Dismiss(c *gin.Context) {
	h.action(c, func(req ActionRequest) (*model.CrisisAlert, error) {
		return h.manager.Dismiss(c.Request.Context(), c.Param("id"), req.Actor, req.Notes)
	})
}

func (h *Handlers) action(c *gin.Context, fn func(ActionRequest) (*model.CrisisAlert, error)) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	alert, err := fn(req)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrAlertNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "no alert with id " + c.Param("id"),
			})
		case lifecycle.IsConflict(err):
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "conflict",
				Message: err.Error(),
			})
		default:
			h.logger.Error("Alert action failed",
				zap.String("alert_id", c.Param("id")),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "storage_error",
				Message: "alert could not be updated",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

// Health handles GET /health
func (h *Handlers) Health(c *gin.Context) {
	report, err := h.monitor.Health(c.Request.Context())
	if err != nil {
		h.logger.Error("Health report failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "health_unavailable",
			Message: "health report could not be built",
		})
		return
	}

	status := http.StatusOK
	if report.Overall == model.ServiceStatusDown {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
