package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehrcore/ehrcore/internal/domain/complianceincident"
	"github.com/ehrcore/ehrcore/internal/domain/errorrecord"
	"github.com/ehrcore/ehrcore/internal/telemetry"
)

// LogStats summarizes the deduplicated operational error population.
func (h *Handlers) LogStats(c echo.Context) error {
	stats, err := h.router.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// RotateLogs archives the external log files regardless of size.
func (h *Handlers) RotateLogs(c echo.Context) error {
	if h.rotator == nil {
		return newAPIError(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "log rotation is not configured")
	}
	n, err := h.rotator.Rotate()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"rotated": n})
}

// CleanupLogs runs the per-severity retention purge immediately.
func (h *Handlers) CleanupLogs(c echo.Context) error {
	deleted, err := h.router.PurgeExpired(c.Request().Context(), h.retention)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// DedupStats reports how much the sliding-window deduplication has
// compacted the operational store: occurrences absorbed into existing
// records instead of new rows.
func (h *Handlers) DedupStats(c echo.Context) error {
	stats, err := h.router.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	merged := stats.TotalOccurrences - stats.TotalRecords
	if merged < 0 {
		merged = 0
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"records":           stats.TotalRecords,
		"occurrences":       stats.TotalOccurrences,
		"mergedOccurrences": merged,
	})
}

// ListIncidents lists compliance incidents with optional filters.
func (h *Handlers) ListIncidents(c echo.Context) error {
	filter := complianceincident.ListFilter{
		Status:   complianceincident.Status(c.QueryParam("status")),
		Category: complianceincident.Category(c.QueryParam("category")),
		Severity: complianceincident.Severity(c.QueryParam("severity")),
		Limit:    100,
	}
	incidents, err := h.incidents.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"incidents": incidents})
}

type createIncidentRequest struct {
	Severity        string `json:"severity"`
	Category        string `json:"category"`
	Description     string `json:"description"`
	DataExposed     bool   `json:"dataExposed"`
	RecordsAffected int    `json:"recordsAffected"`
}

// CreateIncident records a manually reported compliance incident through
// the same routing path automatic detection uses, so numbering, audit,
// and notification behave identically.
func (h *Handlers) CreateIncident(c echo.Context) error {
	var req createIncidentRequest
	if err := c.Bind(&req); err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
	}
	if req.Description == "" || req.Category == "" {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "category and description are required")
	}

	out, err := h.router.Report(c.Request().Context(), telemetry.Event{
		Message:            req.Description,
		Severity:           severityFrom(req.Severity),
		ComplianceCategory: complianceincident.Category(req.Category),
		DataExposed:        req.DataExposed,
		RecordsAffected:    req.RecordsAffected,
		Actor:              actorFrom(c),
	})
	if err != nil {
		return err
	}
	if !out.Compliance {
		return newAPIError(http.StatusUnprocessableEntity, "BUSINESS_RULE_VIOLATION", "category is not a recognized compliance category")
	}
	return c.JSON(http.StatusCreated, out.Incident)
}

// GetIncident resolves an incident by UUID or by incident number.
func (h *Handlers) GetIncident(c echo.Context) error {
	ctx := c.Request().Context()
	raw := c.Param("id")
	if id, err := uuid.Parse(raw); err == nil {
		incident, gerr := h.incidents.GetByID(ctx, id)
		if gerr != nil {
			return newAPIError(http.StatusNotFound, "NOT_FOUND", "incident not found")
		}
		return c.JSON(http.StatusOK, incident)
	}
	incident, err := h.incidents.GetByNumber(ctx, raw)
	if err != nil {
		return newAPIError(http.StatusNotFound, "NOT_FOUND", "incident not found")
	}
	return c.JSON(http.StatusOK, incident)
}

type transitionRequest struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// TransitionIncident moves an incident forward through its lifecycle,
// appending to the audit trail. There is deliberately no delete.
func (h *Handlers) TransitionIncident(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "id is not a valid incident id")
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
	}

	ctx := c.Request().Context()
	next := complianceincident.Status(req.Status)
	if err := h.incidents.UpdateStatus(ctx, id, next, time.Now().UTC()); err != nil {
		return newAPIError(http.StatusUnprocessableEntity, "BUSINESS_RULE_VIOLATION", err.Error())
	}
	if aerr := h.incidents.AppendAudit(ctx, id, &complianceincident.AuditEntry{
		Actor:  actorFrom(c),
		Action: string(next),
		Detail: req.Detail,
	}); aerr != nil {
		return aerr
	}
	incident, err := h.incidents.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, incident)
}

// IncidentAudit returns the append-only audit trail.
func (h *Handlers) IncidentAudit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "id is not a valid incident id")
	}
	entries, err := h.incidents.ListAudit(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"audit": entries})
}

func severityFrom(raw string) errorrecord.Severity {
	switch raw {
	case "LOW", "MEDIUM", "HIGH", "CRITICAL":
		return errorrecord.Severity(raw)
	default:
		return errorrecord.SeverityHigh
	}
}

func actorFrom(c echo.Context) string {
	if sub, ok := c.Get("sub").(string); ok && sub != "" {
		return sub
	}
	return "admin-api"
}
