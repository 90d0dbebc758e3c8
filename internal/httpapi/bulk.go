package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehrcore/ehrcore/internal/domain/syncjob"
	"github.com/ehrcore/ehrcore/internal/orchestrator"
)

type bulkExportRequest struct {
	ConnectionID  string   `json:"connectionId"`
	ExportType    string   `json:"exportType"`
	ResourceTypes []string `json:"resourceTypes,omitempty"`
	Since         string   `json:"since,omitempty"`
	GroupID       string   `json:"groupId,omitempty"`
}

// StartBulkExport enqueues a BULK_EXPORT job; the orchestrator's worker
// performs the kickoff, polling, and ingestion.
func (h *Handlers) StartBulkExport(c echo.Context) error {
	var req bulkExportRequest
	if err := c.Bind(&req); err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
	}
	connID, err := uuid.Parse(req.ConnectionID)
	if err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "connectionId is required")
	}
	ctx := c.Request().Context()
	conn, err := h.conns.GetByID(ctx, connID)
	if err != nil {
		return newAPIError(http.StatusNotFound, "NOT_FOUND", "connection not found")
	}
	if string(conn.Vendor) != c.Param("vendor") {
		return newAPIError(http.StatusUnprocessableEntity, "BUSINESS_RULE_VIOLATION", "connection does not belong to vendor "+c.Param("vendor"))
	}

	filter := map[string]string{"exportType": req.ExportType}
	if req.Since != "" {
		if _, perr := time.Parse(time.RFC3339, req.Since); perr != nil {
			return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "since must be RFC3339")
		}
		filter["_since"] = req.Since
	}
	if req.GroupID != "" {
		filter["groupId"] = req.GroupID
	}

	cfg := orchestrator.JobConfig{
		JobType:      syncjob.JobTypeBulkExport,
		Direction:    syncjob.DirectionInbound,
		Priority:     3,
		ConnectionID: connID,
		UserID:       conn.UserID,
		Filter:       filter,
	}
	if len(req.ResourceTypes) == 1 {
		cfg.ResourceTypeFilter = &req.ResourceTypes[0]
	} else if len(req.ResourceTypes) > 1 {
		cfg.Filter["resourceTypes"] = strings.Join(req.ResourceTypes, ",")
	}

	jobID, err := h.orch.Enqueue(ctx, cfg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"jobId": jobID.String()})
}

// PollBulkExport reports the export job's stored state and counters.
func (h *Handlers) PollBulkExport(c echo.Context) error {
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "jobId is not a valid id")
	}
	job, err := h.orch.Status(c.Request().Context(), jobID)
	if err != nil {
		return newAPIError(http.StatusNotFound, "NOT_FOUND", "export job not found")
	}
	if job.JobType != syncjob.JobTypeBulkExport {
		return newAPIError(http.StatusUnprocessableEntity, "BUSINESS_RULE_VIOLATION", "job is not a bulk export")
	}
	return c.JSON(http.StatusOK, job)
}

// ProcessBulkExport re-attempts ingestion of downloaded files that
// previously failed or were left incomplete.
func (h *Handlers) ProcessBulkExport(c echo.Context) error {
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "jobId is not a valid id")
	}
	ctx := c.Request().Context()
	job, err := h.orch.Status(ctx, jobID)
	if err != nil {
		return newAPIError(http.StatusNotFound, "NOT_FOUND", "export job not found")
	}
	if job.JobType != syncjob.JobTypeBulkExport {
		return newAPIError(http.StatusUnprocessableEntity, "BUSINESS_RULE_VIOLATION", "job is not a bulk export")
	}

	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		if rerr := h.bulk.RetryFailed(bg, job); rerr != nil {
			h.log.Error().Err(rerr).Str("jobId", job.ID.String()).Msg("bulk export re-processing failed")
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"jobId": job.ID.String(), "status": "processing"})
}
