package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehrcore/ehrcore/internal/bulkexport"
	"github.com/ehrcore/ehrcore/internal/domain/complianceincident"
	"github.com/ehrcore/ehrcore/internal/domain/connection"
	"github.com/ehrcore/ehrcore/internal/domain/syncjob"
	"github.com/ehrcore/ehrcore/internal/orchestrator"
	"github.com/ehrcore/ehrcore/internal/platform/crypto"
	"github.com/ehrcore/ehrcore/internal/platform/notification"
	"github.com/ehrcore/ehrcore/internal/platform/webhook"
	"github.com/ehrcore/ehrcore/internal/smartauth"
	"github.com/ehrcore/ehrcore/internal/telemetry"
	"github.com/ehrcore/ehrcore/pkg/pagination"
)

// Handlers is the EHR-facing surface: connections, authorization, sync
// jobs, bulk exports, and the inbound vendor webhook receiver.
type Handlers struct {
	conns     connection.Repository
	sealer    *crypto.Sealer
	auth      *smartauth.Manager
	orch      *orchestrator.Orchestrator
	bulk      *bulkexport.Runner
	router    *telemetry.Router
	incidents complianceincident.Repository
	rotator   *telemetry.Rotator
	retention telemetry.RetentionPolicy
	receipts  webhook.ReceiptStore
	notifier  notification.Dispatcher

	webhookSecret string
	sigHeader     string
	log           zerolog.Logger
}

// HandlerDeps collects the handlers' collaborators.
type HandlerDeps struct {
	Conns         connection.Repository
	Sealer        *crypto.Sealer
	Auth          *smartauth.Manager
	Orch          *orchestrator.Orchestrator
	Bulk          *bulkexport.Runner
	Router        *telemetry.Router
	Incidents     complianceincident.Repository
	Rotator       *telemetry.Rotator
	Retention     telemetry.RetentionPolicy
	Receipts      webhook.ReceiptStore
	Notifier      notification.Dispatcher
	WebhookSecret string
	SigHeader     string
}

func NewHandlers(d HandlerDeps, log zerolog.Logger) *Handlers {
	if d.SigHeader == "" {
		d.SigHeader = webhook.DefaultSignatureHeader
	}
	if d.Notifier == nil {
		d.Notifier = notification.NopDispatcher{}
	}
	return &Handlers{
		conns:         d.Conns,
		sealer:        d.Sealer,
		auth:          d.Auth,
		orch:          d.Orch,
		bulk:          d.Bulk,
		router:        d.Router,
		incidents:     d.Incidents,
		rotator:       d.Rotator,
		retention:     d.Retention,
		receipts:      d.Receipts,
		notifier:      d.Notifier,
		webhookSecret: d.WebhookSecret,
		sigHeader:     d.SigHeader,
		log:           log,
	}
}

// RegisterRoutes mounts the public surface on root and the restricted
// surface on admin (the caller wraps admin with its auth middleware).
func (h *Handlers) RegisterRoutes(root, admin *echo.Group) {
	root.POST("/ehr/connect", h.Connect)
	root.POST("/ehr/authorize", h.Authorize)
	root.GET("/ehr/connections", h.ListConnections)
	root.DELETE("/ehr/connections", h.RevokeConnection)

	root.POST("/ehr/sync", h.EnqueueSync)
	root.GET("/ehr/sync", h.SyncStatus)
	root.GET("/ehr/sync/stats", h.SyncStats)

	root.POST("/ehr/:vendor/bulk-export", h.StartBulkExport)
	root.GET("/ehr/:vendor/bulk-export/:jobId", h.PollBulkExport)
	root.POST("/ehr/:vendor/bulk-export/:jobId/process", h.ProcessBulkExport)

	root.POST("/webhooks/:vendor", h.ReceiveWebhook)

	admin.GET("/logs/stats", h.LogStats)
	admin.POST("/logs/rotate", h.RotateLogs)
	admin.POST("/logs/cleanup", h.CleanupLogs)
	admin.POST("/logs/dedup", h.DedupStats)

	admin.GET("/compliance/incidents", h.ListIncidents)
	admin.POST("/compliance/incidents", h.CreateIncident)
	admin.GET("/compliance/incidents/:id", h.GetIncident)
	admin.POST("/compliance/incidents/:id/status", h.TransitionIncident)
	admin.GET("/compliance/incidents/:id/audit", h.IncidentAudit)
}

type connectRequest struct {
	UserID           string `json:"userId"`
	Vendor           string `json:"vendor"`
	FHIRBaseURL      string `json:"fhirBaseUrl"`
	AuthorizationURL string `json:"authorizationUrl"`
	TokenURL         string `json:"tokenUrl"`
	ClientID         string `json:"clientId"`
	ClientSecret     string `json:"clientSecret,omitempty"`
	RedirectURI      string `json:"redirectUri"`
}

// Connect creates a connection in PENDING_AUTH and starts the SMART
// authorization flow.
func (h *Handlers) Connect(c echo.Context) error {
	var req connectRequest
	if err := c.Bind(&req); err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
	}
	for field, val := range map[string]string{
		"userId": req.UserID, "vendor": req.Vendor, "fhirBaseUrl": req.FHIRBaseURL,
		"authorizationUrl": req.AuthorizationURL, "tokenUrl": req.TokenURL,
		"clientId": req.ClientID, "redirectUri": req.RedirectURI,
	} {
		if val == "" {
			return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", field+" is required")
		}
	}
	if !connection.ValidVendors[connection.Vendor(req.Vendor)] {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "unknown vendor "+req.Vendor)
	}

	conn := &connection.Connection{
		ID:               uuid.New(),
		UserID:           req.UserID,
		Vendor:           connection.Vendor(req.Vendor),
		FHIRBaseURL:      req.FHIRBaseURL,
		AuthorizationURL: req.AuthorizationURL,
		TokenURL:         req.TokenURL,
		ClientID:         req.ClientID,
		RedirectURI:      req.RedirectURI,
		Status:           connection.StatusPendingAuth,
	}
	if req.ClientSecret != "" {
		sealed, err := h.sealer.Seal(req.ClientSecret)
		if err != nil {
			return err
		}
		conn.SealedClientSecret = &sealed
	}
	ctx := c.Request().Context()
	if err := h.conns.Create(ctx, conn); err != nil {
		return err
	}

	authURL, state, err := h.auth.Begin(ctx, conn.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"connectionId":     conn.ID.String(),
		"authorizationUrl": authURL,
		"state":            state,
	})
}

type authorizeRequest struct {
	ConnectionID string `json:"connectionId"`
	Code         string `json:"code"`
	State        string `json:"state"`
	CodeVerifier string `json:"codeVerifier,omitempty"`
}

// Authorize completes the OAuth flow, activating the connection.
func (h *Handlers) Authorize(c echo.Context) error {
	var req authorizeRequest
	if err := c.Bind(&req); err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
	}
	if req.Code == "" || req.State == "" {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "code and state are required")
	}

	ctx := c.Request().Context()
	conn, err := h.auth.Complete(ctx, req.State, req.Code, req.CodeVerifier)
	if err != nil {
		return err
	}

	if derr := h.notifier.Dispatch(ctx, notification.Event{
		Kind:    notification.KindAuthSucceeded,
		Subject: "connection " + conn.ID.String(),
		Body:    "EHR connection " + conn.ID.String() + " (" + string(conn.Vendor) + ") authorized successfully.",
		At:      time.Now().UTC(),
	}); derr != nil {
		h.log.Warn().Err(derr).Msg("auth success notification failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"connection": conn})
}

func (h *Handlers) ListConnections(c echo.Context) error {
	userID := c.QueryParam("userId")
	if userID == "" {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "userId query parameter is required")
	}
	conns, err := h.conns.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"connections": conns})
}

// RevokeConnection transitions a connection to REVOKED — terminal, per
// the connection lifecycle.
func (h *Handlers) RevokeConnection(c echo.Context) error {
	id, err := uuid.Parse(c.QueryParam("connectionId"))
	if err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "connectionId query parameter is required")
	}
	ctx := c.Request().Context()
	conn, err := h.conns.GetByID(ctx, id)
	if err != nil {
		return newAPIError(http.StatusNotFound, "NOT_FOUND", "connection not found")
	}
	if !conn.CanTransitionTo(connection.StatusRevoked) {
		return newAPIError(http.StatusConflict, "CONFLICT", "connection is already revoked")
	}
	if err := h.conns.UpdateStatus(ctx, id, connection.StatusRevoked); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type syncRequest struct {
	ConnectionID      string `json:"connectionId"`
	SyncType          string `json:"syncType"`
	DownloadDocuments bool   `json:"downloadDocuments,omitempty"`
	ResourceType      string `json:"resourceType,omitempty"`
	Priority          int    `json:"priority,omitempty"`
}

// EnqueueSync creates a sync job for the connection.
func (h *Handlers) EnqueueSync(c echo.Context) error {
	var req syncRequest
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

	jobType := syncjob.JobType(req.SyncType)
	if jobType == "" {
		jobType = syncjob.JobTypeIncremental
	}

	cfg := orchestrator.JobConfig{
		JobType:      jobType,
		Direction:    syncjob.DirectionInbound,
		Priority:     req.Priority,
		ConnectionID: connID,
		UserID:       conn.UserID,
	}
	if req.ResourceType != "" {
		cfg.ResourceTypeFilter = &req.ResourceType
	}
	if req.DownloadDocuments {
		cfg.Filter = map[string]string{"downloadDocuments": "true"}
	}

	jobID, err := h.orch.Enqueue(ctx, cfg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"syncId": jobID.String()})
}

// SyncStatus serves both GET /ehr/sync?syncId= and ?connectionId=.
func (h *Handlers) SyncStatus(c echo.Context) error {
	ctx := c.Request().Context()
	if syncID := c.QueryParam("syncId"); syncID != "" {
		id, err := uuid.Parse(syncID)
		if err != nil {
			return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "syncId is not a valid id")
		}
		job, err := h.orch.Status(ctx, id)
		if err != nil {
			return newAPIError(http.StatusNotFound, "NOT_FOUND", "sync job not found")
		}
		return c.JSON(http.StatusOK, job)
	}

	connParam := c.QueryParam("connectionId")
	if connParam == "" {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "syncId or connectionId is required")
	}
	connID, err := uuid.Parse(connParam)
	if err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "connectionId is not a valid id")
	}
	p := pagination.FromContext(c)
	history, err := h.orch.History(ctx, connID, p.Limit, p.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": history})
}

// SyncStats summarizes a connection's job outcomes over a window
// (windowHours, default 24).
func (h *Handlers) SyncStats(c echo.Context) error {
	connID, err := uuid.Parse(c.QueryParam("connectionId"))
	if err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "connectionId is required")
	}
	stats, err := h.orch.Stats(c.Request().Context(), connID, parseWindow(c.QueryParam("windowHours")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func parseWindow(raw string) time.Duration {
	if raw == "" {
		return 24 * time.Hour
	}
	if hours, err := strconv.Atoi(raw); err == nil && hours > 0 {
		return time.Duration(hours) * time.Hour
	}
	return 24 * time.Hour
}
