package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehrcore/ehrcore/internal/domain/connection"
	"github.com/ehrcore/ehrcore/internal/domain/syncjob"
	"github.com/ehrcore/ehrcore/internal/orchestrator"
	"github.com/ehrcore/ehrcore/internal/platform/webhook"
)

// webhookPriority is the queue priority vendor pushes enqueue at — HIGH,
// one step below critical.
const webhookPriority = 2

// ReceiveWebhook accepts a vendor push: verifies the HMAC signature
// constant-time, parses the event, and enqueues a WEBHOOK sync job.
// Unknown event types are recorded IGNORED; unsigned or invalid bodies
// are recorded FAILED and enqueue nothing.
func (h *Handlers) ReceiveWebhook(c echo.Context) error {
	vendorTag := c.Param("vendor")
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "unreadable body")
	}

	record := func(status webhook.ReceiptStatus, ev *webhook.InboundEvent, detail string) {
		r := &webhook.Receipt{Vendor: vendorTag, Status: status, Detail: detail}
		if ev != nil {
			r.EventType = ev.EventType
			r.EventID = ev.EventID
		}
		if rerr := h.receipts.Record(r); rerr != nil {
			h.log.Warn().Err(rerr).Msg("webhook receipt not recorded")
		}
	}

	signature := c.Request().Header.Get(h.sigHeader)
	if signature == "" || h.webhookSecret == "" || !webhook.Verify(body, h.webhookSecret, signature) {
		record(webhook.ReceiptFailed, nil, "missing or invalid signature")
		return newAPIError(http.StatusUnauthorized, "AUTHORIZATION_ERROR", "invalid webhook signature")
	}

	var ev webhook.InboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		record(webhook.ReceiptFailed, nil, "unparseable body")
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "body is not a valid webhook event")
	}

	if !webhook.KnownEventType(ev.EventType) {
		record(webhook.ReceiptIgnored, &ev, "unknown event type")
		return c.JSON(http.StatusOK, map[string]string{"status": "IGNORED"})
	}

	connID, err := h.connectionForWebhook(c, vendorTag, &ev)
	if err != nil {
		record(webhook.ReceiptFailed, &ev, err.Error())
		return err
	}

	ctx := c.Request().Context()
	conn, err := h.conns.GetByID(ctx, connID)
	if err != nil {
		record(webhook.ReceiptFailed, &ev, "connection not found")
		return newAPIError(http.StatusNotFound, "NOT_FOUND", "connection not found")
	}

	jobID, err := h.orch.Enqueue(ctx, orchestrator.JobConfig{
		JobType:      syncjob.JobTypeWebhook,
		Direction:    syncjob.DirectionInbound,
		Priority:     webhookPriority,
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Filter: map[string]string{
			"resourceType": ev.ResourceType,
			"resourceId":   ev.ResourceID,
			"action":       ev.Action,
			"eventId":      ev.EventID,
		},
	})
	if err != nil {
		record(webhook.ReceiptFailed, &ev, err.Error())
		return err
	}

	receipt := &webhook.Receipt{
		Vendor:    vendorTag,
		EventType: ev.EventType,
		EventID:   ev.EventID,
		Status:    webhook.ReceiptProcessed,
		JobID:     &jobID,
	}
	if rerr := h.receipts.Record(receipt); rerr != nil {
		h.log.Warn().Err(rerr).Msg("webhook receipt not recorded")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "PROCESSED", "syncId": jobID.String()})
}

// connectionForWebhook resolves which connection a push belongs to: an
// explicit connectionId in the event data wins; otherwise the vendor's
// single ACTIVE connection for the event's user.
func (h *Handlers) connectionForWebhook(c echo.Context, vendorTag string, ev *webhook.InboundEvent) (uuid.UUID, error) {
	var data struct {
		ConnectionID string `json:"connectionId"`
		UserID       string `json:"userId"`
	}
	if len(ev.Data) > 0 {
		_ = json.Unmarshal(ev.Data, &data)
	}
	if data.ConnectionID != "" {
		id, perr := uuid.Parse(data.ConnectionID)
		if perr != nil {
			return uuid.Nil, newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "data.connectionId is not a valid id")
		}
		return id, nil
	}
	if data.UserID != "" {
		conns, lerr := h.conns.ListByUser(c.Request().Context(), data.UserID)
		if lerr == nil {
			for _, conn := range conns {
				if string(conn.Vendor) == vendorTag && conn.Status == connection.StatusActive {
					return conn.ID, nil
				}
			}
		}
	}
	return uuid.Nil, newAPIError(http.StatusUnprocessableEntity, "BUSINESS_RULE_VIOLATION", "event does not resolve to a connection")
}
