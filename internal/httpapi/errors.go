// Package httpapi exposes the integration core over HTTP: connection
// and authorization endpoints, sync job control, bulk export control,
// the inbound vendor webhook receiver, and the restricted admin surface
// for telemetry and compliance incidents.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehrcore/ehrcore/internal/orchestrator"
	"github.com/ehrcore/ehrcore/internal/smartauth"
)

// ErrorBody is the inner error object of the response envelope.
type ErrorBody struct {
	Message    string      `json:"message"`
	Code       string      `json:"code"`
	StatusCode int         `json:"statusCode"`
	Details    interface{} `json:"details,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	RequestID  string      `json:"requestId"`
}

// Envelope is the error response shape every endpoint returns on failure.
type Envelope struct {
	Error ErrorBody `json:"error"`
}

// apiError carries a code and status through the echo error handler.
type apiError struct {
	code    string
	status  int
	message string
	details interface{}
}

func (e *apiError) Error() string { return e.message }

func newAPIError(status int, code, message string) *apiError {
	return &apiError{code: code, status: status, message: message}
}

// ErrorHandler translates every error escaping a handler into the
// envelope, classifying well-known error types into their §6 status
// codes. Stack traces never reach the client.
func ErrorHandler(log zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		code := "SYSTEM_ERROR"
		message := "internal error"
		var details interface{}

		var ae *apiError
		var he *echo.HTTPError
		var ve *orchestrator.ValidationError
		switch {
		case errors.As(err, &ae):
			status, code, message, details = ae.status, ae.code, ae.message, ae.details
		case errors.As(err, &ve):
			status, code, message = http.StatusBadRequest, "VALIDATION_ERROR", ve.Error()
		case errors.Is(err, orchestrator.ErrQueueFull):
			status, code, message = http.StatusServiceUnavailable, "QUEUE_FULL", "sync queue is full, retry later"
		case errors.Is(err, orchestrator.ErrNotCancellable):
			status, code, message = http.StatusConflict, "JOB_NOT_CANCELLABLE", err.Error()
		case errors.Is(err, orchestrator.ErrNotRetryable):
			status, code, message = http.StatusConflict, "JOB_NOT_RETRYABLE", err.Error()
		case errors.Is(err, smartauth.ErrInvalidState):
			status, code, message = http.StatusBadRequest, "INVALID_STATE", "authorization state is invalid or expired"
		case errors.Is(err, smartauth.ErrExchangeFailed):
			status, code, message = http.StatusBadGateway, "AUTH_EXCHANGE_FAILED", "token exchange with the vendor failed"
		case errors.As(err, &he):
			status = he.Code
			code = codeForStatus(status)
			if s, ok := he.Message.(string); ok {
				message = s
			} else {
				message = http.StatusText(status)
			}
		}

		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		if status >= 500 {
			log.Error().Err(err).Str("requestId", requestID).Str("path", c.Path()).Msg("request failed")
		}

		env := Envelope{Error: ErrorBody{
			Message:    message,
			Code:       code,
			StatusCode: status,
			Details:    details,
			Timestamp:  time.Now().UTC(),
			RequestID:  requestID,
		}}
		if jerr := c.JSON(status, env); jerr != nil {
			log.Error().Err(jerr).Msg("write error envelope")
		}
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "VALIDATION_ERROR"
	case http.StatusUnauthorized:
		return "AUTHORIZATION_ERROR"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	case http.StatusUnprocessableEntity:
		return "BUSINESS_RULE_VIOLATION"
	case http.StatusLocked:
		return "RESOURCE_LOCKED"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusBadGateway:
		return "EXTERNAL_SERVICE_ERROR"
	case http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "SYSTEM_ERROR"
	}
}
