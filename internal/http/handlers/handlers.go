package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/crisisline/backend/internal/http/middleware"
	"github.com/crisisline/backend/internal/realtime"
	"github.com/crisisline/backend/internal/service"
)

// Pinger is anything the health check should reach.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Store       service.Store
	Bus         Pinger
	Intake      *service.Intake
	Coordinator *service.Coordinator
	Messages    *service.Messages
	Gate        *service.Gate
	Relay       *realtime.Relay
	Validator   *validator.Validate
	Upgrader    websocket.Upgrader
	Logger      zerolog.Logger
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// @Summary Health check
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} ErrorResponse
// @Router /healthz [get]
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	if h.Bus != nil {
		if err := h.Bus.Ping(ctx); err != nil {
			writeError(c, http.StatusServiceUnavailable, "BUS_UNAVAILABLE", "Realtime bus unavailable", err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

// writeServiceError renders the service error taxonomy. Permission and
// access failures never say who owns what.
func (h *Handler) writeServiceError(c *gin.Context, err error) {
	var transient *service.TransientStoreError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid input", err.Error())
	case errors.Is(err, service.ErrNoAccess):
		writeError(c, http.StatusForbidden, "NO_ACCESS", "No access", nil)
	case errors.Is(err, service.ErrForbidden):
		writeError(c, http.StatusForbidden, "FORBIDDEN", "You do not have permission to do that", nil)
	case errors.Is(err, service.ErrNotAHelper):
		writeError(c, http.StatusForbidden, "NOT_A_HELPER", "Only helpers can claim requests", nil)
	case errors.Is(err, service.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Request not found", nil)
	case errors.Is(err, service.ErrAlreadyClaimed):
		writeError(c, http.StatusConflict, "ALREADY_CLAIMED", "This request was just claimed by someone else", nil)
	case errors.Is(err, service.ErrClosed):
		writeError(c, http.StatusConflict, "REQUEST_CLOSED", "This request is closed", nil)
	case errors.Is(err, realtime.ErrRelayFull):
		writeError(c, http.StatusConflict, "SESSION_FULL", "This session already has two participants", nil)
	case errors.As(err, &transient):
		h.Logger.Error().Err(err).Str("request_id", requestID(c)).Msg("store unavailable")
		writeError(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Temporarily unavailable, please retry", nil)
	default:
		h.Logger.Error().Err(err).Str("request_id", requestID(c)).Msg("unhandled error")
		writeError(c, http.StatusInternalServerError, "INTERNAL", "Something went wrong", nil)
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(middleware.RequestIDHeader)
}

// afterCursor reads the ?after= polling cursor. Missing means from the start.
func afterCursor(c *gin.Context) (int64, bool) {
	raw := c.Query("after")
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
