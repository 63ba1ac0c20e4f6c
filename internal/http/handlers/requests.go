package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/crisisline/backend/internal/http/middleware"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/service"
)

// @Summary Helper queue
// @Description Waiting requests, urgent first, then by risk, then oldest.
// @Tags queue
// @Produce json
// @Param X-Actor-Id header string true "actor id"
// @Param limit query int false "max items (default 50, max 200)"
// @Success 200 {array} models.Request
// @Failure 403 {object} ErrorResponse
// @Router /api/queue [get]
func (h *Handler) QueueList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	reqs, err := h.Coordinator.ListQueue(c.Request.Context(), middleware.ActorID(c), limit)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, reqs)
}

type ClaimConflict struct {
	Error ErrorBody       `json:"error"`
	Next  *models.Request `json:"next,omitempty"`
}

// @Summary Claim a request
// @Description Exactly one concurrent claimant wins. A loser gets 409 with the next request in the queue, if any.
// @Tags requests
// @Produce json
// @Param X-Actor-Id header string true "helper id"
// @Param id path string true "request id"
// @Success 200 {object} models.Request
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ClaimConflict
// @Router /api/requests/{id}/claim [post]
func (h *Handler) Claim(c *gin.Context) {
	ctx := c.Request.Context()
	req, err := h.Coordinator.Claim(ctx, c.Param("id"), middleware.ActorID(c))
	if errors.Is(err, service.ErrAlreadyClaimed) {
		body := ClaimConflict{Error: ErrorBody{Code: "ALREADY_CLAIMED", Message: "This request was just claimed by someone else"}}
		if next, ok, nerr := h.Coordinator.NextInQueue(ctx, middleware.ActorID(c)); nerr == nil && ok {
			body.Next = &next
		}
		c.JSON(http.StatusConflict, body)
		return
	}
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// @Summary Close a request
// @Description Idempotent. Owners close their own requests; helpers close requests without an owner.
// @Tags requests
// @Produce json
// @Param X-Actor-Id header string true "actor id"
// @Param id path string true "request id"
// @Success 200 {object} models.Request
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/requests/{id}/close [post]
func (h *Handler) Close(c *gin.Context) {
	req, err := h.Coordinator.Close(c.Request.Context(), c.Param("id"), middleware.ActorID(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// @Summary Request details
// @Tags requests
// @Produce json
// @Param X-Actor-Id header string true "actor id"
// @Param id path string true "request id"
// @Success 200 {object} models.Request
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/requests/{id} [get]
func (h *Handler) RequestDetails(c *gin.Context) {
	req, err := h.Coordinator.View(c.Request.Context(), c.Param("id"), middleware.ActorID(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// @Summary List messages
// @Description Ascending by id. Pass the last seen id as after to poll for new ones.
// @Tags messages
// @Produce json
// @Param X-Actor-Id header string true "actor id"
// @Param id path string true "request id"
// @Param after query int false "return ids greater than this"
// @Success 200 {array} models.Message
// @Router /api/requests/{id}/messages [get]
func (h *Handler) MessagesList(c *gin.Context) {
	after, ok := afterCursor(c)
	if !ok {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "after must be a non-negative integer", nil)
		return
	}
	msgs, err := h.Messages.ListFor(c.Request.Context(), c.Param("id"), middleware.ActorID(c), after)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

type MessageRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

// @Summary Send a message
// @Tags messages
// @Accept json
// @Produce json
// @Param X-Actor-Id header string true "actor id"
// @Param id path string true "request id"
// @Param payload body MessageRequest true "message"
// @Success 201 {object} models.Message
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/requests/{id}/messages [post]
func (h *Handler) MessagesPost(c *gin.Context) {
	var payload MessageRequest
	if !h.bindMessage(c, &payload) {
		return
	}
	msg, err := h.Messages.PostAs(c.Request.Context(), c.Param("id"), middleware.ActorID(c), payload.Content)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) bindMessage(c *gin.Context, payload *MessageRequest) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return false
	}
	if err := h.Validator.Struct(payload); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return false
	}
	return true
}
