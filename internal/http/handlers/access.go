package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ReferenceCodeHeader = "X-Reference-Code"

func referenceCode(c *gin.Context) string {
	if code := strings.TrimSpace(c.GetHeader(ReferenceCodeHeader)); code != "" {
		return code
	}
	return c.Query("code")
}

type VerifyRequest struct {
	RequestID     string `json:"request_id" validate:"required,max=64"`
	ReferenceCode string `json:"reference_code" validate:"required,max=16"`
}

// @Summary Check a reference code
// @Description Wrong code, closed request and unknown id all answer false.
// @Tags access
// @Accept json
// @Produce json
// @Param payload body VerifyRequest true "request id and code"
// @Success 200 {object} map[string]bool
// @Failure 429 {object} ErrorResponse
// @Router /api/access/verify [post]
func (h *Handler) AccessVerify(c *gin.Context) {
	var payload VerifyRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(payload); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	ok, err := h.Gate.Verify(c.Request.Context(), payload.RequestID, payload.ReferenceCode)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": ok})
}

// @Summary List messages with a reference code
// @Tags access
// @Produce json
// @Param X-Reference-Code header string false "reference code (or code query)"
// @Param id path string true "request id"
// @Param after query int false "return ids greater than this"
// @Success 200 {array} models.Message
// @Failure 403 {object} ErrorResponse
// @Router /api/access/{id}/messages [get]
func (h *Handler) AccessMessagesList(c *gin.Context) {
	after, ok := afterCursor(c)
	if !ok {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "after must be a non-negative integer", nil)
		return
	}
	msgs, err := h.Gate.List(c.Request.Context(), c.Param("id"), referenceCode(c), after)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// @Summary Send a message with a reference code
// @Tags access
// @Accept json
// @Produce json
// @Param X-Reference-Code header string false "reference code (or code query)"
// @Param id path string true "request id"
// @Param payload body MessageRequest true "message"
// @Success 201 {object} models.Message
// @Failure 403 {object} ErrorResponse
// @Router /api/access/{id}/messages [post]
func (h *Handler) AccessMessagesPost(c *gin.Context) {
	var payload MessageRequest
	if !h.bindMessage(c, &payload) {
		return
	}
	msg, err := h.Gate.Append(c.Request.Context(), c.Param("id"), referenceCode(c), payload.Content)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
