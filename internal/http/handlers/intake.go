package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/service"
)

type IntakeRequest struct {
	Channel       string `json:"channel" validate:"required,oneof=web sms whatsapp voice bot"`
	ExternalID    string `json:"external_id" validate:"omitempty,max=256"`
	UserID        string `json:"user_id" validate:"omitempty,max=256"`
	ReferenceCode string `json:"reference_code" validate:"omitempty,max=16"`
	Text          string `json:"text" validate:"required,max=4000"`
}

type IntakeResponse struct {
	RequestID     string `json:"request_id"`
	ReferenceCode string `json:"reference_code"`
	Status        string `json:"status"`
	ReplyText     string `json:"reply_text,omitempty"`
	Created       bool   `json:"created"`
}

// @Summary Ingest an inbound contact
// @Description Called by channel adapters. Finds or creates the caller's active request, triages it and returns the synchronous reply for reply channels.
// @Tags intake
// @Accept json
// @Produce json
// @Param X-Admin-Key header string true "adapter key"
// @Param payload body IntakeRequest true "inbound contact"
// @Success 200 {object} IntakeResponse
// @Success 201 {object} IntakeResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/intake [post]
func (h *Handler) IntakePost(c *gin.Context) {
	var payload IntakeRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(payload); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	res, err := h.Intake.Ingest(c.Request.Context(), service.IngestEvent{
		Channel:       models.Channel(payload.Channel),
		ExternalID:    payload.ExternalID,
		UserID:        payload.UserID,
		ReferenceCode: payload.ReferenceCode,
		Text:          payload.Text,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, IntakeResponse{
		RequestID:     res.RequestID,
		ReferenceCode: res.ReferenceCode,
		Status:        string(res.Status),
		ReplyText:     res.ReplyText,
		Created:       res.Created,
	})
}

type ProfileRequest struct {
	IsHelper *bool `json:"is_helper" validate:"required"`
}

// @Summary Create or update a profile
// @Tags profiles
// @Accept json
// @Produce json
// @Param X-Admin-Key header string true "adapter key"
// @Param id path string true "profile id"
// @Param payload body ProfileRequest true "profile"
// @Success 200 {object} models.Profile
// @Failure 400 {object} ErrorResponse
// @Router /api/profiles/{id} [put]
func (h *Handler) UpsertProfile(c *gin.Context) {
	var payload ProfileRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(payload); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	p, err := h.Coordinator.RegisterProfile(c.Request.Context(), models.Profile{ID: c.Param("id"), IsHelper: *payload.IsHelper})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
