package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/crisisline/backend/internal/db"
	"github.com/crisisline/backend/internal/realtime"
	"github.com/crisisline/backend/internal/service"
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("down") }

func TestHealthzIntegration(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	store, err := db.New(context.Background(), url)
	if err != nil {
		t.Fatalf("db connect: %v", err)
	}
	defer store.Close()

	h := &Handler{Store: store, Logger: zerolog.Nop()}

	r := gin.New()
	r.GET("/healthz", h.Healthz)

	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHealthzReportsBus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &Handler{Store: db.NewMemoryStore(), Bus: failingPinger{}, Logger: zerolog.Nop()}
	r := gin.New()
	r.GET("/healthz", h.Healthz)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "BUS_UNAVAILABLE")
}

func TestWriteServiceErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &Handler{Logger: zerolog.Nop()}
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{service.ErrInvalidInput, http.StatusBadRequest, "VALIDATION_ERROR"},
		{service.ErrNoAccess, http.StatusForbidden, "NO_ACCESS"},
		{service.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{service.ErrNotAHelper, http.StatusForbidden, "NOT_A_HELPER"},
		{db.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{db.ErrAlreadyClaimed, http.StatusConflict, "ALREADY_CLAIMED"},
		{db.ErrClosed, http.StatusConflict, "REQUEST_CLOSED"},
		{realtime.ErrRelayFull, http.StatusConflict, "SESSION_FULL"},
		{&service.TransientStoreError{Op: "x", Attempts: 3, Err: errors.New("conn reset")}, http.StatusServiceUnavailable, "STORE_UNAVAILABLE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		h.writeServiceError(c, tc.err)
		assert.Equal(t, tc.status, w.Code, tc.code)
		assert.Contains(t, w.Body.String(), `"code":"`+tc.code+`"`)
	}
}
