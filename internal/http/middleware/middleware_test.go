package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestIDGeneratesUUID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(RequestIDHeader)) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(w.Header().Get(RequestIDHeader))
	assert.NoError(t, err)
	assert.Equal(t, w.Header().Get(RequestIDHeader), w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	assert.Equal(t, "abc", serve(r, req).Header().Get(RequestIDHeader))
}

func TestAdminKey(t *testing.T) {
	r := gin.New()
	r.GET("/", AdminKey("secret"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusUnauthorized, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Admin-Key", "secret")
	assert.Equal(t, http.StatusNoContent, serve(r, req).Code)
}

func TestActor(t *testing.T) {
	r := gin.New()
	r.GET("/", Actor(""), func(c *gin.Context) { c.String(http.StatusOK, ActorID(c)) })

	assert.Equal(t, http.StatusUnauthorized, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorIDHeader, " helper-1 ")
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "helper-1", w.Body.String())
}

func TestActorRequiresProxyKey(t *testing.T) {
	r := gin.New()
	r.GET("/", Actor("proxy-secret"), func(c *gin.Context) { c.String(http.StatusOK, ActorID(c)) })

	forged := httptest.NewRequest(http.MethodGet, "/", nil)
	forged.Header.Set(ActorIDHeader, "helper-1")
	w := serve(r, forged)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	wrong := httptest.NewRequest(http.MethodGet, "/", nil)
	wrong.Header.Set(ActorIDHeader, "helper-1")
	wrong.Header.Set(ProxyKeyHeader, "guess")
	assert.Equal(t, http.StatusUnauthorized, serve(r, wrong).Code)

	proxied := httptest.NewRequest(http.MethodGet, "/", nil)
	proxied.Header.Set(ActorIDHeader, "helper-1")
	proxied.Header.Set(ProxyKeyHeader, "proxy-secret")
	w = serve(r, proxied)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "helper-1", w.Body.String())
}

func TestRateLimitPerIP(t *testing.T) {
	r := gin.New()
	r.GET("/", RateLimit(NewRateLimiter(0.001, 2)), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	from := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		return serve(r, req).Code
	}
	assert.Equal(t, http.StatusNoContent, from("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, from("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, from("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, from("10.0.0.2"))
}
