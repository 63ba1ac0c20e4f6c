package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/crisisline/backend/internal/config"
	"github.com/crisisline/backend/internal/http/handlers"
	"github.com/crisisline/backend/internal/http/middleware"
	"github.com/crisisline/backend/internal/realtime"
	"github.com/crisisline/backend/internal/service"

	_ "github.com/crisisline/backend/docs"
)

// Services is everything the HTTP layer calls into.
type Services struct {
	Store       service.Store
	Bus         handlers.Pinger
	Intake      *service.Intake
	Coordinator *service.Coordinator
	Messages    *service.Messages
	Gate        *service.Gate
	Relay       *realtime.Relay
	Metrics     http.Handler
}

func Router(cfg config.Config, svc Services, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id", "X-Actor-Id", "X-Reference-Code"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" || strings.TrimSpace(cfg.CORSAllowed) == "" {
		corsCfg.AllowAllOrigins = true
		// credentials cannot be combined with a wildcard origin
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = splitOrigins(cfg.CORSAllowed)
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Store:       svc.Store,
		Bus:         svc.Bus,
		Intake:      svc.Intake,
		Coordinator: svc.Coordinator,
		Messages:    svc.Messages,
		Gate:        svc.Gate,
		Relay:       svc.Relay,
		Validator:   validator.New(),
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(cfg.CORSAllowed),
		},
		Logger: logger,
	}

	r.GET("/healthz", h.Healthz)
	metricsHandler := svc.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.GET("/metrics", gin.WrapH(metricsHandler))

	api := r.Group("/api")

	adapter := api.Group("")
	adapter.Use(middleware.AdminKey(cfg.AdminKey))
	{
		adapter.POST("/intake", h.IntakePost)
		adapter.PUT("/profiles/:id", h.UpsertProfile)
	}

	actor := api.Group("")
	actor.Use(middleware.Actor(cfg.ActorProxyKey))
	{
		actor.GET("/queue", h.QueueList)
		actor.GET("/queue/stream", h.QueueStream)
		actor.GET("/requests/:id", h.RequestDetails)
		actor.POST("/requests/:id/claim", h.Claim)
		actor.POST("/requests/:id/close", h.Close)
		actor.GET("/requests/:id/messages", h.MessagesList)
		actor.POST("/requests/:id/messages", h.MessagesPost)
		actor.GET("/requests/:id/stream", h.MessagesStream)
		actor.GET("/requests/:id/signal", h.Signal)
	}

	access := api.Group("/access")
	access.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.GateRatePerSec, cfg.GateBurst)))
	{
		access.POST("/verify", h.AccessVerify)
		access.GET("/:id/messages", h.AccessMessagesList)
		access.POST("/:id/messages", h.AccessMessagesPost)
		access.GET("/:id/stream", h.AccessStream)
		access.GET("/:id/signal", h.AccessSignal)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// checkOrigin mirrors the CORS allow list for websocket upgrades, which
// browsers do not preflight.
func checkOrigin(allowed string) func(r *http.Request) bool {
	if allowed == "*" || strings.TrimSpace(allowed) == "" {
		return func(r *http.Request) bool { return true }
	}
	origins := map[string]bool{}
	for _, o := range splitOrigins(allowed) {
		origins[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return origins[u.Scheme+"://"+u.Host]
	}
}
