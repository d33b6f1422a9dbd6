// Package httpapi wires the HTTP transport (Gin) to the realtime core,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, compression and rate limiting.
//
// Route groups:
//   - /ws                       realtime connections (WebSocket)
//   - /api/v1/...               public reads, Bearer token
//   - /internal/v1/...          gateway bridge for CRUD services, shared secret
//   - /health, /metrics, /swagger/*any
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/config"
	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/fanout"
	"github.com/tbourn/go-chat-realtime/internal/http/handlers"
	"github.com/tbourn/go-chat-realtime/internal/http/middleware"
	"github.com/tbourn/go-chat-realtime/internal/realtime"
	"github.com/tbourn/go-chat-realtime/internal/repo"
	"github.com/tbourn/go-chat-realtime/internal/services"
)

// storeShim adapts the repository free functions to the services.SessionRepo
// and services.GatewayRepo interfaces.
type storeShim struct{}

// IsParticipant proxies repo.IsParticipant.
func (storeShim) IsParticipant(ctx context.Context, db *gorm.DB, conversationID, userID string) (bool, error) {
	return repo.IsParticipant(ctx, db, conversationID, userID)
}

// CreateMessageIdempotent proxies repo.CreateMessageIdempotent.
func (storeShim) CreateMessageIdempotent(ctx context.Context, db *gorm.DB, conversationID, senderID, content, clientMessageID string, ttl time.Duration) (*domain.Message, bool, error) {
	return repo.CreateMessageIdempotent(ctx, db, conversationID, senderID, content, clientMessageID, ttl)
}

// MarkConversationRead proxies repo.MarkConversationRead.
func (storeShim) MarkConversationRead(ctx context.Context, db *gorm.DB, conversationID, userID, messageID string, now time.Time) (*domain.MessageRead, error) {
	return repo.MarkConversationRead(ctx, db, conversationID, userID, messageID, now)
}

// FetchConversationParticipants proxies repo.FetchConversationParticipants.
func (storeShim) FetchConversationParticipants(ctx context.Context, db *gorm.DB, conversationID string) ([]string, error) {
	return repo.FetchConversationParticipants(ctx, db, conversationID)
}

// FetchUserNotificationSettings proxies repo.FetchUserNotificationSettings.
func (storeShim) FetchUserNotificationSettings(ctx context.Context, db *gorm.DB, userID string) (domain.NotificationSettings, error) {
	return repo.FetchUserNotificationSettings(ctx, db, userID)
}

// CountUnreadMessages proxies repo.CountUnreadMessages.
func (storeShim) CountUnreadMessages(ctx context.Context, db *gorm.DB, conversationID, userID string) (int64, error) {
	return repo.CountUnreadMessages(ctx, db, conversationID, userID)
}

// CountUnreadNotifications proxies repo.CountUnreadNotifications.
func (storeShim) CountUnreadNotifications(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountUnreadNotifications(ctx, db, userID)
}

// Fanout is the shared-store link: the gateway publishes through it and
// /health reports its state. *fanout.Adapter satisfies it.
type Fanout interface {
	services.Publisher
	State() fanout.LinkState
}

// PresenceStore answers presence and typing reads and records typing.
// *presence.Tracker satisfies it.
type PresenceStore interface {
	handlers.Presence
	services.TypingStore
}

// Runtime carries the long-lived components started by main.
type Runtime struct {
	DB       *gorm.DB
	Hub      *realtime.Hub
	Fanout   Fanout
	Presence PresenceStore
	Verifier handlers.Verifier
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status" example:"ok"`
	Fanout string            `json:"fanout" example:"connected"`
	Hub    realtime.HubStats `json:"hub"`
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and builds the gateway and session services on top of rt.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with token scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per user/IP)
//  8. CORS and Security headers
//  9. Gzip (never on /ws)
func RegisterRoutes(r *gin.Engine, rt Runtime, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	apiBase := cfg.APIBasePath // e.g. "/api/v1"

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per user/IP. Probes and the WebSocket
	// endpoint are exempt; sockets are limited per connection instead.
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP(),
		"/health", "/metrics", "/ws")
	r.Use(rl.Handler())

	// 8) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.InternalTokenHeader}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:      cfg.Security.EnableHSTS,
		HSTSMaxAge:      cfg.Security.HSTSMaxAge,
		NoStorePrefixes: []string{strings.TrimRight(apiBase, "/") + "/", "/internal/"},
		EnablePolicy:    true,
	}))

	// 9) Compression for JSON responses; hijacked connections must not be wrapped.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/ws", "/metrics"})))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", health(rt))

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/fanout/presence
	gw := services.NewGateway(rt.DB, storeShim{}, rt.Fanout)
	session := services.NewSessionService(rt.DB, storeShim{}, rt.Hub, rt.Presence, gw)
	if cfg.Realtime.MaxContentRunes > 0 {
		session.MaxContentRunes = cfg.Realtime.MaxContentRunes
	}
	if cfg.IdempotencyTTL > 0 {
		session.IdempotencyTTL = cfg.IdempotencyTTL
	}

	h := handlers.New(rt.Hub, rt.Verifier, session, gw, rt.Presence, handlers.WSOptions{
		PingInterval:   cfg.Realtime.PingInterval,
		WriteWait:      cfg.WriteTimeout,
		RateRPS:        cfg.Realtime.RateRPS,
		RateBurst:      cfg.Realtime.RateBurst,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	// Realtime connections
	r.GET("/ws", h.ServeWS)

	// Public reads
	api := groupWithPrefix(r, apiBase)
	api.Use(middleware.BearerAuth(rt.Verifier))
	{
		api.GET("/users/:id/presence", h.GetPresence)
		api.GET("/conversations/:id/typing", h.GetTyping)
	}

	// Gateway bridge for the CRUD services
	internal := r.Group("/internal/v1", middleware.InternalToken(cfg.InternalToken))
	{
		internal.POST("/conversations/:id/messages", h.NotifyMessageSent)
		internal.POST("/conversations/:id/read", h.NotifyMessagesRead)
		internal.POST("/users/:id/notifications", h.NotifyNotificationCreated)
		internal.POST("/users/:id/unread", h.NotifyUnreadCount)
	}
}

// health godoc
// @ID          health
// @Summary     Liveness and fanout link state
// @Description Returns 200 while the fanout link is connected and 503 while it is down or reconnecting.
// @Tags        Ops
// @Produce     json
// @Success     200  {object}  httpapi.HealthResponse
// @Failure     503  {object}  httpapi.HealthResponse
// @Router      /health [get]
func health(rt Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := HealthResponse{Status: "ok", Fanout: fanout.Connected.String()}
		if rt.Fanout != nil {
			resp.Fanout = rt.Fanout.State().String()
		}
		if rt.Hub != nil {
			stats, err := rt.Hub.Stats()
			if err != nil {
				resp.Status = "stopping"
				c.JSON(http.StatusServiceUnavailable, resp)
				return
			}
			resp.Hub = stats
		}
		if resp.Fanout != fanout.Connected.String() {
			resp.Status = "degraded"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
