// Package http exposes the pairing API over gin: match, message, leave and
// cancel requests, the subscription grant endpoint, a session poll, health,
// Prometheus metrics and the WebSocket upgrade.
package http

import (
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/whisper/duochat/internal/metrics"
	"github.com/whisper/duochat/internal/ratelimit"
)

// Gateway is the push gateway as seen by the HTTP layer.
type Gateway interface {
	HandleUpgrade(w stdhttp.ResponseWriter, r *stdhttp.Request)
	ConnectionCount() int
	Uptime() time.Duration
}

// Options configures NewServer.
type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	Service           Service
	Grants            Granter
	Gateway           Gateway           // optional; /ws and connection stats are skipped without it
	Limiter           ratelimit.Limiter // optional
}

// NewServer builds the HTTP server with all routes mounted.
func NewServer(opts Options, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              opts.Addr,
		Handler:           NewRouter(opts, logger),
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
	}
}

// NewRouter returns the gin engine serving the API.
func NewRouter(opts Options, logger *zerolog.Logger) *gin.Engine {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), LoggerMiddleware(logger))

	h := NewAPIHandlers(opts.Service, opts.Grants, opts.Limiter, logger)
	api := r.Group("/api")
	{
		api.POST("/match", h.Match)
		api.POST("/message", h.Message)
		api.POST("/leave", h.Leave)
		api.POST("/disconnect", h.Leave)
		api.POST("/cancel", h.Cancel)
		api.POST("/auth", h.Auth)
		api.GET("/session/:userId", h.Session)
	}

	r.GET("/health", healthHandler(opts.Gateway))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	if opts.Gateway != nil {
		r.GET("/ws", gin.WrapF(opts.Gateway.HandleUpgrade))
	}
	return r
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

func healthHandler(gw Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := HealthResponse{Status: "ok"}
		if gw != nil {
			resp.Connections = gw.ConnectionCount()
			resp.Uptime = gw.Uptime().Truncate(time.Second).String()
		}
		c.JSON(stdhttp.StatusOK, resp)
	}
}
