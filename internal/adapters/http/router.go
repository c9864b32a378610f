// Package http is lobbyd's gin front: the directory REST API under /api, the relay
// websocket endpoint, health and prometheus metrics.
package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/relaylobby/internal/adapters/relayhub"
	"github.com/dkeye/relaylobby/internal/config"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestIDMiddleware tags every request with the caller's X-Request-ID or a fresh uuid.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Header(requestIDHeader, rid)
		c.Next()
	}
}

// SetupRouter mounts the directory API, the relay hub and the operational endpoints.
// ctx bounds every relay peer; gatherer may be nil to skip /metrics.
func SetupRouter(ctx context.Context, cfg *config.Config, api *DirectoryAPI, hub *relayhub.Hub, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": hub.Peers()})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api.Register(r.Group("/api"))

	r.GET("/ws/relay", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("rid", c.GetString(requestIDKey)).
			Str("identity", c.Query("identity")).Msg("ws relay endpoint hit")
		hub.ServeWS(ctx, c.Writer, c.Request)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
