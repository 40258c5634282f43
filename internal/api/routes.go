package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine for the rolling-restart admin surface.
// Write endpoints require an API key (APIKeyMiddleware); start/cancel/
// validate are additionally rate-limited per-IP to blunt accidental
// hammering of a dangerous endpoint.
func NewRouter(h *Handlers, apiKey string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())

	r.GET("/health", h.GetHealth)

	authed := r.Group("/api")
	authed.Use(APIKeyMiddleware(apiKey))

	dangerous := authed.Group("/rolling-restart")
	dangerous.Use(RestartRateLimitMiddleware())
	dangerous.POST("/start", h.PostStartRestart)
	dangerous.POST("/cancel", h.PostCancelRestart)
	dangerous.POST("/validate", h.PostValidateRestart)

	authed.GET("/rolling-restart/status", h.GetRestartStatus)
	authed.GET("/rolling-restart/history", h.GetRestartHistory)

	authed.GET("/cluster/status", h.GetClusterStatus)
	authed.GET("/cluster/health", h.GetClusterHealth)

	authed.PUT("/nodes/:id/maintenance", h.PutNodeMaintenance)
	authed.POST("/nodes/:id/restart", h.NodeOpHandler("restart"))
	authed.POST("/nodes/:id/stop", h.NodeOpHandler("stop"))
	authed.POST("/nodes/:id/start", h.NodeOpHandler("start"))

	return r
}

// Metrics mounts the /metrics endpoint separately since it's typically
// scraped without the API key that guards the admin surface.
func Metrics(r *gin.Engine, handler http.Handler) {
	r.GET("/metrics", gin.WrapH(handler))
}
