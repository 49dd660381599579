package httpapi

import (
	"net/http"

	"sbc-router/internal/rbac"

	"github.com/gin-gonic/gin"
)

// RouteDeps are the middlewares and extra handlers the routes need.
type RouteDeps struct {
	// Auth verifies operator tokens on /v1/admin.
	Auth gin.HandlerFunc
	// Limiter rate limits /v1/admin per client IP. Optional.
	Limiter *IPRateLimiter
	// Metrics serves /metrics. Optional.
	Metrics http.Handler
}

// RegisterRoutes wires HTTP routes to handlers.
// Keep this free of business logic. Handlers delegate to internal modules.
func RegisterRoutes(r *gin.Engine, h Handlers, deps RouteDeps) {
	// public
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	// protected operator API
	admin := r.Group("/v1/admin")
	if deps.Limiter != nil {
		admin.Use(RateLimit(deps.Limiter))
	}
	admin.Use(deps.Auth)
	{
		read := rbac.RequireAnyRole(rbac.RoleViewer, rbac.RoleOperator)
		write := rbac.RequireAnyRole(rbac.RoleOperator)

		admin.GET("/calls", read, h.ListCalls)
		admin.GET("/calls/count", read, h.CountCalls)

		admin.GET("/resources/handlers", read, h.ListHandles)
		admin.GET("/resources/state", read, h.ResourceState)
		admin.POST("/resources/invalidate", write, h.InvalidateAll)
		admin.POST("/resources/handlers/:handle_id/invalidate", write, h.InvalidateHandle)
	}
}
