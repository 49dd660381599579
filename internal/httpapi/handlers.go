package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"sbc-router/internal/audit"
	"sbc-router/internal/auth"
	"sbc-router/internal/calls"
	"sbc-router/internal/resources"
	"sbc-router/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ResourceAdmin is the part of the admission controller exposed to operators.
// Implemented by *resources.Controller.
type ResourceAdmin interface {
	Handles(f resources.HandleFilter) []resources.Handle
	Handle(id string) (resources.Handle, bool)
	HandleCount() int
	InvalidateAll(ctx context.Context) error
	InvalidateHandle(ctx context.Context, id string) error
	Usage(ctx context.Context, typ int, id int64) (int64, error)
}

// StoreHealth reports whether the resource store is reachable.
type StoreHealth interface {
	Connected() bool
	Epoch() uint64
	QueueLen() int
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls     *calls.Registry
	Resources ResourceAdmin
	Store     StoreHealth
	Audit     *audit.Service
	// Postgres pings the routing database. Optional.
	Postgres func(ctx context.Context) error
}

// --- Health ---

// Healthz reports liveness and the resource store state. It stays
// 200 while disconnected; admission fails closed on its own.
func (h Handlers) Healthz(c *gin.Context) {
	out := gin.H{"status": "ok"}
	if h.Store != nil {
		state := "disconnected"
		if h.Store.Connected() {
			state = "connected"
		}
		out["resource_store"] = state
		out["epoch"] = h.Store.Epoch()
		out["queued"] = h.Store.QueueLen()
	}
	c.JSON(http.StatusOK, out)
}

// Readyz reports whether new calls can be routed: the routing database
// answers and the resource store is connected.
func (h Handlers) Readyz(c *gin.Context) {
	ready := true
	out := gin.H{}
	if h.Postgres != nil {
		if err := h.Postgres(c.Request.Context()); err != nil {
			logger.From(c.Request.Context()).Warn("readiness check failed", "dependency", "postgres", "err", err)
			out["postgres"] = "unreachable"
			ready = false
		} else {
			out["postgres"] = "ok"
		}
	}
	if h.Store != nil {
		if h.Store.Connected() {
			out["resource_store"] = "connected"
		} else {
			out["resource_store"] = "disconnected"
			ready = false
		}
	}
	if !ready {
		out["status"] = "not_ready"
		c.JSON(http.StatusServiceUnavailable, out)
		return
	}
	out["status"] = "ready"
	c.JSON(http.StatusOK, out)
}

// --- Calls ---

func (h Handlers) ListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": h.Calls.List()})
}

func (h Handlers) CountCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": h.Calls.Len()})
}

// --- Resources ---

// ListHandles lists live handles, optionally filtered by owner tag and by
// resource (type and id must be given together).
func (h Handlers) ListHandles(c *gin.Context) {
	f := resources.HandleFilter{Owner: c.Query("owner_tag")}

	typStr, idStr := c.Query("type"), c.Query("id")
	if typStr != "" || idStr != "" {
		typ, id, err := parseResource(typStr, idStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Resource = &resources.Spec{Type: typ, ID: id}
	}

	hs := h.Resources.Handles(f)
	c.JSON(http.StatusOK, gin.H{"handles": hs, "count": len(hs)})
}

// ResourceState returns the total amount of a resource taken across all nodes.
func (h Handlers) ResourceState(c *gin.Context) {
	typ, id, err := parseResource(c.Query("type"), c.Query("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	used, err := h.Resources.Usage(c.Request.Context(), typ, id)
	if err != nil {
		logger.From(c.Request.Context()).Warn("resource state query failed", "type", typ, "id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "resource store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": typ, "id": id, "used": used})
}

// InvalidateAll drops every reservation held by this node.
// RBAC: operator or admin.
func (h Handlers) InvalidateAll(c *gin.Context) {
	ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())
	log := logger.From(ctx)
	actor, _ := auth.OperatorID(ctx)
	role, _ := auth.Role(ctx)

	n := h.Resources.HandleCount()
	if err := h.Resources.InvalidateAll(ctx); err != nil {
		log.Error("invalidate all failed", "operator", actor, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "resource store unavailable"})
		return
	}
	log.Warn("all resource reservations invalidated by operator", "operator", actor, "handles", n)
	h.audit(ctx, func() error { return h.Audit.LogInvalidateAll(ctx, actor, role, n) })

	c.JSON(http.StatusOK, gin.H{"status": "invalidated", "handles": n})
}

// InvalidateHandle releases a single handle.
// RBAC: operator or admin.
func (h Handlers) InvalidateHandle(c *gin.Context) {
	ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())
	log := logger.From(ctx)
	actor, _ := auth.OperatorID(ctx)
	role, _ := auth.Role(ctx)

	id := c.Param("handle_id")
	hd, ok := h.Resources.Handle(id)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "handle not found"})
		return
	}

	if err := h.Resources.InvalidateHandle(ctx, id); err != nil {
		if errors.Is(err, resources.ErrUnknownHandle) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "handle not found"})
			return
		}
		log.Error("invalidate handle failed", "operator", actor, "handle", id, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "resource store unavailable"})
		return
	}
	log.Warn("resource handle invalidated by operator", "operator", actor, "handle", id, "owner", hd.Owner)
	h.audit(ctx, func() error {
		return h.Audit.LogInvalidateHandle(ctx, actor, role, id, hd.Owner, hd.Resources.String())
	})

	c.JSON(http.StatusOK, gin.H{"status": "invalidated", "handle": hd})
}

// audit records an operator action. Audit failures are logged, never returned.
func (h Handlers) audit(ctx context.Context, fn func() error) {
	if h.Audit == nil {
		return
	}
	if err := fn(); err != nil {
		logger.From(ctx).Error("audit append failed", "err", err)
	}
}

func parseResource(typStr, idStr string) (int, int64, error) {
	typ, err := strconv.Atoi(typStr)
	if err != nil {
		return 0, 0, errors.New("type must be an integer")
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, 0, errors.New("id must be an integer")
	}
	return typ, id, nil
}
