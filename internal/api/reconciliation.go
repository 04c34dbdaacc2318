package api

import (
	"net/http"
	"strconv"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/registry"
	"payment-reconciler/internal/resilience"
	"payment-reconciler/internal/service"

	"github.com/gin-gonic/gin"
)

// ServiceHealth exposes downstream call health
type ServiceHealth interface {
	Breakers() []models.CircuitBreakerState
	History() *resilience.History
}

// EndpointLister lists registered downstream endpoints
type EndpointLister interface {
	List() []registry.Endpoint
}

// ResolveRequest is an operator decision on a flag
type ResolveRequest struct {
	Decision string `json:"decision" binding:"required"`
	Notes    string `json:"notes"`
}

func (h *Handler) listFlags(c *gin.Context) {
	flags, err := h.deps.Queue.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"flags": flags,
		"count": len(flags),
	})
}

func (h *Handler) getFlag(c *gin.Context) {
	flag, err := h.deps.Queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, flag)
}

func (h *Handler) resolveFlag(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	decision, err := service.ParseDecision(req.Decision)
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	res, err := h.deps.Queue.Resolve(c.Request.Context(), c.Param("id"), decision, req.Notes)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.deps.Queue.Stats(c.Request.Context())
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// serviceHealth reports breakers, gateway load and recent downstream calls
func (h *Handler) serviceHealth(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	resp := gin.H{"gateway": h.deps.Gateway.Snapshot()}
	if h.deps.Health != nil {
		history := h.deps.Health.History()
		resp["breakers"] = h.deps.Health.Breakers()
		resp["recent_calls"] = history.Recent(limit)
		resp["total_calls"] = history.Total()
	}
	if h.deps.Endpoints != nil {
		resp["endpoints"] = h.deps.Endpoints.List()
	}
	c.JSON(http.StatusOK, resp)
}
