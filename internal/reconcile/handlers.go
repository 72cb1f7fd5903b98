package reconcile

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/Moxxcompany/lockbay-core/internal/entities"
	"github.com/Moxxcompany/lockbay-core/pkg/response"
)

// GinHandlers contains HTTP handlers for reconciliation status and admin
// override endpoints
type GinHandlers struct {
	engine *Engine
}

// NewGinHandlers creates a new set of HTTP handlers for reconciliation endpoints
func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{
		engine: engine,
	}
}

// GetEntityStatusHandler handles GET requests for an entity's current state
//
// GET /api/v1/status/:reference
func (h *GinHandlers) GetEntityStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := h.engine.entities.FindByReference(c.Param("reference"))
		if err != nil {
			if errors.Is(err, entities.ErrNotFound) {
				response.NotFound(c, "Entity not found")
				return
			}
			response.InternalError(c, "Failed to load entity")
			return
		}

		response.Success(c, gin.H{
			"reference": record.Reference(),
			"entity":    record.Type,
			"status":    record.Status(),
		})
	}
}

// overrideRequest is the body for a manual transition.
type overrideRequest struct {
	Status string `json:"status" binding:"required"`
}

// OverrideStatusHandler handles POST requests for manual status transitions.
// Requires the admin role; the transition graph still applies.
//
// POST /api/v1/admin/entities/:reference/status
func (h *GinHandlers) OverrideStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req overrideRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		actor := c.GetString("clientID")
		err := h.engine.Override(c.Request.Context(), c.Param("reference"), req.Status, actor)
		switch {
		case err == nil:
			response.Success(c, gin.H{
				"reference": c.Param("reference"),
				"status":    req.Status,
			})
		case errors.Is(err, ErrEntityNotFound):
			response.NotFound(c, "Entity not found")
		case errors.Is(err, ErrOverrideNotAllowed):
			response.Forbidden(c, err.Error())
		case errors.Is(err, ErrOverrideContention):
			response.ServiceUnavailable(c, "Entity busy, retry shortly")
		default:
			response.InternalError(c, "Override failed")
		}
	}
}

// GetOperationsHandler handles GET requests for the processed operations
// recorded against an entity reference, for reviewing blocked or duplicate
// deliveries.
//
// GET /api/v1/admin/operations/:reference
func (h *GinHandlers) GetOperationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ops, err := h.engine.idem.FindByEntityRef(c.Param("reference"), 50)
		if err != nil {
			response.InternalError(c, "Failed to load operations")
			return
		}
		response.Success(c, ops)
	}
}

// GetAuditTrailHandler handles GET requests for the ledger audit trail of a
// correlation ID.
//
// GET /api/v1/admin/audit/:correlation_id
func (h *GinHandlers) GetAuditTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := h.engine.ledger.AuditTrail(c.Param("correlation_id"), 100)
		if err != nil {
			response.InternalError(c, "Failed to load audit trail")
			return
		}
		response.Success(c, events)
	}
}
