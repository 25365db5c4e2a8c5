package api

import (
	"net/http"
	"time"

	"inventory-service/internal/models"

	"github.com/gin-gonic/gin"
)

// RecordResponse is the HTTP view of an inventory record
type RecordResponse struct {
	ItemKey      string    `json:"itemKey"`
	LocationID   string    `json:"locationId"`
	OnHand       int64     `json:"onHand"`
	Reserved     int64     `json:"reserved"`
	Available    int64     `json:"available"`
	Revision     int64     `json:"revision"`
	SafetyStock  *int64    `json:"safetyStock"`
	ReorderPoint *int64    `json:"reorderPoint"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func newRecordResponse(rec *models.InventoryRecord) RecordResponse {
	return RecordResponse{
		ItemKey:      rec.ItemKey,
		LocationID:   rec.LocationID,
		OnHand:       rec.OnHand,
		Reserved:     rec.Reserved,
		Available:    rec.Available(),
		Revision:     rec.Revision,
		SafetyStock:  rec.SafetyStock,
		ReorderPoint: rec.ReorderPoint,
		UpdatedAt:    rec.UpdatedAt,
	}
}

// itemQuery selects one record
type itemQuery struct {
	ItemKey    string `form:"itemKey" binding:"required"`
	LocationID string `form:"locationId"`
}

// AdjustRequest is the body of a stock adjustment
type AdjustRequest struct {
	ItemKey    string `json:"itemKey" binding:"required"`
	LocationID string `json:"locationId"`
	Delta      *int64 `json:"delta" binding:"required"`
	Reason     string `json:"reason"`
}

// getItem handles record lookups
func (h *Handler) getItem(c *gin.Context) {
	var q itemQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.abort(c, http.StatusBadRequest, err.Error())
		return
	}

	loc := models.ResolveLocation(q.LocationID, h.engine.DefaultLocationID())
	rec, err := h.ledger.Get(c.Request.Context(), q.ItemKey, loc)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newRecordResponse(rec))
}

// adjustItem handles stock adjustments
func (h *Handler) adjustItem(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, http.StatusBadRequest, err.Error())
		return
	}

	loc := models.ResolveLocation(req.LocationID, h.engine.DefaultLocationID())
	rec, err := h.ledger.Adjust(c.Request.Context(), req.ItemKey, loc, *req.Delta, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newRecordResponse(rec))
}

// getAudit handles adjustment history lookups
func (h *Handler) getAudit(c *gin.Context) {
	var q itemQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.abort(c, http.StatusBadRequest, err.Error())
		return
	}

	loc := models.ResolveLocation(q.LocationID, h.engine.DefaultLocationID())
	entries, err := h.ledger.Audit(c.Request.Context(), q.ItemKey, loc)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, entries)
}
