package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"inventory-service/internal/models"

	"github.com/gin-gonic/gin"
)

// CreateReservationRequest is the body of a reservation request
type CreateReservationRequest struct {
	OrderID string               `json:"orderId" binding:"required"`
	Items   []models.LineRequest `json:"items" binding:"required,min=1,dive"`
}

// TransitionRequest is the optional body of commit and release
type TransitionRequest struct {
	Reason string `json:"reason"`
}

// createReservation handles reservation creation
func (h *Handler) createReservation(c *gin.Context) {
	var req CreateReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.CreateReservation(c.Request.Context(), req.OrderID, req.Items)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

// getReservation handles reservation lookups by ID
func (h *Handler) getReservation(c *gin.Context) {
	id, ok := h.reservationID(c)
	if !ok {
		return
	}

	res, err := h.engine.GetReservation(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// getReservationByOrder handles reservation lookups by order ID
func (h *Handler) getReservationByOrder(c *gin.Context) {
	res, err := h.engine.GetReservationByOrderID(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// commitReservation handles reservation commits
func (h *Handler) commitReservation(c *gin.Context) {
	id, ok := h.reservationID(c)
	if !ok {
		return
	}
	req, ok := h.transitionRequest(c)
	if !ok {
		return
	}

	res, err := h.engine.CommitReservation(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// releaseReservation handles reservation releases
func (h *Handler) releaseReservation(c *gin.Context) {
	id, ok := h.reservationID(c)
	if !ok {
		return
	}
	req, ok := h.transitionRequest(c)
	if !ok {
		return
	}

	res, err := h.engine.ReleaseReservation(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// expireReservation applies expiry as of the current time
func (h *Handler) expireReservation(c *gin.Context) {
	id, ok := h.reservationID(c)
	if !ok {
		return
	}

	res, err := h.engine.ExpireReservation(c.Request.Context(), id, h.nowFunc())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) reservationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.abort(c, http.StatusBadRequest, "Invalid reservation ID")
		return 0, false
	}
	return id, true
}

// transitionRequest binds the optional body; an empty body is accepted
func (h *Handler) transitionRequest(c *gin.Context) (TransitionRequest, bool) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.abort(c, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}
