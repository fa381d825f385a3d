package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/canteen-orderflow/internal/checkout"
	"github.com/imrishuroy/canteen-orderflow/internal/validation"
)

// cancelOrder handles PUT /cancel-order/:orderId.
func (h *handler) cancelOrder(c *gin.Context) {
	p := principal(c)
	in := checkout.CancelInput{OrderID: c.Param("orderId"), BuyerID: p.UserID}
	if p.IsAdmin() {
		in.BuyerID = ""
	}
	order, err := h.Checkout.CancelOrder(c.Request.Context(), in)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Order cancelled successfully", "order": order})
}

// listOrders handles GET /orders/:userId/:canteenId.
func (h *handler) listOrders(c *gin.Context) {
	orders, err := h.Checkout.ListOrders(c.Request.Context(), c.Param("userId"), c.Param("canteenId"))
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// advanceOrder handles PUT /canteen/orders/:orderId/status.
func (h *handler) advanceOrder(c *gin.Context) {
	var req validation.AdvanceOrderRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	order, err := h.Checkout.AdvanceOrder(c.Request.Context(), checkout.AdvanceInput{
		OrderID: c.Param("orderId"),
		Status:  req.Status,
		StaffID: principal(c).UserID,
	})
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Order status updated", "order": order})
}
