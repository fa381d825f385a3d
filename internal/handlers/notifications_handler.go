package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *handler) listNotifications(c *gin.Context) {
	list, err := h.Inbox.List(c.Request.Context(), c.Param("userId"))
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (h *handler) markNotificationRead(c *gin.Context) {
	p := principal(c)
	n, err := h.Inbox.MarkRead(c.Request.Context(), c.Param("id"), p.UserID, p.IsAdmin())
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification": n})
}

func (h *handler) deleteNotification(c *gin.Context) {
	p := principal(c)
	if err := h.Inbox.Delete(c.Request.Context(), c.Param("id"), p.UserID, p.IsAdmin()); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Notification deleted"})
}

func (h *handler) deleteAllNotifications(c *gin.Context) {
	n, err := h.Inbox.DeleteAll(c.Request.Context(), c.Param("userId"))
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Notifications deleted", "deleted": n})
}
