package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bookverse/chat/internal/common"
)

// BroadcastAuth signs a private-channel subscription for the caller's
// socket. The response is the bare {"auth": ...} object websocket clients
// expect.
func (h *Handler) BroadcastAuth(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	socketID := c.PostForm("socket_id")
	channel := c.PostForm("channel_name")
	if socketID == "" || channel == "" {
		common.Fail(c, http.StatusBadRequest, 10006, "socket_id and channel_name required")
		return
	}

	allowed, err := h.Svc.CanJoin(c.Request.Context(), uid, channel)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	if !allowed {
		common.Fail(c, http.StatusForbidden, 40301, "not allowed on "+channel)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auth": h.Hub.Sign(socketID, channel)})
}

// ServeWS upgrades /app/:key to the event socket.
func (h *Handler) ServeWS(c *gin.Context) {
	if c.Param("key") != h.Hub.Key() {
		common.Fail(c, http.StatusNotFound, 40402, "unknown app key")
		return
	}
	h.Hub.ServeWS(c.Writer, c.Request)
}
