package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bookverse/chat/internal/auth"
	"github.com/bookverse/chat/internal/backend"
	"github.com/bookverse/chat/internal/broadcast"
	"github.com/bookverse/chat/internal/common"
	"github.com/bookverse/chat/internal/config"
	"github.com/bookverse/chat/internal/httpapi/middleware"
	"github.com/bookverse/chat/internal/logger"
	"github.com/bookverse/chat/internal/store/uploads"
)

type Handler struct {
	Cfg     config.Config
	Svc     *backend.Service
	Hub     *broadcast.Hub
	Uploads *uploads.Local
	Deny    auth.Denylist
	Log     *slog.Logger
}

func NewHandler(cfg config.Config, svc *backend.Service, hub *broadcast.Hub, up *uploads.Local, deny auth.Denylist, log *slog.Logger) *Handler {
	return &Handler{Cfg: cfg, Svc: svc, Hub: hub, Uploads: up, Deny: deny, Log: logger.Or(log)}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// currentUser aborts with 401 when the auth middleware did not run.
func currentUser(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

func uintParam(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid "+name)
		return 0, false
	}
	return id, true
}
