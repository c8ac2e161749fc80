package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bookverse/chat/internal/common"
	"github.com/bookverse/chat/internal/httpapi/handlers"
	"github.com/bookverse/chat/internal/httpapi/middleware"
	"github.com/bookverse/chat/internal/metrics"
)

// NewRouter mounts the REST API under /api, the event socket under
// /app/:key and uploaded files under /storage.
func NewRouter(h *handlers.Handler, log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/app/:key", h.ServeWS)
	if h.Uploads != nil {
		r.Static(h.Uploads.URLPrefix, h.Uploads.Dir)
	}

	api := r.Group("/api")

	// auth
	guarded := api.Group("/", middleware.RateLimit(5, 10))
	guarded.POST("/signup", h.SignUp)
	guarded.POST("/signin", h.SignIn)

	authGroup := api.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Cfg.JWTSecret, h.Deny))
	authGroup.POST("/signout", h.SignOut)
	authGroup.GET("/me", h.Me)
	authGroup.GET("/users", h.ListUsers)
	authGroup.POST("/broadcasting/auth", h.BroadcastAuth)

	// chat
	authGroup.GET("/conversations", h.ListConversations)
	authGroup.POST("/conversations", h.StartConversation)
	authGroup.GET("/conversations/:id/messages", h.ListMessages)
	authGroup.POST("/conversations/:id/messages", h.SendMessage)
	return r
}
