package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/bookverse/chat/internal/auth"
	"github.com/bookverse/chat/internal/backend"
	"github.com/bookverse/chat/internal/chat"
	"github.com/bookverse/chat/internal/common"
	"github.com/bookverse/chat/internal/httpapi/middleware"
)

const tokenTTL = 7 * 24 * time.Hour

type signUpReq struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResp struct {
	Token string           `json:"token"`
	User  chat.Participant `json:"user"`
}

func (h *Handler) SignUp(c *gin.Context) {
	var req signUpReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if len(req.Password) < 6 {
		common.Fail(c, http.StatusBadRequest, 10002, "password must be at least 6 characters")
		return
	}

	user, err := h.Svc.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, backend.ErrInvalidSignup) {
			common.Fail(c, http.StatusBadRequest, 10002, err.Error())
			return
		}
		common.Fail(c, http.StatusBadRequest, 10003, "failed to create user (maybe email or username already exists)")
		return
	}
	h.issueToken(c, http.StatusCreated, user)
}

func (h *Handler) SignIn(c *gin.Context) {
	var req signInReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	user, err := h.Svc.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, backend.ErrBadCredentials) {
			common.Fail(c, http.StatusUnauthorized, 40104, err.Error())
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	h.issueToken(c, http.StatusOK, user)
}

func (h *Handler) issueToken(c *gin.Context, status int, user *backend.User) {
	token, err := auth.SignJWT(user.ID, h.Cfg.JWTSecret, tokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	resp := authResp{Token: token, User: user.Participant()}
	if status == http.StatusCreated {
		common.Created(c, resp)
		return
	}
	common.OK(c, resp)
}

// SignOut revokes the presented token until it would have expired.
func (h *Handler) SignOut(c *gin.Context) {
	v, _ := c.Get(middleware.ClaimsKey)
	claims, ok := v.(*auth.Claims)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if h.Deny != nil && claims.ID != "" && claims.ExpiresAt != nil {
		if err := h.Deny.Revoke(c.Request.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
			h.Log.Error("revoke token failed", "user_id", claims.UserID, "err", err)
			common.Fail(c, http.StatusInternalServerError, 20001, "failed to sign out")
			return
		}
	}
	common.OK(c, nil)
}

func (h *Handler) Me(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	user, err := h.Svc.GetUser(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, user.Participant())
}

// ListUsers returns everyone a conversation could be started with.
func (h *Handler) ListUsers(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	users, err := h.Svc.ListUsers(c.Request.Context(), uid, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, users)
}
