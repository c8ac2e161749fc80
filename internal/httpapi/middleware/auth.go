package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/bookverse/chat/internal/auth"
	"github.com/bookverse/chat/internal/common"
)

const (
	UserIDKey = "user_id"
	ClaimsKey = "claims"
)

// AuthRequired accepts "Authorization: Bearer <jwt>" and stores the user id
// and claims on the context. Revoked tokens are refused when deny is set.
func AuthRequired(secret string, deny auth.Denylist) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(h, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			return
		}
		claims, err := auth.ParseJWT(strings.TrimSpace(token), secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		if deny != nil && claims.ID != "" {
			revoked, err := deny.Revoked(c.Request.Context(), claims.ID)
			if err != nil {
				common.Fail(c, http.StatusInternalServerError, 20001, "token check failed")
				return
			}
			if revoked {
				common.Fail(c, http.StatusUnauthorized, 40103, "token revoked")
				return
			}
		}
		c.Set(UserIDKey, claims.UserID)
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}
