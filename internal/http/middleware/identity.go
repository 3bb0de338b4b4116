package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/arc-reactor/internal/http/response"
	"github.com/yungbote/arc-reactor/internal/platform/ctxutil"
)

const (
	headerIAPEmail      = "X-Goog-Authenticated-User-Email"
	headerUserEmail     = "X-User-Email"
	headerUserName      = "X-User-Name"
	headerInternalToken = "X-Internal-Token"

	iapEmailPrefix = "accounts.google.com:"
)

// RequireIdentity reads the caller asserted by the fronting proxy and
// rejects requests without one.
func RequireIdentity(adminEmails []string) gin.HandlerFunc {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		admins[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}
	return func(c *gin.Context) {
		email := strings.TrimSpace(strings.TrimPrefix(c.GetHeader(headerIAPEmail), iapEmailPrefix))
		if email == "" {
			email = strings.TrimSpace(c.GetHeader(headerUserEmail))
		}
		if email == "" {
			response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing user identity"))
			c.Abort()
			return
		}
		_, admin := admins[strings.ToLower(email)]
		id := &ctxutil.Identity{
			Email:   email,
			Name:    strings.TrimSpace(c.GetHeader(headerUserName)),
			IsAdmin: admin,
		}
		c.Request = c.Request.WithContext(ctxutil.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// RequireInternalToken guards service-to-service routes. An empty token
// closes the routes entirely.
func RequireInternalToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(headerInternalToken)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("invalid internal token"))
			c.Abort()
			return
		}
		c.Next()
	}
}
