package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Role returns the caller's role as stored by JWTAuth, upper-cased.  It is
// empty when the token carried no role.
func Role(c echo.Context) string {
	role, _ := c.Get(ctxRole).(string)
	return strings.ToUpper(strings.TrimSpace(role))
}

// RequireRole lets a request through only when the caller's role is one of
// roles.  Roles compare case-insensitively, since tokens from older issuers
// carry lower-case roles.  It must run after JWTAuth; anything else gets
// 403 with the list of accepted roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[strings.ToUpper(r)] = struct{}{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := allowed[Role(c)]; !ok {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden", "roles": roles})
			}
			return next(c)
		}
	}
}
