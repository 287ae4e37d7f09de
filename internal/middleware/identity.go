package middleware

// identity.go defines helpers shared across middleware and handlers for
// reading the authenticated caller that JWTAuth stored in the Echo context.

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// UserID returns the authenticated user's ID.  It reports false when no
// token was verified for the request.
func UserID(c echo.Context) (uint64, bool) {
	v, ok := c.Get(ctxUserID).(uint64)
	return v, ok && v != 0
}

// userKey identifies the caller for rate limiting.  It returns "guest"
// when no user is authenticated.
func userKey(c echo.Context) string {
	if id, ok := UserID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	return "guest"
}

// parseSubject accepts the sub claim as a JSON number or a numeric string.
func parseSubject(v interface{}) (uint64, bool) {
	switch t := v.(type) {
	case float64:
		if t <= 0 || t != float64(uint64(t)) {
			return 0, false
		}
		return uint64(t), true
	case string:
		n, err := strconv.ParseUint(t, 10, 64)
		return n, err == nil && n != 0
	}
	return 0, false
}
