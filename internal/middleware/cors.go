package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// CORS answers preflight requests and adds CORS headers for the browser
// player. Any origin may read media and catalog responses; Range must be
// allowed so seeking works cross-origin.
func CORS() echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowHeaders: []string{"Range", echo.HeaderContentType, echo.HeaderAccept},
		ExposeHeaders: []string{
			echo.HeaderContentLength,
			"Content-Range",
			"Accept-Ranges",
		},
		MaxAge: 86400,
	})
}

// RelayCORS sets Access-Control-Allow-Origin on every request under the relay
// prefixes before anything else can answer it, so rate-limit and panic
// responses stay readable by the player. CORS adds the header only when the
// request carries Origin.
func RelayCORS(prefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, p := range prefixes {
				if strings.HasPrefix(path, p) {
					c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
					break
				}
			}
			return next(c)
		}
	}
}
