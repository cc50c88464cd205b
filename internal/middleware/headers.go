package middleware

import (
	"github.com/labstack/echo/v4"

	"mirror-proxy-go/internal/header"
)

// ProxyHeaders returns an Echo middleware that strips hop-by-hop headers
// from incoming requests and applies the CORS policy to every response,
// including ones written by admin routes, the router and error handlers.
func ProxyHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header.StripHopByHop(c.Request().Header)

			res := c.Response()
			res.Before(func() {
				header.Shape(res.Header())
			})

			return next(c)
		}
	}
}
