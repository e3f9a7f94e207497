package simulator

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
)

// AuthMiddleware validates the bearer token. The upstream API only does
// bearer auth, so unlike a browser-facing service there is no Basic fallback.
func AuthMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if auth == "" {
				return unauthorized(c)
			}

			scheme, provided, ok := strings.Cut(auth, " ")
			if !ok || scheme != "Bearer" || provided != token {
				return unauthorized(c)
			}

			return next(c)
		}
	}
}

func unauthorized(c *echo.Context) error {
	return c.JSON(http.StatusUnauthorized, ErrorResponse{
		ID:      "unauthorized",
		Message: "Unable to authenticate you",
	})
}

func Healthz(version string, features map[string]string) echo.HandlerFunc {
	startTime := time.Now()

	return func(c *echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:        "ok",
			Version:       version,
			UptimeSeconds: int(time.Since(startTime).Seconds()),
			Features:      features,
		})
	}
}
