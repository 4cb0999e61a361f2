package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/internal/metrics"
	"github.com/satriahrh/l2dbridge/internal/protocol"
)

const serviceName = "l2dbridge"

// Path aliases older desktop clients connect to.
var webSocketAliases = []string{"/ws", "/astrbot/live2d"}

// InitWebSocketRoutes registers the websocket endpoint, its aliases and the
// health check on the websocket listener.
func InitWebSocketRoutes(e *echo.Echo, ws echo.HandlerFunc, path string, logger *zap.Logger) {
	e.GET("/health", health)

	seen := map[string]bool{}
	for _, p := range append([]string{path}, webSocketAliases...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		e.GET(p, ws)
	}
	logger.Debug("WebSocket routes registered", zap.Any("paths", keys(seen)))
}

// InitHTTPRoutes registers the side channel: health, metrics, the resource
// transfer endpoint and the admin surface. resources and admin may be nil.
func InitHTTPRoutes(e *echo.Echo, resourcePath string, resources *ResourceServer, admin *AdminHandler, m *metrics.Metrics) {
	e.GET("/health", health)
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}
	if resources != nil {
		resources.Register(e.Group(resourcePath))
	}
	if admin != nil {
		admin.Register(e.Group("/admin"))
	}
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: serviceName,
		Version: protocol.Version,
	})
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
