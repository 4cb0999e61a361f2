package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/internal/auth"
	"github.com/satriahrh/l2dbridge/usecase"
)

// AdminHandler exposes the admin service to the CLI over HTTP.
type AdminHandler struct {
	svc    *usecase.AdminService
	token  string
	logger *zap.Logger
}

func NewAdminHandler(svc *usecase.AdminService, token string, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{svc: svc, token: token, logger: logger}
}

// Register mounts the admin routes on g behind bearer authentication with the
// auth token.
func (h *AdminHandler) Register(g *echo.Group) {
	g.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			return auth.Equal(h.token, key), nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			h.logger.Warn("Admin request rejected", zap.String("path", c.Path()), zap.String("remote", c.RealIP()))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "a valid auth token is required"})
		},
	}))

	g.GET("/status", h.status)
	g.GET("/sessions", h.sessions)
	g.GET("/resources", h.resources)
	g.POST("/cleanup", h.cleanup)
	g.POST("/say", h.say)
	g.POST("/query", h.query)
	g.GET("/motion/types", h.motionTypes)
	g.POST("/motion/match", h.motionMatch)
}

func (h *AdminHandler) fail(c echo.Context, err error) error {
	status, resp := newErrorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Admin request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(status, resp)
}

func (h *AdminHandler) status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Status())
}

func (h *AdminHandler) sessions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Sessions())
}

func (h *AdminHandler) resources(c echo.Context) error {
	report, err := h.svc.Resources()
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *AdminHandler) cleanup(c echo.Context) error {
	results, err := h.svc.Cleanup(c.Request().Context())
	if err != nil && results == nil {
		return h.fail(c, err)
	}
	resp := map[string]interface{}{"results": results}
	if err != nil {
		resp["error"] = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *AdminHandler) say(c echo.Context) error {
	var req usecase.SayRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Invalid request format"})
	}
	if err := h.svc.Say(c.Request().Context(), req); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (h *AdminHandler) query(c echo.Context) error {
	var req usecase.QueryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Invalid request format"})
	}
	reply, err := h.svc.Query(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, reply)
}

func (h *AdminHandler) motionTypes(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.MotionTypes())
}

func (h *AdminHandler) motionMatch(c echo.Context) error {
	var req usecase.MotionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Invalid request format"})
	}
	match, err := h.svc.MatchMotion(req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, match)
}
