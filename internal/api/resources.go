package api

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/internal/auth"
	"github.com/satriahrh/l2dbridge/internal/metrics"
	"github.com/satriahrh/l2dbridge/internal/resource"
)

const DefaultUploadSlots = 4

// TransferStore is the resource store as seen by the transfer endpoint.
type TransferStore interface {
	Upload(ctx context.Context, rid string, body io.Reader) (*entities.Resource, error)
	Get(ctx context.Context, rid string) (*resource.Blob, error)
	Release(ctx context.Context, rid string) (bool, error)
}

// TokenVerifier checks rid scoped tokens embedded in resource URLs.
type TokenVerifier interface {
	Verify(token, rid, method string) (*auth.TransferClaims, error)
}

// ResourceServer is the HTTP side channel for media too large for a frame.
type ResourceServer struct {
	store    TransferStore
	token    string
	verifier TokenVerifier
	slots    *semaphore.Weighted
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewResourceServer creates the transfer endpoint. Requests must carry token
// or a transfer token accepted by verifier; verifier may be nil.
func NewResourceServer(store TransferStore, token string, verifier TokenVerifier, uploadSlots int, m *metrics.Metrics, logger *zap.Logger) *ResourceServer {
	if uploadSlots <= 0 {
		uploadSlots = DefaultUploadSlots
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceServer{
		store:    store,
		token:    token,
		verifier: verifier,
		slots:    semaphore.NewWeighted(int64(uploadSlots)),
		metrics:  m,
		logger:   logger,
	}
}

// Register mounts the resource routes on g, e.g. the /resources group.
func (s *ResourceServer) Register(g *echo.Group) {
	g.PUT("/:rid", s.upload)
	g.GET("/:rid", s.download)
	g.DELETE("/:rid", s.release)
}

// authorized accepts the static resource token or a transfer token for this
// rid and method, from the Authorization header or the token query parameter.
func (s *ResourceServer) authorized(r *http.Request, rid, method string) bool {
	candidates := []string{auth.BearerToken(r), r.URL.Query().Get("token")}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if auth.Equal(s.token, candidate) {
			return true
		}
		if s.verifier != nil {
			if _, err := s.verifier.Verify(candidate, rid, method); err == nil {
				return true
			}
		}
	}
	return false
}

func (s *ResourceServer) unauthorized(c echo.Context, rid string) error {
	s.logger.Warn("Resource request rejected",
		zap.String("method", c.Request().Method),
		zap.String("rid", rid),
		zap.String("remote", c.RealIP()))
	return c.JSON(http.StatusUnauthorized, ErrorResponse{
		Error:   "unauthorized",
		Message: "a valid resource token is required",
	})
}

func (s *ResourceServer) fail(c echo.Context, op, rid string, err error) error {
	status, resp := newErrorResponse(err)
	s.metrics.ResourceOp(op, err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Resource request failed", zap.String("op", op), zap.String("rid", rid), zap.Error(err))
	} else {
		s.logger.Info("Resource request refused", zap.String("op", op), zap.String("rid", rid), zap.Error(err))
	}
	return c.JSON(status, resp)
}

func (s *ResourceServer) upload(c echo.Context) error {
	rid := c.Param("rid")
	req := c.Request()
	if !s.authorized(req, rid, http.MethodPut) {
		return s.unauthorized(c, rid)
	}

	ctx := req.Context()
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "busy",
			Message: "no upload slot became available",
		})
	}
	defer s.slots.Release(1)

	res, err := s.store.Upload(ctx, rid, req.Body)
	if err != nil {
		return s.fail(c, "upload", rid, err)
	}
	s.metrics.ResourceOp("upload", nil)
	s.metrics.Transfer("upload", res.Received)
	return c.JSON(http.StatusOK, UploadResponse{
		RID:      res.RID,
		Received: res.Received,
		SHA256:   res.SHA256,
		Status:   string(res.Status),
	})
}

func (s *ResourceServer) download(c echo.Context) error {
	rid := c.Param("rid")
	req := c.Request()
	if !s.authorized(req, rid, http.MethodGet) {
		return s.unauthorized(c, rid)
	}

	blob, err := s.store.Get(req.Context(), rid)
	if err != nil {
		return s.fail(c, "download", rid, err)
	}
	s.metrics.ResourceOp("download", nil)
	if blob.RedirectURL != "" {
		return c.Redirect(http.StatusFound, blob.RedirectURL)
	}
	defer blob.Body.Close()

	h := c.Response().Header()
	h.Set(echo.HeaderContentLength, strconv.FormatInt(blob.Resource.Size, 10))
	h.Set("Cache-Control", "private, max-age=300")
	if blob.Resource.SHA256 != "" {
		h.Set("ETag", `"`+blob.Resource.SHA256+`"`)
	}
	s.metrics.Transfer("download", blob.Resource.Size)

	mime := blob.Resource.Mime
	if mime == "" {
		mime = echo.MIMEOctetStream
	}
	return c.Stream(http.StatusOK, mime, blob.Body)
}

func (s *ResourceServer) release(c echo.Context) error {
	rid := c.Param("rid")
	req := c.Request()
	if !s.authorized(req, rid, http.MethodDelete) {
		return s.unauthorized(c, rid)
	}

	released, err := s.store.Release(req.Context(), rid)
	if err != nil {
		return s.fail(c, "release", rid, err)
	}
	s.metrics.ResourceOp("release", nil)
	return c.JSON(http.StatusOK, ReleaseResponse{RID: rid, Released: released})
}
