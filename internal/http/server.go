// Package http exposes the webhook intake and a read-only incident API.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/engine"
	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/fyrsmithlabs/incidentd/internal/logging"
	"github.com/fyrsmithlabs/incidentd/internal/normalizer"
	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler is the pipeline behind the webhook routes.
type Handler interface {
	Handle(ctx context.Context, platform incident.Platform, raw []byte) (engine.HandlingResult, error)
	Get(ctx context.Context, id string) (*incident.Incident, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// WebhookSecret enables GitHub signature validation when set.
	WebhookSecret string
	// RateLimit is requests per second per client IP. Zero disables it.
	RateLimit float64
	RateBurst int
	BodyLimit string
}

// Server serves webhooks, incidents, health and metrics.
type Server struct {
	echo    *echo.Echo
	handler Handler
	logger  *logging.Logger
	config  *Config
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// NewServer creates the server and registers routes.
func NewServer(handler Handler, logger *logging.Logger, cfg *Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "0.0.0.0", Port: 8080}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "2M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), rid)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{echo: e, handler: handler, logger: logger, config: cfg}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	hooks := s.echo.Group("/webhooks")
	if s.config.RateLimit > 0 {
		store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(s.config.RateLimit),
			Burst:     s.config.RateBurst,
			ExpiresIn: 3 * time.Minute,
		})
		hooks.Use(middleware.RateLimiter(store))
	}
	hooks.POST("/:platform", s.handleWebhook)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/incidents/:id", s.handleGetIncident)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// WebhookResponse is returned for every accepted delivery.
type WebhookResponse struct {
	engine.HandlingResult
	Status string `json:"status"`
}

func (s *Server) handleWebhook(c echo.Context) error {
	ctx := c.Request().Context()
	name := strings.ToLower(c.Param("platform"))

	var platform incident.Platform
	if name != "auto" {
		p, err := incident.ParsePlatform(name)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		platform = p
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}
	if name == "auto" {
		// Undetectable payloads fall through to the handler as malformed.
		if p, derr := normalizer.DetectPlatform(body); derr == nil {
			platform = p
		}
	}

	if platform == incident.PlatformGitHub {
		switch github.WebHookType(c.Request()) {
		case "", "workflow_run":
		case "ping":
			return c.JSON(http.StatusOK, WebhookResponse{Status: "pong"})
		default:
			return c.JSON(http.StatusAccepted, WebhookResponse{Status: "ignored"})
		}
		if body, err = s.verifyGitHub(c.Request(), body); err != nil {
			s.logger.Warn(ctx, "webhook rejected", zap.String("platform", name), zap.Error(err))
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
		}
	}

	res, err := s.handler.Handle(ctx, platform, body)
	if err != nil {
		var me *incident.MalformedEventError
		if errors.As(err, &me) {
			return echo.NewHTTPError(http.StatusBadRequest, me.Error())
		}
		s.logger.Error(ctx, "webhook handling failed", zap.String("platform", name), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "incident handling failed")
	}

	status, code := "handled", http.StatusOK
	switch {
	case res.Ignored:
		status, code = "ignored", http.StatusAccepted
	case res.Duplicate:
		status = "duplicate"
	}
	return c.JSON(code, WebhookResponse{HandlingResult: res, Status: status})
}

// verifyGitHub checks the delivery signature when a secret is configured and
// returns the payload, decoded from form encoding when necessary.
func (s *Server) verifyGitHub(r *http.Request, body []byte) ([]byte, error) {
	if s.config.WebhookSecret == "" {
		return body, nil
	}
	sig := r.Header.Get(github.SHA256SignatureHeader)
	if sig == "" {
		sig = r.Header.Get(github.SHA1SignatureHeader)
	}
	contentType, _, err := mime.ParseMediaType(r.Header.Get(echo.HeaderContentType))
	if err != nil {
		return nil, err
	}
	return github.ValidatePayloadFromBody(contentType, bytes.NewReader(body), sig, []byte(s.config.WebhookSecret))
}

func (s *Server) handleGetIncident(c echo.Context) error {
	id := c.Param("id")
	inc, err := s.handler.Get(c.Request().Context(), id)
	if err != nil {
		s.logger.Error(c.Request().Context(), "incident lookup failed", zap.String("incident_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "incident lookup failed")
	}
	if inc == nil {
		return echo.NewHTTPError(http.StatusNotFound, "incident not found")
	}
	return c.JSON(http.StatusOK, inc)
}

// Start listens on the configured address. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets the server be mounted or tested directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
