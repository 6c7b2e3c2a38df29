// Package httpapi is the HTTP surface: health/session-creation endpoints
// plus the WebSocket upgrade handlers that hand a fresh socket off to a
// connection.Connection. CORS, IP determination, and rate limiting live
// here as the "peripheral front-end gateway" the core protocol assumes is
// already done by the time a Connection is constructed.
package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"pastepoint/internal/apperr"
	"pastepoint/internal/chatserver"
	"pastepoint/internal/config"
	"pastepoint/internal/connection"
	"pastepoint/internal/session"
)

// Server is the Echo-backed HTTP/WebSocket front end.
type Server struct {
	cfg   *config.Config
	store *session.Store
	chat  *chatserver.ChatServer
	log   *slog.Logger

	echo      *echo.Echo
	upgrader  websocket.Upgrader
	tlsConfig *tls.Config
}

// SetTLSConfig installs the certificate Run should serve with. Called
// before Run; a nil tlsConfig (the default) serves plain HTTP.
func (s *Server) SetTLSConfig(tlsConfig *tls.Config) {
	s.tlsConfig = tlsConfig
}

// New constructs a Server and registers its routes.
func New(cfg *config.Config, store *session.Store, chat *chatserver.ChatServer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	if cfg.RateLimitPerSecond > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:  rate.Limit(cfg.RateLimitPerSecond),
				Burst: cfg.RateLimitBurstSize,
			}),
		}))
	}

	s := &Server{
		cfg:   cfg,
		store: store,
		chat:  chat,
		log:   log,
		echo:  e,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r.Header.Get("Origin"), cfg.CORSAllowedOrigins)
			},
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/", func(c echo.Context) error {
		return c.Redirect(http.StatusSeeOther, "/health")
	})
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/create-session", s.handleCreateSession)
	s.echo.GET("/ws", s.handlePublicWS)
	s.echo.GET("/ws/:code", s.handlePrivateWS)
}

// Run starts the Echo server on cfg.BindAddress and blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		srv := &http.Server{
			Addr:      s.cfg.BindAddress,
			TLSConfig: s.tlsConfig,
		}
		if err := s.echo.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "PastePoint Server is running!")
}

type createSessionResponse struct {
	Code string `json:"code"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	code, err := s.store.CreatePrivateCode(session.DefaultCodeLength)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not allocate a session code")
	}
	return c.JSON(http.StatusOK, createSessionResponse{Code: code})
}

func (s *Server) handlePublicWS(c echo.Context) error {
	r := c.Request()
	ip, err := clientIP(r)
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	key := fmt.Sprintf("%s:%s", r.Host, ip)

	id, err := s.store.Resolve(key, false, false)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not resolve session")
	}
	return s.upgrade(c, id)
}

func (s *Server) handlePrivateWS(c echo.Context) error {
	code := c.Param("code")
	if strings.TrimSpace(code) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session code is required")
	}

	id, err := s.store.Resolve(code, true, true)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrExpired) {
			return echo.NewHTTPError(http.StatusNotFound, "Unknown session code")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "could not resolve session")
	}
	return s.upgrade(c, id)
}

func (s *Server) upgrade(c echo.Context, sessionID uuid.UUID) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		s.store.Release(sessionID)
		return nil
	}
	conn.SetReadLimit(connection.MaxFrameSize)

	cn := connection.New(sessionID, s.cfg.AutoJoin, s.store, s.chat, conn, s.log)
	// net/http cancels the request context once this handler returns, even
	// for a hijacked connection, so the Connection must not inherit that
	// cancellation; it ends on transport close or heartbeat timeout instead.
	go cn.Run(context.WithoutCancel(c.Request().Context()))
	return nil
}

// clientIP determines the caller's address per the dev/prod split: in
// development the peer address is trusted outright; in production the
// first X-Forwarded-For hop is trusted, falling back to X-Real-IP. Neither
// header present is a 403.
func clientIP(r *http.Request) (string, error) {
	if config.CurrentEnv() == config.Development {
		host := r.RemoteAddr
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
		return host, nil
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0]), nil
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real), nil
	}
	return "", errors.New("could not determine client address")
}

// checkOrigin implements the CORS host match: an empty Origin (non-browser
// client) is allowed; otherwise the origin's host must equal allowedHost or
// end with "."+allowedHost.
func checkOrigin(origin, allowedHost string) bool {
	if origin == "" {
		return true
	}
	host := origin
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	if idx := strings.IndexByte(host, '/'); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host == allowedHost || strings.HasSuffix(host, "."+allowedHost)
}

// jsonErrorHandler renders a consistent plain-text body for HTTP errors,
// matching the 400/403/404 plaintext bodies the wire interface names.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if s, ok := he.Message.(string); ok {
			msg = s
		}
	}
	if !c.Response().Committed {
		_ = c.String(code, msg)
	}
}
