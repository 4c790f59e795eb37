// Package admind serves the HTTP admin API of the daemon: Prometheus
// metrics, network status and runtime management of K, D and G-lines.
package admind

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/presbrey/ts6d/irc/config"
	"github.com/presbrey/ts6d/irc/server"
)

// Options carry the optional collaborators of the admin server.
type Options struct {
	Logger *zap.SugaredLogger
	// Verifier checks bearer ID tokens. When nil and an OIDC issuer is
	// configured, one is discovered from the issuer.
	Verifier *oidc.IDTokenVerifier
}

// Server is the admin HTTP endpoint of one IRC server.
type Server struct {
	irc      *server.Server
	echo     *echo.Echo
	log      *zap.SugaredLogger
	verifier *oidc.IDTokenVerifier
}

// requestValidator plugs the config validator into echo's Bind flow.
type requestValidator struct {
	v *validator.Validate
}

func (rv *requestValidator) Validate(i interface{}) error {
	if err := rv.v.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// New builds the admin API for srv.
func New(ctx context.Context, srv *server.Server, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	s := &Server{
		irc:      srv,
		log:      opts.Logger.Named("admin"),
		verifier: opts.Verifier,
	}
	cfg := srv.Config()
	if s.verifier == nil && cfg.Admin.OIDCIssuer != "" {
		provider, err := oidc.NewProvider(ctx, cfg.Admin.OIDCIssuer)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OIDC provider: %w", err)
		}
		s.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Admin.OIDCClientID})
	}
	if s.verifier == nil && cfg.Admin.Token == "" {
		s.log.Warnw("admin API has no authentication configured")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: config.Validator()}
	e.Use(middleware.Recover())
	e.Use(srv.Metrics().Middleware())
	s.echo = e
	s.route(e)
	return s, nil
}

func (s *Server) route(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(s.irc.Metrics().Handler()))

	api := e.Group("/api", s.authMiddleware)
	api.GET("/stats", s.handleStats)
	api.GET("/servers", s.handleServers)
	api.GET("/lines/:kind", s.handleListLines)
	api.POST("/lines/:kind", s.handleAddLine)
	api.DELETE("/lines/:kind", s.handleRemoveLine)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Infow("admin API listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// authMiddleware accepts the configured static token or an ID token the
// OIDC verifier approves. The caller's identity is stored as "admin".
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := s.irc.Config().Admin.Token
		if token == "" && s.verifier == nil {
			c.Set("admin", "admin")
			return next(c)
		}
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		if token != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(token)) == 1 {
			c.Set("admin", "admin")
			return next(c)
		}
		if s.verifier != nil {
			idToken, err := s.verifier.Verify(c.Request().Context(), raw)
			if err == nil {
				var claims struct {
					Email string `json:"email"`
				}
				who := idToken.Subject
				if err := idToken.Claims(&claims); err == nil && claims.Email != "" {
					who = claims.Email
				}
				c.Set("admin", who)
				return next(c)
			}
			s.log.Infow("rejected admin token", "remote", c.RealIP(), "error", err)
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
	}
}
