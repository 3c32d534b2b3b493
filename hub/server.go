package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	rise "github.com/rise-support/rise-go"

	_ "modernc.org/sqlite"
)

const userContextKey = "rise.user"

// Components are the collaborators a Server routes to.
type Components struct {
	Auth     *Authenticator
	Hub      *Hub
	Alerts   *AlertCoordinator
	Messages *MessageService
	Metrics  *Metrics
	Logger   zerolog.Logger
}

// Server is the HTTP front of the hub: the REST API, the websocket endpoint,
// health and metrics.
type Server struct {
	echo   *echo.Echo
	c      Components
	cron   *cron.Cron
	logger zerolog.Logger

	flushSpec       string
	shutdownTimeout time.Duration
	closers         []func(context.Context) error
}

// NewServer wires routes for c.
func NewServer(c Components) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:            e,
		c:               c,
		cron:            cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:          c.Logger.With().Str("component", "server").Logger(),
		flushSpec:       "@every 10s",
		shutdownTimeout: 10 * time.Second,
	}
	e.HTTPErrorHandler = s.errorHandler
	e.Use(s.requestLogger)

	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(c.Metrics.Handler()))
	e.GET("/hub", echo.WrapHandler(c.Hub))

	conv := e.Group("/conversations", s.requireAuth)
	conv.POST("/:id/messages", s.createMessage)
	conv.GET("/:id/alert", s.alertStatus)
	conv.POST("/:id/alert/activate", s.activateAlert)
	conv.POST("/:id/alert/deactivate", s.deactivateAlert)
	return s
}

// Build constructs a Server and its stores from cfg.
func Build(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Server, error) {
	metrics := NewMetrics()
	auth := NewAuthenticator(cfg.Auth.Secret, cfg.Auth.TokenExpiry)
	h := New(auth, Options{
		RateLimit: cfg.Hub.RateLimit,
		RateBurst: cfg.Hub.RateBurst,
		Metrics:   metrics,
		Logger:    logger,
	})

	var closers []func(context.Context) error

	var alertStore AlertStore = NewMemoryAlertStore()
	if cfg.Alerts.Store == "mongo" {
		store, disconnect, err := ConnectMongoAlertStore(ctx, cfg.Alerts.MongoURI, cfg.Alerts.MongoDatabase)
		if err != nil {
			return nil, err
		}
		alertStore = store
		closers = append(closers, disconnect)
	}
	alerts := NewAlertCoordinator(alertStore, h,
		WithActivationPolicy(cfg.ActivationPolicy()),
		WithAlertMetrics(metrics),
		WithAlertLogger(logger),
	)
	h.SetAlerts(alerts)

	var repo MessageRepository = NewMemoryMessageRepository()
	if cfg.Messages.Store == "sqlite" {
		db, err := sql.Open("sqlite", cfg.Messages.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open message database: %w", err)
		}
		db.SetMaxOpenConns(1)
		sqlRepo := NewSQLMessageRepository(db)
		if err := sqlRepo.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		repo = sqlRepo
		closers = append(closers, func(context.Context) error { return db.Close() })
	}

	s := NewServer(Components{
		Auth:     auth,
		Hub:      h,
		Alerts:   alerts,
		Messages: NewMessageService(repo, h, metrics, logger),
		Metrics:  metrics,
		Logger:   logger,
	})
	if cfg.Messages.BacklogFlush != "" {
		s.flushSpec = cfg.Messages.BacklogFlush
	}
	if cfg.Server.ShutdownTimeout > 0 {
		s.shutdownTimeout = cfg.Server.ShutdownTimeout
	}
	s.closers = closers
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if _, err := s.cron.AddFunc(s.flushSpec, func() {
		s.c.Messages.FlushBacklog(ctx)
	}); err != nil {
		return fmt.Errorf("schedule backlog flush: %w", err)
	}
	s.cron.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("server listening")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		<-s.cron.Stop().Done()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	<-s.cron.Stop().Done()
	s.c.Hub.Close()
	err := s.echo.Shutdown(shutdownCtx)
	for _, closeFn := range s.closers {
		if cerr := closeFn(shutdownCtx); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("close dependency")
		}
	}
	s.logger.Info().Msg("server stopped")
	return err
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		req := c.Request()
		s.logger.Info().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", c.Response().Status).
			Dur("latency", time.Since(start)).
			Msg("request")
		return nil
	}
}

func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, err := s.c.Auth.Authenticate(c.Request())
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
		}
		c.Set(userContextKey, user)
		return next(c)
	}
}

func currentUser(c echo.Context) rise.UserContext {
	u, _ := c.Get(userContextKey).(rise.UserContext)
	return u
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, rise.APIResult{
		OK:   true,
		Data: rawJSON(map[string]any{"status": "ok", "connections": s.c.Hub.ConnectionCount()}),
	})
}

func (s *Server) createMessage(c echo.Context) error {
	var req rise.CreateMessageRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, &rise.ValidationError{Message: "invalid request body"})
	}
	msg, queued, err := s.c.Messages.Create(c.Request().Context(), c.Param("id"), currentUser(c), req)
	if err != nil {
		return writeError(c, err)
	}
	if queued {
		return c.JSON(http.StatusAccepted, rise.APIResult{
			OK:     false,
			Data:   rawJSON(msg),
			Errors: []string{QueuedNotice},
		})
	}
	return c.JSON(http.StatusCreated, rise.APIResult{OK: true, Data: rawJSON(msg)})
}

func (s *Server) alertStatus(c echo.Context) error {
	st, err := s.c.Alerts.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, rise.APIResult{OK: true, Data: rawJSON(st)})
}

func (s *Server) activateAlert(c echo.Context) error {
	st, err := s.c.Alerts.Activate(c.Request().Context(), c.Param("id"), currentUser(c).ID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, rise.APIResult{OK: true, Data: rawJSON(st)})
}

func (s *Server) deactivateAlert(c echo.Context) error {
	st, err := s.c.Alerts.Deactivate(c.Request().Context(), c.Param("id"), currentUser(c).ID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, rise.APIResult{OK: true, Data: rawJSON(st)})
}

// ============================================================================
// Errors
// ============================================================================

// writeError renders err as a failed envelope with a matching status code.
func writeError(c echo.Context, err error) error {
	var (
		ve *rise.ValidationError
		ae *rise.AuthorizationError
		de *rise.DomainConflictError
		ce *rise.ConnectionError
	)
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusUnprocessableEntity, rise.APIResult{
			ValidationErrors: []rise.ValidationFailure{{Field: ve.Field, Message: ve.Message}},
		})
	case errors.As(err, &ae):
		return c.JSON(http.StatusForbidden, rise.APIResult{Errors: []string{ae.Message}})
	case errors.As(err, &de):
		status := http.StatusConflict
		if de.Code == rise.CodeNotFound {
			status = http.StatusNotFound
		}
		return c.JSON(status, rise.APIResult{Errors: []string{de.Message}})
	case errors.As(err, &ce):
		return c.JSON(http.StatusServiceUnavailable, rise.APIResult{Errors: []string{ce.Error()}})
	default:
		return c.JSON(http.StatusInternalServerError, rise.APIResult{Errors: []string{"internal error"}})
	}
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		msg = fmt.Sprint(he.Message)
	} else {
		s.logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
	}
	_ = c.JSON(status, rise.APIResult{Errors: []string{msg}})
}

// rawJSON encodes values that are known to marshal.
func rawJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
