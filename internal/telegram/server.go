package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// UpdateHandler consumes one decoded update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, upd tgbotapi.Update)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string
	Timeout     time.Duration
	WebhookPath string // empty disables the webhook route
	WebhookKey  string // expected X-Telegram-Bot-Api-Secret-Token value
	Version     string
}

// Server exposes the health probe and, in webhook mode, the update endpoint.
type Server struct {
	cfg     ServerConfig
	health  Pinger
	updates UpdateHandler
	log     *zap.Logger
	lgr     lgr.Func

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// NewServer creates the HTTP server. updates may be nil when polling.
func NewServer(cfg ServerConfig, health Pinger, updates UpdateHandler, log *zap.Logger) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	sugar := log.Sugar()
	s := &Server{
		cfg:     cfg,
		health:  health,
		updates: updates,
		log:     log,
		lgr:     lgr.Func(func(format string, args ...interface{}) { sugar.Infof(format, args...) }),
		router:  routegroup.New(http.NewServeMux()),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting http server", zap.String("addr", s.cfg.Addr))

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Timeout,
		ReadTimeout:       s.cfg.Timeout,
		WriteTimeout:      s.cfg.Timeout,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http server shutdown error", zap.Error(err))
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("panchang-bot", "ucs200525", s.cfg.Version))
	s.router.Use(rest.Ping)
	s.router.Use(rest.Recoverer(s.lgr))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(1024 * 1024)) // 1MB
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /healthz", s.healthHandler)
	if s.cfg.WebhookPath != "" && s.updates != nil {
		s.router.HandleFunc("POST "+s.cfg.WebhookPath, s.webhookHandler)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.health.Ping(ctx); err != nil {
		rest.SendErrorJSON(w, r, s.lgr, http.StatusServiceUnavailable, err, "store unavailable")
		return
	}
	rest.RenderJSON(w, rest.JSON{"status": "ok"})
}

// SecretTokenHeader carries the secret_token registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(SecretTokenHeader)
	if s.cfg.WebhookKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookKey)) != 1 {
		rest.SendErrorJSON(w, r, s.lgr, http.StatusUnauthorized, errors.New("bad secret token"), "unauthorized")
		return
	}
	var upd tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		rest.SendErrorJSON(w, r, s.lgr, http.StatusBadRequest, err, "invalid update")
		return
	}
	s.updates.HandleUpdate(r.Context(), upd)
	w.WriteHeader(http.StatusOK)
}
