// Package dashboard serves a read-only JSON status API over the engine.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/models"
	"github.com/mwalcott/triarb/internal/recovery"
	"github.com/mwalcott/triarb/internal/tracker"
)

// EngineStatus exposes the arbitrage engine's state.
type EngineStatus interface {
	Paused() bool
	ActiveGroup() *models.Group
	Totals() (opened, closed int, pnl float64)
}

// BookReader exposes the order tracker's book.
type BookReader interface {
	All() []tracker.Record
	Stats() tracker.Stats
}

// RecoveryReader exposes the recovery manager's book.
type RecoveryReader interface {
	ActiveRecoveries() []recovery.ActiveRecovery
	Stats() recovery.Stats
}

// RegimeFunc returns the current market regime.
type RegimeFunc func() models.Regime

// Config holds the HTTP listen settings.
type Config struct {
	Listen string
}

// Server is the read-only status API. It never places or closes orders.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	logger   *logrus.Logger
	listen   string
	started  time.Time
	broker   broker.Broker
	engine   EngineStatus
	book     BookReader
	recovery RecoveryReader
	regime   RegimeFunc
}

// NewServer wires the status API over the engine's read surfaces.
func NewServer(cfg Config, b broker.Broker, engine EngineStatus, book BookReader, rec RecoveryReader, regime RegimeFunc, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		listen:   cfg.Listen,
		started:  time.Now().UTC(),
		broker:   b,
		engine:   engine,
		book:     book,
		recovery: rec,
		regime:   regime,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/tracker", s.handleTracker)
	s.router.Get("/api/recoveries", s.handleRecoveries)
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("Dashboard listening on %s", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the underlying router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"uptime_s":  int(time.Since(s.started).Seconds()),
		"timestamp": time.Now().Unix(),
	})
}

type statusResponse struct {
	Regime       string        `json:"regime"`
	Paused       bool          `json:"is_arbitrage_paused"`
	ActiveGroup  *models.Group `json:"active_group,omitempty"`
	GroupsOpened int           `json:"groups_opened"`
	GroupsClosed int           `json:"groups_closed"`
	RealizedPnL  float64       `json:"realized_pnl"`
	Balance      float64       `json:"balance"`
	Equity       float64       `json:"equity"`
	FreeMargin   float64       `json:"free_margin"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	opened, closed, pnl := s.engine.Totals()
	resp := statusResponse{
		Regime:       string(s.regime()),
		Paused:       s.engine.Paused(),
		ActiveGroup:  s.engine.ActiveGroup(),
		GroupsOpened: opened,
		GroupsClosed: closed,
		RealizedPnL:  pnl,
	}

	// Account metrics are best effort: the status page stays up when the
	// terminal is down.
	if b, err := s.broker.GetAccountBalance(); err == nil {
		resp.Balance = b
	} else {
		s.logger.WithError(err).Warn("Account balance unavailable")
	}
	if e, err := s.broker.GetAccountEquity(); err == nil {
		resp.Equity = e
	}
	if m, err := s.broker.GetFreeMargin(); err == nil {
		resp.FreeMargin = m
	}
	s.writeJSON(w, resp)
}

type trackerResponse struct {
	Stats  tracker.Stats    `json:"stats"`
	Orders []tracker.Record `json:"orders"`
}

func (s *Server) handleTracker(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, trackerResponse{
		Stats:  s.book.Stats(),
		Orders: s.book.All(),
	})
}

type recoveriesResponse struct {
	Stats  recovery.Stats            `json:"stats"`
	Active []recovery.ActiveRecovery `json:"active"`
}

func (s *Server) handleRecoveries(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, recoveriesResponse{
		Stats:  s.recovery.Stats(),
		Active: s.recovery.ActiveRecoveries(),
	})
}
