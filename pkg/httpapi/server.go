// Package httpapi HTTP интерфейс софтфона: статус, набор номера, завершение,
// DTMF, смена номера назначения и телеметрия (опрос событий, websocket, метрики).
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/arzzra/soft_phone/pkg/call"
	"github.com/arzzra/soft_phone/pkg/events"
	"github.com/arzzra/soft_phone/pkg/phone"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Phone операции софтфона, доступные через HTTP
type Phone interface {
	Status() phone.Status
	Dial(ctx context.Context, raw string) (call.Handle, error)
	SetTarget(raw string)
	Hangup(ctx context.Context) error
	SendDigit(ctx context.Context, digit rune) error
}

// Server HTTP обработчик софтфона
type Server struct {
	router  *chi.Mux
	phone   Phone
	ring    *events.Ring
	hub     http.Handler
	metrics http.Handler
	logger  *slog.Logger
}

// Option настройка Server
type Option func(*Server)

// WithRing включает опрос событий GET /api/v1/events
func WithRing(r *events.Ring) Option {
	return func(s *Server) { s.ring = r }
}

// WithHub включает push канал GET /api/v1/events/ws
func WithHub(h http.Handler) Option {
	return func(s *Server) { s.hub = h }
}

// WithMetrics включает GET /metrics
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger задаёт логгер
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l.With("component", "httpapi")
		}
	}
}

// NewServer создаёт обработчик со всеми маршрутами
func NewServer(p Phone, opts ...Option) *Server {
	s := &Server{
		router: chi.NewRouter(),
		phone:  p,
		logger: slog.Default().With("component", "httpapi"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP реализует http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/call", s.handleCall)
		r.Put("/target", s.handleTarget)
		r.Post("/hangup", s.handleHangup)
		r.Post("/dtmf", s.handleDTMF)

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handleEvents)
			if s.hub != nil {
				r.Method(http.MethodGet, "/ws", s.hub)
			}
		})
	})
}

// requestLogger пишет строку лога на запрос. Обёртка chi сохраняет
// http.Hijacker для websocket.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("http запрос",
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}
