// Package server exposes the HTTP API: queue and activity observation,
// account and expert administration, transaction control and the live
// activity event stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/broker"
	"github.com/akrivos/helmsman/internal/jobs"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/activity"
	"github.com/akrivos/helmsman/internal/modules/experts"
	"github.com/akrivos/helmsman/internal/modules/orders"
	"github.com/akrivos/helmsman/internal/modules/rules"
	"github.com/akrivos/helmsman/internal/modules/settings"
	"github.com/akrivos/helmsman/internal/queue"
)

// Deps bundles everything the HTTP layer reads from or writes to.
type Deps struct {
	Port int
	Log  zerolog.Logger

	Queue        *queue.Manager
	Jobs         *jobs.Manager
	Activity     *activity.Repository
	LLMUsage     *activity.LLMUsageRepository
	Accounts     *accounts.Repository
	Broker       *broker.Manager
	Experts      *experts.Repository
	Transactions *orders.TransactionRepository
	Orders       *orders.OrderRepository
	Rules        *rules.Repository
	Settings     *settings.Repository
}

// Server is the HTTP front of the platform.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	deps   Deps

	events *eventHub
}

// New creates the HTTP server and subscribes the event hub to the activity
// stream. Call before any goroutine starts appending activity.
func New(deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    deps.Log.With().Str("component", "server").Logger(),
		deps:   deps,
		events: newEventHub(deps.Log),
	}
	deps.Activity.Subscribe(s.events.broadcast)

	s.setupMiddleware()
	s.setupRoutes()

	// No WriteTimeout: the activity event stream holds its response open.
	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", deps.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/pending", s.handleQueuePending)
			r.Get("/running", s.handleQueueRunning)
			r.Get("/tasks", s.handleQueueAll)
			r.Get("/tasks/{id}", s.handleQueueTask)
			r.Post("/tasks/{id}/cancel", s.handleQueueCancel)
			r.Post("/analysis", s.handleSubmitAnalysis)
		})

		r.Route("/activity", func(r chi.Router) {
			r.Get("/", s.handleActivityRecent)
			r.Get("/events", s.events.handleStream)
			r.Get("/llm-usage", s.handleLLMUsage)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleAccountList)
			r.Post("/", s.handleAccountCreate)
			r.Get("/{id}", s.handleAccountGet)
			r.Delete("/{id}", s.handleAccountDelete)
			r.Get("/{id}/info", s.handleAccountInfo)
			r.Get("/{id}/positions", s.handleAccountPositions)
			r.Post("/{id}/refresh", s.handleAccountRefresh)
		})

		r.Route("/experts", func(r chi.Router) {
			r.Get("/", s.handleExpertList)
			r.Post("/", s.handleExpertCreate)
			r.Get("/{id}", s.handleExpertGet)
			r.Put("/{id}", s.handleExpertUpdate)
			r.Delete("/{id}", s.handleExpertDelete)
			r.Post("/schedules/refresh", s.handleScheduleRefresh)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", s.handleTransactionList)
			r.Get("/{id}", s.handleTransactionGet)
			r.Post("/{id}/close", s.handleTransactionClose)
		})

		r.Route("/rulesets", func(r chi.Router) {
			r.Get("/", s.handleRulesetList)
			r.Get("/{id}/event-actions", s.handleRulesetEventActions)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleSettingsList)
			r.Put("/{key}", s.handleSettingSet)
		})
	})
}

// Start blocks on ListenAndServe.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and disconnects event stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	s.events.closeAll()
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
