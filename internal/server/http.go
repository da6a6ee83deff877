// Package server is the HTTP/JSON surface: write operations funneled to the
// engine goroutine via the orchestrator, and read queries served from the
// projection tables. Authentication happens upstream at the API gateway; this
// layer treats the authority field of a request as already verified and the
// engine's guards enforce authorization against ledger state.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"EscrowLedger/internal/engine"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/query"
)

// OpSubmitter applies one operation on the engine goroutine.
type OpSubmitter interface {
	Submit(ctx context.Context, op escrow.Op) (*engine.Result, error)
}

// Server is the public HTTP server.
type Server struct {
	addr       string
	httpServer *http.Server

	submitter OpSubmitter
	queries   *query.Service
	health    *observability.HealthChecker
	metrics   *observability.Metrics
	log       zerolog.Logger

	limiters     map[string]*rate.Limiter
	limiterMu    sync.Mutex
	limitRPS     rate.Limit
	limitBurst   int
	limiterSweep time.Time
}

// Deps holds the server's dependencies.
type Deps struct {
	Submitter OpSubmitter
	Queries   *query.Service
	Health    *observability.HealthChecker
	Metrics   *observability.Metrics
	Log       zerolog.Logger

	// RateLimitRPS / RateLimitBurst throttle per client IP. Zero disables.
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		addr:       addr,
		submitter:  deps.Submitter,
		queries:    deps.Queries,
		health:     deps.Health,
		metrics:    deps.Metrics,
		log:        deps.Log,
		limiters:   make(map[string]*rate.Limiter),
		limitRPS:   rate.Limit(deps.RateLimitRPS),
		limitBurst: deps.RateLimitBurst,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	if s.limitRPS > 0 {
		r.Use(s.rateLimit)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/ops/deposit", s.instrument("deposit", s.handleDeposit))
		r.Post("/ops/withdraw", s.instrument("withdraw", s.handleWithdraw))
		r.Post("/ops/close-account", s.instrument("close_account", s.handleCloseAccount))
		r.Post("/ops/bets", s.instrument("place_bet", s.handlePlaceBet))

		r.Post("/admin/initialize", s.instrument("admin_initialize", s.handleInitialize))
		r.Put("/admin/config", s.instrument("admin_config", s.handleUpdateConfig))
		r.Post("/admin/pause", s.instrument("admin_pause", s.handleSetPaused))
		r.Post("/admin/fund-wallet", s.instrument("admin_fund_wallet", s.handleFundWallet))

		r.Get("/balances/{owner}", s.instrument("get_balance", s.handleGetBalance))
		r.Get("/pools", s.instrument("list_pools", s.handleListPools))
		r.Get("/pools/{matchID}", s.instrument("get_pool", s.handleGetPool))
		r.Get("/pools/{matchID}/odds", s.instrument("get_odds", s.handleGetOdds))
		r.Get("/pools/{matchID}/bets", s.instrument("match_bets", s.handleGetMatchBets))
		r.Get("/users/{owner}/bets", s.instrument("user_bets", s.handleGetUserBets))
		r.Get("/platform", s.instrument("platform", s.handlePlatformStats))
	})

	if s.health != nil {
		r.Get("/healthz", s.health.LivenessHandler)
		r.Get("/readyz", s.health.ReadinessHandler)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, used by tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then drains with a 5s grace period.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- middleware ---

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(clientKey(r)).Allow() {
			writeJSONError(w, http.StatusTooManyRequests, "RateLimited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	// Reset the table hourly so one-off clients don't accumulate forever.
	if time.Since(s.limiterSweep) > time.Hour {
		s.limiters = make(map[string]*rate.Limiter)
		s.limiterSweep = time.Now()
	}

	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(s.limitRPS, s.limitBurst)
		s.limiters[key] = lim
	}
	return lim
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// instrument records request count and latency per endpoint.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			h(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		h(ww, r)
		s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(ww.Status())).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}
