// Package api serves the ops surface: health, pipeline status, risk state,
// recent cards, and Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"binance-signal-service/internal/cache"
	"binance-signal-service/internal/database"
	"binance-signal-service/internal/market"
	"binance-signal-service/internal/risk"
)

// Deps are the read-only views the API exposes. DB and Repo may be nil
// when the archive is disabled.
type Deps struct {
	RunID      string
	Symbols    []string
	Mode       func() string
	Health     func() []market.SymbolHealth
	ClockState func() string
	Risk       *risk.Engine
	Cache      *cache.Service
	DB         *database.DB
	Repo       *database.Repository
}

// Server is the ops HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
	logger     zerolog.Logger
	started    time.Time
}

// NewServer builds the router. Call Start to begin serving.
func NewServer(listenAddr string, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:              listenAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		deps:    deps,
		logger:  logger.With().Str("component", "api").Logger(),
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/risk/state", s.handleRiskState)
		v1.GET("/cards/latest", s.handleLatestCards)
	}
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("ops api listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("ops api server failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }
