package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vitos/futures_level_bot/internal/domain"
	"github.com/vitos/futures_level_bot/internal/infrastructure/metrics"
	"github.com/vitos/futures_level_bot/internal/usecase"
	"go.uber.org/zap"
)

type Server struct {
	router    *http.ServeMux
	server    *http.Server
	engine    *usecase.Engine
	store     *usecase.StateStore
	tradeRepo domain.TradeRepository
	logger    *zap.Logger
}

func NewServer(
	port int,
	engine *usecase.Engine,
	store *usecase.StateStore,
	tradeRepo domain.TradeRepository,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		engine:    engine,
		store:     store,
		tradeRepo: tradeRepo,
		logger:    logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Health
	s.router.HandleFunc("GET /healthz", s.handleHealth)

	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)

	// Trades
	s.router.HandleFunc("GET /trades", s.handleTrades)

	// Levels
	s.router.HandleFunc("GET /levels", s.handleLevels)

	// Prometheus
	s.router.Handle("GET /metrics", metrics.Handler())
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
