package api

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/api/handlers"
	"example.com/backstage/services/orders/internal/idempotency"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/repositories"
	"example.com/backstage/services/orders/internal/saga"
	"example.com/backstage/services/orders/internal/search"
	"example.com/backstage/services/orders/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
	opsHandler *handlers.OpsHandler
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, db *gorm.DB, orders *repositories.OrderRepository, m *metrics.Metrics, guard *idempotency.Guard, instanceStore *saga.InstanceStore, searchClient *search.ElasticClient, tracer tracing.Tracer) *Server {
	server := &Server{
		config:     cfg,
		opsHandler: handlers.NewOpsHandler(db, orders, m, guard, instanceStore, searchClient, tracer),
	}

	router := server.setupRouter()
	server.router = router

	httpServer := &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: router,
	}
	server.httpServer = httpServer

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.Default()

	// Recovery middleware
	router.Use(gin.Recovery())

	// Register handlers
	s.opsHandler.RegisterRoutes(router)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	// Create a timeout context for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
