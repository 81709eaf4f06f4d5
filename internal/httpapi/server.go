package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quizforge/billing/internal/ledger"
	"github.com/quizforge/billing/internal/reconcile"
	"github.com/quizforge/billing/internal/webhook"
)

// Server hosts the webhook endpoint and the internal consumption API.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	service    *ledger.Service
	verifier   *webhook.Verifier
	processor  *webhook.Processor
	aggregator *reconcile.Aggregator
	reconciler *reconcile.Reconciler
	nowFn      func() int64
}

// NewServer wires the HTTP surface.
func NewServer(cfg Config, logger *zap.Logger, service *ledger.Service, verifier *webhook.Verifier, processor *webhook.Processor, aggregator *reconcile.Aggregator, reconciler *reconcile.Reconciler) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil || service == nil || verifier == nil || processor == nil || aggregator == nil || reconciler == nil {
		return nil, fmt.Errorf("server dependencies are incomplete")
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		service:    service,
		verifier:   verifier,
		processor:  processor,
		aggregator: aggregator,
		reconciler: reconciler,
		nowFn:      func() int64 { return time.Now().UTC().Unix() },
	}, nil
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	router := server.setupRouter()
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("billing api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownGrace)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ginContext *gin.Context) {
		ginContext.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/provider", webhook.Handler(server.verifier, server.processor, server.logger))

	api := router.Group("/api")
	api.Use(ServiceTokenMiddleware([]byte(server.cfg.APISigningKey), server.cfg.APITokenIssuer, server.logger))

	api.POST("/reservations", server.handleReserve)
	api.POST("/reservations/:reservationID/commit", server.handleCommit)
	api.POST("/reservations/:reservationID/release", server.handleRelease)
	api.GET("/accounts/:accountID/balance", server.handleBalance)
	api.GET("/accounts/:accountID/entries", server.handleListEntries)
	api.GET("/usage/rollups", server.handleUsageRollups)
	api.POST("/reconciliation/run", server.handleReconcileRun)
	api.GET("/reconciliation/latest", server.handleReconcileLatest)

	return router
}
