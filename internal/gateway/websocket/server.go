package websocket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/config"
	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events/bus"
)

// Server hosts the gateway over HTTP: the /ws event stream plus a
// small status surface.
type Server struct {
	gateway *Gateway
	http    *http.Server
	logger  *logger.Logger
}

// NewServer builds the HTTP server for the gateway. history backs the
// session.status action and may be nil; statusFn supplies the payload
// for GET /api/v1/status.
func NewServer(cfg config.ServerConfig, eventBus bus.EventBus, history HistorySource, statusFn func() map[string]any, log *logger.Logger) (*Server, error) {
	gateway := NewGateway(log)
	if err := gateway.AttachBus(eventBus); err != nil {
		return nil, fmt.Errorf("failed to attach event bus: %w", err)
	}
	if history != nil {
		gateway.AttachHistory(history)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	gateway.SetupRoutes(router)
	router.GET("/api/v1/status", func(c *gin.Context) {
		payload := map[string]any{"clients": gateway.Hub.GetClientCount()}
		if statusFn != nil {
			for k, v := range statusFn() {
				payload[k] = v
			}
		}
		c.JSON(http.StatusOK, payload)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		gateway: gateway,
		http:    &http.Server{Addr: addr, Handler: router},
		logger:  log.WithFields(zap.String("component", "ws_server")),
	}, nil
}

// Start runs the hub and the HTTP listener until the context ends.
func (s *Server) Start(ctx context.Context) {
	go s.gateway.Hub.Run(ctx)
	go func() {
		s.logger.Info("event gateway listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()
}
