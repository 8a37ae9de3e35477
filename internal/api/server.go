package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"breakretest-bot/config"
	"breakretest-bot/internal/database"
	"breakretest-bot/internal/engine"
	"breakretest-bot/internal/events"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	repo       *database.Repository
	eventBus   *events.EventBus
	engine     *engine.Engine
	appConfig  *config.Config
	config     config.ServerConfig
}

// NewServer creates a new API server
func NewServer(
	appConfig *config.Config,
	repo *database.Repository, // Can be nil if persistence is disabled
	eventBus *events.EventBus,
	eng *engine.Engine,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if appConfig.ServerConfig.AllowedOrigins != "" {
		corsConfig.AllowOrigins = strings.Split(appConfig.ServerConfig.AllowedOrigins, ",")
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:    router,
		repo:      repo,
		eventBus:  eventBus,
		engine:    eng,
		appConfig: appConfig,
		config:    appConfig.ServerConfig,
	}

	server.setupRoutes()

	// WebSocket hub for real-time event broadcasting
	InitWebSocket(eventBus)

	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/risk", s.handleRisk)
		api.GET("/instances", s.handleInstances)

		api.GET("/levels/:symbol", s.handleLevels)
		api.POST("/levels/manual", s.handleManualLevel)
		api.POST("/levels/previous-day", s.handlePreviousDayLevels)

		api.GET("/trades", s.handleTrades)
		api.GET("/trades/history", s.handleTradeHistory)

		api.POST("/flatten", s.handleFlattenAll)
		api.POST("/symbols/:symbol/resume", s.handleResumeSymbol)

		api.POST("/session/start", s.handleSessionStart)
		api.POST("/session/stop", s.handleSessionStop)
		api.POST("/ticks", s.handleTicks)

		api.GET("/config", s.handleGetConfig)
		api.PUT("/config", s.handleUpdateConfig)
	}

	s.router.GET("/ws", s.handleWebSocket)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	readTimeout := time.Duration(s.config.ReadTimeout) * time.Second
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := time.Duration(s.config.WriteTimeout) * time.Second
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting HTTP server on %s", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down HTTP server...")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dbHealthy := true
	if s.repo != nil {
		if err := s.repo.HealthCheck(ctx); err != nil {
			dbHealthy = false
		}
	}

	if !dbHealthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "healthy",
		"engine":   s.engine.Running(),
		"uptime":   time.Now().Format(time.RFC3339),
	})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
