// Package api exposes the control plane: read-only position and session
// views for polling clients plus authenticated mutation routes for the
// operator. The API is a collaborator of the core, never a dependency.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gridpilot/config"
	"gridpilot/executor"
	"gridpilot/grid"
	"gridpilot/logger"
	"gridpilot/position"
	"gridpilot/signal"
	"gridpilot/store"
	"gridpilot/supervisor"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Deps everything the control plane reads from or writes to
type Deps struct {
	Cache      *position.Cache
	Queue      *signal.Queue
	Engine     *grid.Engine
	Executor   *executor.Executor
	Supervisor *supervisor.Supervisor
	Registry   *config.Registry
	Store      *store.Store
}

// Server HTTP API server
type Server struct {
	router     *gin.Engine
	deps       Deps
	httpServer *http.Server
	port       int
	jwtSecret  []byte
	password   string
	startedAt  time.Time
}

// NewServer creates the API server
func NewServer(deps Deps, port int, jwtSecret, password string) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		deps:      deps,
		port:      port,
		jwtSecret: []byte(jwtSecret),
		password:  password,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// setupRoutes Setup routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		// Health and read-only views (no authentication required)
		api.Any("/health", s.handleHealth)
		api.GET("/positions", s.handlePositions)
		api.GET("/positions/version", s.handlePositionsVersion)
		api.GET("/trades", s.handleTrades)
		api.GET("/grid/sessions", s.handleListSessions)
		api.GET("/grid/sessions/:id", s.handleGetSession)

		// Operator login
		api.POST("/login", s.handleLogin)

		// Mutating routes require a bearer token
		protected := api.Group("/", s.authMiddleware())
		{
			protected.POST("/signals", s.handleManualSignal)
			protected.POST("/grid/sessions", s.handleCreateSession)
			protected.POST("/grid/sessions/:id/stop", s.handleStopSession)
			protected.GET("/config", s.handleGetConfig)
			protected.PUT("/config", s.handleUpdateConfig)
			protected.GET("/config/history", s.handleConfigHistory)
			protected.GET("/supervisor/restarts", s.handleRestarts)
		}
	}
}

// authMiddleware JWT authentication middleware
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing Authorization header"})
			c.Abort()
			return
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization format"})
			c.Abort()
			return
		}

		token, err := jwt.Parse(tokenParts[1], func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// handleLogin issues a bearer token for the operator password
func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if s.password == "" || req.Password != s.password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	claims := jwt.MapClaims{
		"sub": "operator",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sign token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed, "expires_in": 86400})
}

// Start starts the server (blocks until Shutdown or listen failure)
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	logger.Infof("🌐 API server starting at http://localhost%s", addr)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops accepting requests
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
