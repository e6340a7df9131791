// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"serial-terminal/internal/config"
	"serial-terminal/internal/handler"
	"serial-terminal/internal/middleware"
	"serial-terminal/internal/service"
	"serial-terminal/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config     *config.Config
	logger     *zap.Logger
	controller *service.SessionController
	session    handler.SessionInspector
	websocket  *handler.WebSocketHandler
}

// NewRouter creates a new router instance
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	controller *service.SessionController,
	session handler.SessionInspector,
) *Router {
	return &Router{
		config:     config,
		logger:     logger,
		controller: controller,
		session:    session,
		websocket: handler.NewWebSocketHandler(
			controller,
			config.Security.AllowedOrigins,
			config.Terminal.CommandTimeout,
			logger,
		),
	}
}

// SetupRouter creates and configures the Gin router and starts the event stream
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if r.config.IsDebugEnabled() {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	r.websocket.Start()

	return router
}

// Close stops the event stream and disconnects websocket clients
func (r *Router) Close() {
	r.websocket.Stop()
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware(r.logger))

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger, "/live", "/ready"))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.controller, r.session, r.websocket, r.config, r.logger)
	terminalHandler := handler.NewTerminalHandler(r.controller, r.session, r.config.Terminal.CommandTimeout, r.logger)

	healthHandler.RegisterRoutes(router.Group(""))

	apiV1 := router.Group("/api/v1")
	terminalHandler.RegisterRoutes(apiV1)

	r.websocket.RegisterRoutes(router.Group("/ws"))

	r.logger.Info("All routes configured successfully")
}
