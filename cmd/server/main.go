// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"serial-terminal/internal/config"
	"serial-terminal/internal/protocol/serial"
	"serial-terminal/internal/routes"
	"serial-terminal/internal/service"
	"serial-terminal/internal/utils"
)

const shutdownTimeout = 30 * time.Second

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server
	router *routes.Router

	session    *serial.Session
	controller *service.SessionController

	stopBackground chan struct{}
	background     sync.WaitGroup
}

func main() {
	configFile := pflag.StringP("config", "c", "", "path to a config file (default: search ./, ./config, /etc/serial-terminal)")
	pflag.Parse()

	app, err := NewApplication(*configFile)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	defer utils.LogPanic(app.logger)

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configFile string) (*Application, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, cfg.App.Name)
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config:         cfg,
		logger:         logger,
		stopBackground: make(chan struct{}),
	}

	app.initializeSession()
	app.initializeController()

	if err := app.initializeServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeSession builds the serial session on host ports or loopback ports
func (app *Application) initializeSession() {
	sessionConfig := serial.DefaultConfig()
	sessionConfig.ReadTimeout = app.config.Serial.ReadTimeout
	sessionConfig.WriteTimeout = app.config.Serial.WriteTimeout
	sessionConfig.ReadBufferSize = app.config.Serial.ReadBufferSize

	if app.config.Serial.Loopback.Enabled {
		loopback := serial.NewLoopback(app.config.Serial.Loopback.Ports...)
		sessionConfig.Opener = loopback.Open
		sessionConfig.Lister = loopback.List
		sessionConfig.DetailLister = nil

		app.logger.Warn("Loopback mode enabled, host serial ports are hidden",
			zap.Strings("ports", app.config.Serial.Loopback.Ports),
		)
	}

	app.session = serial.NewSession(sessionConfig, app.logger)

	app.logger.Info("Serial session initialized successfully",
		zap.Duration("read_timeout", sessionConfig.ReadTimeout),
		zap.Duration("write_timeout", sessionConfig.WriteTimeout),
		zap.Bool("loopback", app.config.Serial.Loopback.Enabled),
	)
}

// initializeController creates and starts the session controller
func (app *Application) initializeController() {
	app.controller = service.NewSessionController(app.session, service.Options{
		PortConfig:   app.config.PortConfig(),
		Language:     app.config.LanguageTag(),
		HexUpperCase: app.config.Terminal.HexUpperCase,
		SendHex:      app.config.Terminal.SendHex,
		ReceiveHex:   app.config.Terminal.ReceiveHex,
		QueueSize:    app.config.Terminal.EventQueueSize,
	}, app.logger)
	app.controller.Start()

	ctx, cancel := context.WithTimeout(context.Background(), app.config.Terminal.CommandTimeout)
	defer cancel()
	ports, err := app.controller.SyncPorts(ctx)
	if err != nil {
		app.logger.Warn("Initial port enumeration failed", zap.Error(err))
	}

	app.logger.Info("Session controller initialized successfully",
		zap.String("port", app.config.PortConfig().String()),
		zap.Int("ports_found", len(ports)),
	)
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	app.router = routes.NewRouter(app.config, app.logger, app.controller, app.session)
	router := app.router.SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)

	return nil
}

// startBackgroundServices starts background services
func (app *Application) startBackgroundServices() {
	app.background.Add(1)
	go app.startPortMonitoring()

	app.logger.Info("Background services started")
}

// startPortMonitoring keeps the port list current while the server runs
func (app *Application) startPortMonitoring() {
	defer app.background.Done()

	interval := app.config.Serial.PortRefreshInterval
	if interval <= 0 {
		app.logger.Info("Port monitoring disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	app.logger.Info("Port monitoring started", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), app.config.Terminal.CommandTimeout)
			if _, err := app.controller.SyncPorts(ctx); err != nil {
				app.logger.Debug("Port refresh skipped", zap.Error(err))
			}
			cancel()
		case <-app.stopBackground:
			return
		}
	}
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown(serverErr <-chan error) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		app.shutdown("shutdown signal received")
	case err := <-serverErr:
		app.logger.Error("HTTP server failed", zap.Error(err))
		app.shutdown("http server failed")
	}
}

// shutdown stops background work and serving, then releases the port
func (app *Application) shutdown(reason string) {
	serviceLogger := utils.NewServiceLogger(app.logger, app.config.App.Name)
	serviceLogger.LogServiceStop(reason)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	close(app.stopBackground)
	app.background.Wait()

	app.router.Close()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	if err := app.controller.Shutdown(ctx); err != nil {
		app.logger.Error("Session shutdown error", zap.Error(err))
	} else {
		app.logger.Info("Serial session closed")
	}

	app.logger.Info("Application shutdown completed")

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// Start serves HTTP until a shutdown signal arrives
func (app *Application) Start() error {
	serverErr := make(chan error, 1)

	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		var err error
		if app.config.Server.TLS.Enabled {
			err = app.server.ListenAndServeTLS(
				app.config.Server.TLS.CertFile,
				app.config.Server.TLS.KeyFile,
			)
		} else {
			err = app.server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	app.startBackgroundServices()
	app.waitForShutdown(serverErr)

	return nil
}
