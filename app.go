package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"mediaRelay/auditlog"
	"mediaRelay/relay"
	"mediaRelay/store"
)

// App wires the relay core to its collaborators and the HTTP surface.
type App struct {
	mu         sync.RWMutex
	config     *Config
	dispatcher *relay.Dispatcher

	mongo    *store.Mongo   // nil when no store is configured
	audit    *auditlog.Log  // nil when auditing is disabled
	download *resty.Client
	logger   *logrus.Logger
	stopChan chan struct{}
}

func NewApp(config *Config, logger *logrus.Logger) (*App, error) {
	a := &App{
		config:   config,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	if config.Mongo.URI != "" {
		mongo, err := store.NewMongo(config.Mongo, logger)
		if err != nil {
			// The relay still works with explicit tokens; degrade, don't die.
			logger.Warnf("Credential store unavailable: %v", err)
		} else {
			a.mongo = mongo
		}
	} else {
		logger.Warn("No credential store configured, only explicit tokens will resolve")
	}

	if config.AuditDatabase != "" {
		audit, err := auditlog.Open(config.AuditDatabase, logger)
		if err != nil {
			return nil, err
		}
		a.audit = audit
	}

	dispatcher, err := a.buildDispatcher(config)
	if err != nil {
		return nil, err
	}
	a.dispatcher = dispatcher

	a.download = resty.New().
		SetTimeout(time.Duration(config.RequestTimeout) * time.Second)

	return a, nil
}

func (a *App) buildDispatcher(config *Config) (*relay.Dispatcher, error) {
	var validator *relay.Validator
	if config.Recaptcha.ProjectID != "" {
		validator = relay.NewValidator(config.Recaptcha, a.logger)
	}

	var credentials relay.CredentialStore
	if a.mongo != nil {
		credentials = a.mongo
	}

	return relay.NewDispatcher(config.Dispatcher, credentials, validator, a.logger)
}

func (a *App) currentDispatcher() *relay.Dispatcher {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dispatcher
}

func (a *App) currentConfig() *Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// watchConfigAndReload rebuilds the dispatch pipeline when the config file
// changes, so a spoofed-identity or placement change does not need a restart.
func (a *App) watchConfigAndReload(filePath string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.logger.Errorf("Failed to create config watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filePath); err != nil {
		a.logger.Errorf("Failed to watch config file: %v", err)
		return
	}

	for {
		select {
		case event := <-watcher.Events:
			if event.Op&fsnotify.Write != fsnotify.Write {
				continue
			}
			newConfig, err := loadConfig(filePath)
			if err != nil {
				a.logger.Errorf("Failed to reload configuration: %v", err)
				continue
			}
			dispatcher, err := a.buildDispatcher(newConfig)
			if err != nil {
				a.logger.Errorf("Failed to rebuild dispatcher from new configuration: %v", err)
				continue
			}
			a.mu.Lock()
			a.config = newConfig
			a.dispatcher = dispatcher
			a.mu.Unlock()
			a.logger.Info("Configuration reloaded successfully")
		case err := <-watcher.Errors:
			a.logger.Errorf("Config watcher error: %v", err)
		case <-a.stopChan:
			return
		}
	}
}

func (a *App) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	config := a.currentConfig()
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", "X-Recaptcha-Token", "X-Log-Context"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	router.Use(cors.New(corsConfig))

	router.POST("/api/:service/*path", a.relayHandler)
	router.POST("/tokens/extract", a.extractHandler)
	router.PUT("/tokens", a.saveTokensHandler)
	router.GET("/media/download", a.downloadHandler)
	router.GET("/audit/recent", a.auditRecentHandler)
	router.GET("/health", a.healthHandler)

	return router
}

func (a *App) shutdown(server *http.Server) {
	a.logger.Info("Shutting down relay...")

	close(a.stopChan)

	if a.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.mongo.Close(ctx)
		cancel()
	}
	if a.audit != nil {
		a.audit.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	server.Shutdown(ctx)

	a.logger.Info("Shutdown complete")
}
