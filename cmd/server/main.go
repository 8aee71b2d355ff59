// Package main provides the entry point for the relay proxy: it loads
// configuration, wires the Credential Store, Relay Channel, Request
// Multiplexer, Rotation Controller and Request Pipeline together, and
// serves the public API, the admin console and the relay websocket
// endpoint until told to shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/relaypilot/aistudio-proxy/internal/admin"
	"github.com/relaypilot/aistudio-proxy/internal/api"
	"github.com/relaypilot/aistudio-proxy/internal/browser"
	"github.com/relaypilot/aistudio-proxy/internal/config"
	"github.com/relaypilot/aistudio-proxy/internal/logging"
	"github.com/relaypilot/aistudio-proxy/internal/metrics"
	"github.com/relaypilot/aistudio-proxy/internal/multiplexer"
	"github.com/relaypilot/aistudio-proxy/internal/pipeline"
	"github.com/relaypilot/aistudio-proxy/internal/relay"
	"github.com/relaypilot/aistudio-proxy/internal/rotation"
	"github.com/relaypilot/aistudio-proxy/internal/settings"
	"github.com/relaypilot/aistudio-proxy/internal/store"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to config.yaml (optional; env vars always override)")
	var logLevel string
	flag.StringVar(&logLevel, "log-level", "", "Override log level: debug, info, warn, error, quiet")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get working directory: %v\n", err)
		os.Exit(1)
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", errLoad)
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.LoadFile(filepath.Join(wd, "config.yaml"))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.SetupBaseLogger(cfg.LogFilePath)
	if logLevel != "" {
		logging.SetLogLevel(logLevel)
	}

	log.Infof("relay proxy %s (commit %s, built %s)", Version, Commit, BuildDate)

	st, err := store.New(cfg.CredentialsDir)
	if err != nil {
		log.Fatalf("failed to load credential store: %v", err)
	}

	mux := multiplexer.New()
	relayChannel := relay.New(mux.Deliver, func() { mux.CloseAll(multiplexer.ErrConnectionLost) })

	var browserSession browser.Session = browser.NullSession{}
	if cfg.CamoufoxExecutablePath == "" {
		log.Warn("no browser session orchestrator configured; credential rotation will switch the active index without driving a browser")
	}

	thresholds := rotation.Thresholds{
		FailureThreshold:           cfg.FailureThreshold,
		SwitchOnUses:               cfg.SwitchOnUses,
		ImmediateSwitchStatusCodes: cfg.ImmediateSwitchStatusCodes,
	}
	rotationController := rotation.New(thresholds, st, browserSession, cfg.InitialAuthIndex)

	runtimeSettings := settings.New(
		settings.StreamingMode(cfg.StreamingMode),
		cfg.Redirect25to30,
		cfg.NativeReasoning,
		cfg.OpenAIReasoning,
		cfg.ResumeLimit,
	)

	proxyPipeline := pipeline.New(relayChannel, mux, rotationController, browserSession, runtimeSettings)
	proxyPipeline.SetRetryPolicy(cfg.MaxRetries, cfg.RetryDelay)

	adminConsole, err := admin.New(rotationController, runtimeSettings, relayChannel, st, cfg.AdminPassword)
	if err != nil {
		log.Fatalf("failed to initialize admin console: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery(), metrics.Middleware())
	engine.GET("/metrics", metrics.Handler())
	engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	adminConsole.RegisterRoutes(engine.Group("/admin"))
	api.New(proxyPipeline, runtimeSettings, cfg.APIKeys).RegisterRoutes(engine)

	apiServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.HTTPPort),
		Handler: engine,
	}
	relayServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.WSPort),
		Handler: http.HandlerFunc(relayChannel.ServeHTTP),
	}

	stopPoll := make(chan struct{})
	go pollRelayMetrics(relayChannel, rotationController, stopPoll)

	errCh := make(chan error, 2)
	go func() {
		log.Infof("public API listening on %s", apiServer.Addr)
		if errServe := apiServer.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", errServe)
		}
	}()
	go func() {
		log.Infof("relay channel listening on %s", relayServer.Addr)
		if errServe := relayServer.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay server: %w", errServe)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received signal %s, shutting down", sig)
	case errServe := <-errCh:
		log.Errorf("server error: %v", errServe)
	}

	close(stopPoll)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if errShutdown := apiServer.Shutdown(ctx); errShutdown != nil {
		log.Errorf("failed to shut down API server cleanly: %v", errShutdown)
	}
	if errShutdown := relayServer.Shutdown(ctx); errShutdown != nil {
		log.Errorf("failed to shut down relay server cleanly: %v", errShutdown)
	}

	log.Info("shutdown complete")
}

// pollRelayMetrics periodically mirrors live relay and rotation state into
// the Prometheus gauges until stop is closed.
func pollRelayMetrics(ch *relay.Channel, rc *rotation.Controller, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			metrics.SetRelayConnected(ch.IsConnected())
			metrics.SetActiveRequests(rc.Snapshot().ActiveRequestCount)
		}
	}
}
