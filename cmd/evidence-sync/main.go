package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/evidentia-grc/evidentia/internal/collector"
	"github.com/evidentia-grc/evidentia/internal/connector"
	"github.com/evidentia-grc/evidentia/internal/metrics"
	"github.com/evidentia-grc/evidentia/internal/resilience"
	"github.com/evidentia-grc/evidentia/internal/scheduler"
	"github.com/evidentia-grc/evidentia/internal/storage"

	// Vendor adapters register themselves with the connector registry.
	_ "github.com/evidentia-grc/evidentia/internal/connector/adapters/jiracloud"
	_ "github.com/evidentia-grc/evidentia/internal/connector/adapters/okta"
	_ "github.com/evidentia-grc/evidentia/internal/connector/adapters/statuspage"
)

var buildtime string

func main() {
	InitLogging()
	zap.S().Infof("This is evidence-sync build date: %s", buildtime)
	InitPrometheus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.NewPostgres(ctx)
	if err != nil {
		zap.S().Fatalf("Failed to initialize postgres: %s", err)
	}
	defer db.Close()

	blobs, err := storage.NewS3BlobStore()
	if err != nil {
		zap.S().Fatalf("Failed to initialize evidence blob store: %s", err)
	}

	registry := resilience.NewRegistry(loadBreakerConfig())
	dispatcher := connector.NewDispatcher(registry)
	zap.S().Infof("Registered connector adapters: %v", connector.Types())

	pipeline := collector.NewPipeline(db, blobs, db, db, loadDefaults())

	pollInterval, err := env.GetAsInt("SCHEDULER_POLL_INTERVAL_SECONDS", false, 300)
	if err != nil {
		zap.S().Fatalf("Failed to read scheduler poll interval: %s", err)
	}
	sched := scheduler.New(pipeline, db, time.Duration(pollInterval)*time.Second)
	sched.Start(ctx)

	InitHealthCheck(db)

	server := SetupRestAPI(restAPI{
		pipeline:   pipeline,
		dispatcher: dispatcher,
		breakers:   registry,
		scheduler:  sched,
	}, loadAccounts())
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Fatalf("REST API failed: %s", err)
		}
	}()

	awaitShutdown(cancel, sched, server)
}

func awaitShutdown(cancel context.CancelFunc, sched *scheduler.Scheduler, server *http.Server) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigs
	zap.S().Infof("Received SIG %v", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.S().Warnf("REST API shutdown: %s", err)
	}

	// Stop waits for an in-flight poll to finish so no run is cut off
	// mid-write.
	sched.Stop()
	cancel()
	zap.S().Infof("Shutdown complete")
}

func InitLogging() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)
}

func InitPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck(db *storage.Postgres) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	health.AddReadinessCheck("database", db.HealthCheck())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}

func loadDefaults() collector.Defaults {
	timeoutMs, err := env.GetAsInt("COLLECTOR_TIMEOUT_MS", false, 30000)
	if err != nil {
		zap.S().Fatalf("Failed to read collector timeout: %s", err)
	}
	maxRetries, err := env.GetAsInt("COLLECTOR_MAX_RETRIES", false, 3)
	if err != nil {
		zap.S().Fatalf("Failed to read collector max retries: %s", err)
	}
	return collector.Defaults{TimeoutMs: timeoutMs, MaxRetries: maxRetries}
}

func loadBreakerConfig() resilience.BreakerConfig {
	config := resilience.DefaultBreakerConfig()
	config.OnOpen = func(key string) {
		metrics.BreakerTransitions.WithLabelValues(key, "open").Inc()
	}
	config.OnClose = func(key string) {
		metrics.BreakerTransitions.WithLabelValues(key, "closed").Inc()
	}
	if threshold, err := env.GetAsInt("BREAKER_ERROR_THRESHOLD_PERCENTAGE", false, config.ErrorThresholdPercentage); err == nil {
		config.ErrorThresholdPercentage = threshold
	}
	if volume, err := env.GetAsInt("BREAKER_VOLUME_THRESHOLD", false, config.VolumeThreshold); err == nil {
		config.VolumeThreshold = volume
	}
	if resetSeconds, err := env.GetAsInt("BREAKER_RESET_TIMEOUT_SECONDS", false, int(config.ResetTimeout/time.Second)); err == nil {
		config.ResetTimeout = time.Duration(resetSeconds) * time.Second
	}
	return config
}

func loadAccounts() gin.Accounts {
	accounts := gin.Accounts{}

	zap.S().Debugf("Loading accounts from environment..")
	for i := 1; i <= 100; i++ {
		tempUser := os.Getenv("API_USER_" + strconv.Itoa(i))
		tempPassword := os.Getenv("API_PASSWORD_" + strconv.Itoa(i))
		if tempUser != "" && tempPassword != "" {
			zap.S().Infof("Added account for " + tempUser)
			accounts[tempUser] = tempPassword
		}
	}

	adminUser, _ := env.GetAsString("EVIDENCESYNC_USER", false, "") //nolint:errcheck
	adminPassword, _ := env.GetAsString("EVIDENCESYNC_PASSWORD", false, "")
	if adminUser != "" && adminPassword != "" {
		accounts[adminUser] = adminPassword
	}
	if len(accounts) == 0 {
		zap.S().Fatalf("No API accounts configured, set EVIDENCESYNC_USER and EVIDENCESYNC_PASSWORD")
	}
	return accounts
}
