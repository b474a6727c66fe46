// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soothill/fleetwatch/alerting"
	"github.com/soothill/fleetwatch/config"
	"github.com/soothill/fleetwatch/heartbeat"
	"github.com/soothill/fleetwatch/incidents"
	"github.com/soothill/fleetwatch/ingest"
	"github.com/soothill/fleetwatch/licenses"
	"github.com/soothill/fleetwatch/notify"
	"github.com/soothill/fleetwatch/pkg/clock"
	"github.com/soothill/fleetwatch/pkg/interfaces"
	"github.com/soothill/fleetwatch/pkg/logger"
	"github.com/soothill/fleetwatch/reporter"
	"github.com/soothill/fleetwatch/rules"
	"github.com/soothill/fleetwatch/storage"
	"github.com/soothill/fleetwatch/synthetics"
)

const (
	signalChannelSize     = 1
	mongoConnectTimeout   = 10 * time.Second
	readinessCheckTimeout = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
	flushTimeout          = 10 * time.Second
	weeklySummaryTick     = time.Hour
)

// Store is the full persistence surface the control plane needs. Both
// MongoStore and MemoryStore satisfy it.
type Store interface {
	interfaces.DeviceStore
	interfaces.CheckStore
	interfaces.TelemetryStore
	interfaces.AlertStore
	interfaces.IncidentStore
	interfaces.SyntheticStore
	interfaces.LicenseStore
	interfaces.ChannelStore
	interfaces.SettingsStore
}

// App represents the main application
type App struct {
	cfg           *config.Config
	metricsPort   string
	server        *http.Server
	store         Store
	mongo         *storage.MongoStore
	history       interfaces.TelemetryHistory
	notifier      *notify.Service
	engine        *alerting.Engine
	monitor       *heartbeat.Monitor
	prober        *synthetics.Prober
	licenses      *licenses.Monitor
	reporter      *reporter.Reporter
	pool          *ingest.WorkerPool
	pipeline      *ingest.Pipeline
	mqtt          *ingest.MQTTClient
	configWatcher *config.Watcher
	clock         clock.Clock
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	metricsPort := flag.String("metrics-port", "", "Port for Prometheus metrics endpoint (overrides config)")
	healthCheck := flag.Bool("health-check", false, "Perform health check and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	flag.Parse()

	if *healthCheck {
		os.Exit(performHealthCheck(*configPath))
	}

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(cfg.Logging.Level)

	logger.Info().Msg("Starting FleetWatch")
	logger.Info().Str("broker", cfg.MQTT.Broker).
		Str("timezone", cfg.Monitoring.Timezone).
		Dur("offline_scan_interval", cfg.Monitoring.OfflineScan).
		Msg("Configuration loaded")

	configChan := make(chan *config.Config)
	configWatcher := config.NewWatcher(*configPath, configChan)

	port := fmt.Sprintf("%d", cfg.Metrics.Port)
	if *metricsPort != "" {
		port = *metricsPort
	}

	application, err := New(cfg, port, configWatcher)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)
	application.Run(configChan)
}

// New creates a new application instance
func New(cfg *config.Config, metricsPort string, configWatcher *config.Watcher) (*App, error) {
	app := &App{
		cfg:           cfg,
		metricsPort:   metricsPort,
		configWatcher: configWatcher,
		clock:         clock.NewReal(cfg.Monitoring.Timezone),
	}

	if err := app.initializeComponents(); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeComponents initializes all application components
func (a *App) initializeComponents() error {
	// Persistence: MongoDB when reachable, in-memory otherwise. The
	// memory store keeps a broker-connected deployment useful while the
	// database is down, at the cost of durability.
	connectCtx, connectCancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer connectCancel()
	mongo, err := storage.NewMongoStore(connectCtx, a.cfg.MongoDB.URI, a.cfg.MongoDB.Database)
	if err != nil {
		logger.Warn().Err(err).Msg("MongoDB unavailable, falling back to in-memory store")
		a.store = storage.NewMemoryStore()
	} else {
		logger.Info().Str("database", a.cfg.MongoDB.Database).Msg("MongoDB connected")
		a.mongo = mongo
		a.store = mongo
	}

	// Telemetry history is optional.
	if a.cfg.InfluxDB.Enabled() {
		history, influxErr := storage.NewInfluxDBStorage(
			a.cfg.InfluxDB.URL,
			a.cfg.InfluxDB.Token,
			a.cfg.InfluxDB.Organization,
			a.cfg.InfluxDB.Bucket,
		)
		if influxErr != nil {
			return fmt.Errorf("failed to initialize InfluxDB: %w", influxErr)
		}
		a.history = history
		logger.Info().Str("url", a.cfg.InfluxDB.URL).Str("bucket", a.cfg.InfluxDB.Bucket).
			Msg("InfluxDB telemetry history enabled")
	} else {
		logger.Info().Msg("InfluxDB not configured, telemetry history disabled")
	}

	a.notifier = notify.NewService(a.store)
	sink := incidents.NewAggregator(a.store, a.clock)
	a.engine = alerting.NewEngine(a.store, a.store, a.store, a.store, a.store, a.notifier, sink, a.clock)
	a.monitor = heartbeat.NewMonitor(a.store, a.store, a.engine, a.clock)
	evaluator := rules.NewEvaluator(a.store, a.engine, a.clock)
	consolidator := ingest.NewConsolidator(a.store, a.store, a.engine, a.clock)

	a.pool = ingest.NewWorkerPool(a.cfg.Monitoring.WorkerShards)
	a.pipeline = ingest.NewPipeline(a.store, consolidator, a.monitor, evaluator, a.history, a.pool, a.clock)
	a.mqtt = ingest.NewMQTTClient(ingest.MQTTOptions{
		BrokerURL: a.cfg.MQTT.Broker,
		Username:  a.cfg.MQTT.Username,
		Password:  a.cfg.MQTT.Password,
		ClientID:  a.cfg.MQTT.ClientID,
	}, a.pipeline)

	a.prober = synthetics.NewProber(a.store, a.store, a.engine, a.notifier, sink, a.clock)
	a.licenses = licenses.NewMonitor(a.store, a.store, a.notifier, sink, a.clock)
	a.reporter = reporter.NewReporter(a.store, a.store, a.store, a.notifier, a.clock)

	a.server = a.buildMetricsServer()

	return nil
}

// buildMetricsServer sets up the metrics and health check HTTP server
func (a *App) buildMetricsServer() *http.Server {
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, func(w http.ResponseWriter, r *http.Request) {
		a.readinessCheckHandler(w, r)
	}))

	return &http.Server{
		Addr:    "localhost:" + a.metricsPort,
		Handler: mux,
	}
}

// Run starts the application and blocks until shutdown
func (a *App) Run(configChan <-chan *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx
	a.cancel = cancel
	defer a.cancel()

	a.configWatcher.Start(ctx)
	defer a.configWatcher.Stop()

	a.startMetricsServer()
	a.setupSignalHandler()
	a.startConfigWatcher(configChan)

	// Repair alert/device state left over from an unclean shutdown before
	// any new messages arrive.
	a.engine.Reconcile(ctx)

	a.pool.Start(ctx)
	if err := a.mqtt.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start MQTT client")
	}

	a.runMainLoop(ctx)
}

// startMetricsServer starts the HTTP server for metrics and health checks
func (a *App) startMetricsServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting metrics and health check server (localhost only)")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		a.performGracefulShutdown()
	}()
}

// runMainLoop drives the periodic schedulers until shutdown.
func (a *App) runMainLoop(ctx context.Context) {
	offlineTicker := time.NewTicker(a.cfg.Monitoring.OfflineScan)
	defer offlineTicker.Stop()
	throttleTicker := time.NewTicker(a.cfg.Monitoring.ThrottleTick)
	defer throttleTicker.Stop()
	probeTicker := time.NewTicker(synthetics.ProbeInterval)
	defer probeTicker.Stop()
	licenseTicker := time.NewTicker(licenses.CheckInterval)
	defer licenseTicker.Stop()
	weeklyTicker := time.NewTicker(weeklySummaryTick)
	defer weeklyTicker.Stop()
	digestTicker := time.NewTicker(a.reporter.Interval(ctx))
	defer digestTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down")
			a.performCleanup()
			return
		case <-offlineTicker.C:
			a.monitor.Scan(ctx)
		case <-throttleTicker.C:
			a.engine.ProcessThrottled(ctx)
		case <-probeTicker.C:
			a.prober.RunDue(ctx)
		case <-licenseTicker.C:
			a.licenses.Scan(ctx)
		case <-weeklyTicker.C:
			a.prober.WeeklySummary(ctx)
			a.licenses.WeeklySummary(ctx)
		case <-digestTicker.C:
			a.reporter.SendDigest(ctx)
			digestTicker.Reset(a.reporter.Interval(ctx))
		}
	}
}

// performGracefulShutdown handles graceful shutdown of all components
func (a *App) performGracefulShutdown() {
	logger.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server stopped")
	}

	// Announce offline over the broker before tearing down the pipeline.
	if err := a.mqtt.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("MQTT disconnect error")
	}

	a.configWatcher.Stop()
	a.cancel()
}

// performCleanup drains workers, flushes storage, and waits for goroutines
func (a *App) performCleanup() {
	a.pool.Stop()

	if a.history != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
		defer flushCancel()

		flushDone := make(chan struct{})
		go func() {
			a.history.Flush()
			a.history.Close()
			close(flushDone)
		}()

		select {
		case <-flushDone:
			logger.Info().Msg("InfluxDB flush completed")
		case <-flushCtx.Done():
			logger.Warn().Msg("InfluxDB flush timeout - some data may be lost")
		}
	}

	if a.mongo != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := a.mongo.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("MongoDB disconnect error")
		}
	}

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	logger.Info().Msg("All goroutines finished, exiting")
}

// UpdateConfig updates the application's configuration.
func (a *App) UpdateConfig(newCfg *config.Config) {
	a.cfg = newCfg
	logger.Initialize(newCfg.Logging.Level)
	logger.Info().Str("log_level", newCfg.Logging.Level).Msg("Application configuration updated")
}

// startConfigWatcher starts a goroutine to listen for config file changes and reloads
func (a *App) startConfigWatcher(configChan <-chan *config.Config) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case newCfg := <-configChan:
				a.UpdateConfig(newCfg)
			}
		}
	}()
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded for health endpoint")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler reports not-ready while a configured backend is
// unreachable.
func (a *App) readinessCheckHandler(w http.ResponseWriter, _ *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), readinessCheckTimeout)
	defer cancel()

	if a.mongo != nil {
		if err := a.mongo.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("Readiness check failed: MongoDB unhealthy")
			writeReadiness(w, http.StatusServiceUnavailable, "NOT READY: MongoDB unhealthy")
			return
		}
	}

	if a.history != nil {
		if err := a.history.Health(ctx); err != nil {
			logger.Warn().Err(err).Msg("Readiness check failed: InfluxDB unhealthy")
			writeReadiness(w, http.StatusServiceUnavailable, "NOT READY: InfluxDB unhealthy")
			return
		}
	}

	writeReadiness(w, http.StatusOK, "READY")
}

func writeReadiness(w http.ResponseWriter, status int, body string) {
	w.WriteHeader(status)
	if _, writeErr := w.Write([]byte(body)); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}

// performHealthCheck performs a health check and returns exit code
func performHealthCheck(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mongo, err := storage.NewMongoStore(ctx, cfg.MongoDB.URI, cfg.MongoDB.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not connect to MongoDB: %v\n", err)
		return 1
	}
	defer func() { _ = mongo.Close(ctx) }()

	if err := mongo.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: MongoDB is unhealthy: %v\n", err)
		return 1
	}

	if cfg.InfluxDB.Enabled() {
		history, influxErr := storage.NewInfluxDBStorage(
			cfg.InfluxDB.URL,
			cfg.InfluxDB.Token,
			cfg.InfluxDB.Organization,
			cfg.InfluxDB.Bucket,
		)
		if influxErr != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: could not create InfluxDB client: %v\n", influxErr)
			return 1
		}
		defer history.Close()

		if err := history.Health(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: InfluxDB is unhealthy: %v\n", err)
			return 1
		}
	}

	fmt.Println("Health check passed")
	return 0
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Println("\n✅ Configuration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  MQTT Broker: %s\n", cfg.MQTT.Broker)
	fmt.Printf("  MQTT Client ID: %s\n", cfg.MQTT.ClientID)
	fmt.Printf("  MongoDB Database: %s\n", cfg.MongoDB.Database)
	if cfg.InfluxDB.Enabled() {
		fmt.Printf("  InfluxDB URL: %s\n", cfg.InfluxDB.URL)
		fmt.Printf("  InfluxDB Bucket: %s\n", cfg.InfluxDB.Bucket)
	} else {
		fmt.Println("  InfluxDB: Disabled")
	}
	fmt.Printf("  Timezone: %s\n", cfg.Monitoring.Timezone)
	fmt.Printf("  Offline Scan Interval: %s\n", cfg.Monitoring.OfflineScan)
	fmt.Printf("  Worker Shards: %d\n", cfg.Monitoring.WorkerShards)
	fmt.Printf("  Metrics Port: %d\n", cfg.Metrics.Port)
	fmt.Printf("  Log Level: %s\n", cfg.Logging.Level)

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return 0
}
