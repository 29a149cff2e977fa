package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rentradar/rentradar/internal/ai"
	"github.com/rentradar/rentradar/internal/api"
	"github.com/rentradar/rentradar/internal/auth"
	"github.com/rentradar/rentradar/internal/botwall"
	"github.com/rentradar/rentradar/internal/browser"
	"github.com/rentradar/rentradar/internal/db"
	"github.com/rentradar/rentradar/internal/geocode"
	"github.com/rentradar/rentradar/internal/jobs"
	"github.com/rentradar/rentradar/internal/match"
	"github.com/rentradar/rentradar/internal/notify"
	"github.com/rentradar/rentradar/internal/observability"
	"github.com/rentradar/rentradar/internal/session"
)

// Config holds the application configuration loaded from environment variables
type Config struct {
	Port                 string // HTTP port to listen on
	Env                  string // Environment (development/production)
	SentryDSN            string // Sentry DSN for error tracking
	LogLevel             string // Log level (debug, info, warn, error)
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool   // Disable TLS verification for OTLP exporter
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Port:                 getEnvWithDefault("PORT", "8080"),
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
	}

	setupLogging(config)

	// Initialise Sentry for error tracking
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var (
		obsProviders *observability.Providers
		metricsSrv   *http.Server
		err          error
	)

	if config.ObservabilityEnabled {
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    "rentradar",
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else if obsProviders != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && config.MetricsAddr != "" {
				metricsSrv = &http.Server{
					Addr:              config.MetricsAddr,
					Handler:           obsProviders.MetricsHandler,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	// Connect to PostgreSQL
	pgDB, err := db.InitFromEnvWithRetry(context.Background())
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	dbQueue := db.NewDbQueue(pgDB)

	// Browser pool for fetching script-rendered listing pages
	browserConfig := browser.DefaultConfig()
	if n := getEnvInt("BROWSER_POOL_SIZE", browserConfig.MaxInstances); n > 0 {
		browserConfig.MaxInstances = n
	}
	pool := browser.NewPool(browserConfig)
	defer pool.Shutdown()

	detector, err := botwall.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise bot-wall detector")
	}

	// Authenticated session cache for the login-gated source. Optional: when
	// credentials or Redis are absent that source is crawled anonymously.
	var sessionMgr *session.Manager
	otodomEmail := os.Getenv("OTODOM_EMAIL")
	otodomPassword := os.Getenv("OTODOM_PASSWORD")
	redisURL := os.Getenv("REDIS_URL")
	if otodomEmail != "" && otodomPassword != "" && redisURL != "" {
		sessionMgr, err = session.NewManager(redisURL, pool, session.OtodomLogin(otodomEmail, otodomPassword))
		if err != nil {
			sentry.CaptureException(err)
			log.Fatal().Err(err).Msg("Failed to initialise session manager")
		}
		defer sessionMgr.Close()
		log.Info().Msg("Authenticated session cache enabled")
	} else {
		log.Warn().Msg("Session credentials not configured, authenticated source runs anonymously")
	}

	geocodeConfig := geocode.DefaultConfig()
	if base := os.Getenv("GEOCODER_BASE_URL"); base != "" {
		geocodeConfig.BaseURL = base
	}
	geocoder := geocode.New(geocodeConfig)

	var aiClient *ai.Client
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		aiClient = ai.New(apiKey)
	} else {
		log.Warn().Msg("OpenAI API key not configured, street extraction fallback disabled")
	}

	matcher := match.NewEngine(pgDB)

	// Crawl pipeline: processor, worker pool, index dispatcher, schedules
	var processor *jobs.TaskProcessor
	var dispatcher *jobs.Dispatcher
	if sessionMgr != nil {
		processor = jobs.NewProcessor(pgDB, pool, detector, sessionMgr, geocoder, aiClient, matcher)
		dispatcher = jobs.NewDispatcher(pgDB, dbQueue, pool, detector, sessionMgr)
	} else {
		processor = jobs.NewProcessor(pgDB, pool, detector, nil, geocoder, aiClient, matcher)
		dispatcher = jobs.NewDispatcher(pgDB, dbQueue, pool, detector, nil)
	}

	// Worker count tracks the browser ceiling: more workers than browsers
	// just queue on Acquire.
	numWorkers := getEnvInt("CRAWL_WORKERS", browserConfig.MaxInstances)
	if numWorkers < 1 {
		numWorkers = 1
	}
	workerPool := jobs.NewWorkerPool(dbQueue, processor, pgDB.GetConfig(), nil, numWorkers)
	workerPool.Start(context.Background())
	defer workerPool.Stop()

	checker := jobs.NewAvailabilityChecker(pgDB)

	schedulerConfig := jobs.DefaultSchedulerConfig()
	if s := os.Getenv("NEW_SWEEP_SCHEDULE"); s != "" {
		schedulerConfig.NewSweepSchedule = s
	}
	if s := os.Getenv("BACKFILL_SCHEDULE"); s != "" {
		schedulerConfig.BackfillSchedule = s
	}
	scheduler, err := jobs.NewScheduler(schedulerConfig, dispatcher, checker, pgDB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise scheduler")
	}
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	// Notification delivery
	emailClient := notify.NewEmailClient(os.Getenv("EMAIL_API_KEY"), os.Getenv("EMAIL_TEMPLATE_ID"))
	if os.Getenv("EMAIL_API_KEY") == "" {
		log.Warn().Msg("Email API key not configured, email notifications will fail")
	}
	discordClient := notify.NewDiscordClient()
	notifyDispatcher := notify.NewDispatcher(pgDB, emailClient, discordClient)
	notifyDispatcher.Start(context.Background())
	defer notifyDispatcher.Stop()

	var ops *notify.OpsNotifier
	if token := os.Getenv("SLACK_TOKEN"); token != "" {
		ops = notify.NewOpsNotifier(token, getEnvWithDefault("SLACK_CHANNEL", "#rentradar-ops"))
	}

	// Surface the failures an operator has to act on in the ops channel.
	// The notifier drops everything silently when Slack is not configured.
	geocoder.OnBreakerOpen = func() {
		ops.Incident(context.Background(), "geocoder", "failure breaker opened, lookups suspended until the cool-off retest")
	}
	dbQueue.OnTerminalFailure = func(task *db.CrawlTask) {
		ops.Incident(context.Background(), "crawler",
			fmt.Sprintf("task for %s failed permanently after %d retries: %s", task.URL, task.RetryCount, task.Error))
	}
	if sessionMgr != nil {
		sessionMgr.OnLoginFailure = func(err error) {
			ops.Incident(context.Background(), "session", "login failed: "+err.Error())
		}
	}
	ops.Info(context.Background(), "service",
		fmt.Sprintf("rentradar started in %s mode with %d browser instances", config.Env, browserConfig.MaxInstances))

	// Background health monitoring
	go startHealthMonitoring(pgDB, dbQueue, ops)

	limiter := newRateLimiter()

	admin := &api.AdminHandler{
		Dispatcher:    dispatcher,
		Geocoder:      geocoder,
		Browsers:      pool,
		Queue:         dbQueue,
		Notifications: pgDB,
	}
	if sessionMgr != nil {
		admin.Sessions = sessionMgr
	}
	apiHandler := api.NewHandler(pgDB, admin)

	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	// Middleware stack with rate limiting innermost
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if !limiter.getLimiter(ip).Allow() {
			api.WriteErrorMessage(w, r, "Too many requests", http.StatusTooManyRequests, api.ErrCodeRateLimit)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Admin endpoints require a bearer token when an identity provider is
	// configured, otherwise they stay open for local development.
	if authConfig, authErr := auth.NewConfigFromEnv(); authErr != nil {
		log.Warn().Err(authErr).Msg("Admin auth not configured, admin endpoints are unprotected")
	} else {
		handler = auth.ProtectPrefix(auth.NewJWKSClient(authConfig), "/admin", handler)
	}

	// Add middleware in reverse order (outermost first)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = observability.WrapHandler(handler, obsProviders)

	server := &http.Server{
		Addr:    ":" + config.Port,
		Handler: handler,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Str("port", config.Port).Msg("Starting server")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done
	log.Info().Msg("Server stopped")
}

// startHealthMonitoring watches queue depth and delivery failures in the
// background and reports anomalies to Sentry and the ops channel.
func startHealthMonitoring(pgDB *db.DB, queue *db.DbQueue, ops *notify.OpsNotifier) {
	depthTicker := time.NewTicker(5 * time.Minute)
	defer depthTicker.Stop()

	failureTicker := time.NewTicker(15 * time.Minute)
	defer failureTicker.Stop()

	checkQueueDepths := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		depths, err := queue.QueueDepths(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to read queue depths")
			return
		}

		total := 0
		for _, depth := range depths {
			total += depth
		}
		log.Debug().Int("pending_tasks", total).Msg("Queue depth check")

		// A queue this deep means crawling has stalled or the sweep cadence
		// outruns the worker pool.
		const depthAlertThreshold = 5000
		if total > depthAlertThreshold {
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetLevel(sentry.LevelWarning)
				scope.SetTag("event_type", "queue_backlog")
				scope.SetContext("queues", map[string]any{
					"total":  total,
					"depths": depths,
				})
				sentry.CaptureMessage("Crawl queue backlog exceeds threshold")
			})
			log.Warn().Int("pending_tasks", total).Msg("Crawl queue backlog exceeds threshold")
			if ops != nil {
				ops.Incident(context.Background(), "crawl-queue",
					"Pending crawl tasks exceed "+strconv.Itoa(depthAlertThreshold))
			}
		}
	}

	checkDeliveryFailures := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var failed int
		err := pgDB.Client().QueryRowContext(ctx, `
			SELECT COUNT(*)
			FROM notification_jobs
			WHERE status = 'failed'
			  AND created_at > NOW() - INTERVAL '1 hour'
		`).Scan(&failed)
		if err != nil {
			log.Error().Err(err).Msg("Failed to count failed notifications")
			return
		}

		if failed > 0 {
			log.Warn().Int("failed_notifications", failed).Msg("Notification deliveries failed in the last hour")
			if failed >= 10 {
				sentry.WithScope(func(scope *sentry.Scope) {
					scope.SetLevel(sentry.LevelWarning)
					scope.SetTag("event_type", "notification_failures")
					scope.SetContext("notifications", map[string]any{
						"failed_last_hour": failed,
					})
					sentry.CaptureMessage("Notification delivery failure rate elevated")
				})
				if ops != nil {
					ops.Incident(context.Background(), "notifications",
						strconv.Itoa(failed)+" deliveries failed in the last hour")
				}
			}
		}
	}

	checkQueueDepths()

	for {
		select {
		case <-depthTicker.C:
			checkQueueDepths()
		case <-failureTicker.C:
			checkDeliveryFailures()
		}
	}
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "rentradar").
			Logger()
	}
}

// RateLimiter represents a rate limiting system based on client IP addresses
type RateLimiter struct {
	limits   map[string]*IPRateLimiter
	mu       sync.Mutex
	rate     rate.Limit
	capacity int
}

// IPRateLimiter wraps a token bucket rate limiter specific to an IP address
type IPRateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter creates a new rate limiter with default settings
func newRateLimiter() *RateLimiter {
	return &RateLimiter{
		limits:   make(map[string]*IPRateLimiter),
		rate:     rate.Limit(20),
		capacity: 10,
	}
}

// getLimiter returns the rate limiter for a specific IP address
func (rl *RateLimiter) getLimiter(ip string) *IPRateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limits[ip]
	if !exists {
		limiter = &IPRateLimiter{
			limiter: rate.NewLimiter(rl.rate, rl.capacity),
		}
		rl.limits[ip] = limiter
	}

	return limiter
}

// Allow checks if a request from this IP should be allowed
func (ipl *IPRateLimiter) Allow() bool {
	return ipl.limiter.Allow()
}

// getClientIP extracts the client's IP address from a request
func getClientIP(r *http.Request) string {
	// X-Forwarded-For may contain multiple IPs, take the first one
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		ips := strings.Split(ip, ",")
		return strings.TrimSpace(ips[0])
	}

	ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	return ip
}
