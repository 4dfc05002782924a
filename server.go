package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/federation"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
)

const defaultPort = "8080"

var tracer = otel.Tracer("pos-replication")

// app holds every component handle, constructed once in main and shared by
// the HTTP handlers and workers. No package-level singletons.
type app struct {
	db     *gorm.DB
	logger *logrus.Logger
	redis  config.RedisHandles

	storeId  string
	deviceId string

	eventLog  *workflow.EventLog
	projector *workflow.Projector
	resolver  *workflow.ConflictResolver
	escrow    *workflow.StockEscrowManager
	fiscal    *workflow.FiscalRangeManager
	monitor   *workflow.HealthMonitor
	relay     *workflow.OutboxRelay

	ready atomic.Bool
}

func main() {
	logger := config.NewLogger()

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{logger: logger}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(correlationMiddleware())
	r.Use(customErrorLogger(logger))

	// Always allow the startup probe; gate everything else on readiness.
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !a.ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "X-API-Key", "X-Correlation-Id")
	r.Use(cors.New(corsConfig))

	r.POST("/events/append", a.appendEventHandler)
	r.POST("/federation/events", a.relayIngestHandler)
	r.GET("/federation/events", a.eventsSinceHandler)
	r.POST("/federation/health", a.healthPushHandler)
	r.GET("/federation/health/latest", a.healthLatestHandler)
	r.POST("/fiscal/reserve-range", a.reserveFiscalRangeHandler)
	r.POST("/stock/reserve-escrow", a.reserveStockEscrowHandler)
	// Ops tooling: replay DEAD outbox rows, settle parked conflicts.
	r.POST("/internal/ops/outbox/replay", a.outboxReplayHandler)
	r.POST("/internal/ops/conflicts/resolve", a.conflictResolveHandler)

	// Start listening immediately (startup probe is TCP based), connect
	// dependencies after the port is open.
	srv := &http.Server{Addr: ":" + port, Handler: r}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	db, err := config.ConnectDatabaseWithRetry()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err.Error())
	}
	a.db = db
	a.redis = config.ConnectRedis(sigCtx)

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable(db)
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	a.storeId = strings.TrimSpace(os.Getenv("STORE_ID"))
	a.deviceId = strings.TrimSpace(os.Getenv("DEVICE_ID"))
	if a.storeId == "" || a.deviceId == "" {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal("STORE_ID and DEVICE_ID are required")
	}

	// A device with FEDERATION_BASE_URL set reserves leases and relays
	// events remotely; the authority itself runs without a remote.
	var remote *federation.Client
	if strings.TrimSpace(os.Getenv("FEDERATION_BASE_URL")) != "" {
		remote, err = federation.NewClient(logger)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "federation"}).Fatal(err.Error())
		}
	}

	a.eventLog = workflow.NewEventLog(db, logger)
	a.projector = workflow.NewProjector(db, logger, a.redis)
	a.resolver = workflow.NewConflictResolver(db, logger, a.redis)

	var escrowRemote workflow.EscrowReserver
	var fiscalRemote workflow.RangeReserver
	var relaySender workflow.RelaySender
	var prober workflow.RemoteProber
	if remote != nil {
		escrowRemote = remote
		fiscalRemote = remote
		relaySender = remote
		prober = remote
	}
	a.escrow = workflow.NewStockEscrowManager(db, logger, a.redis, a.eventLog, escrowRemote, a.storeId, a.deviceId)
	a.fiscal = workflow.NewFiscalRangeManager(db, logger, a.redis, a.eventLog, fiscalRemote, a.storeId, a.deviceId)
	a.monitor = workflow.NewHealthMonitor(db, logger, a.redis, prober, a.storeId)
	a.relay = workflow.NewOutboxRelay(db, logger, a.projector, relaySender)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go a.relay.Run(workerCtx)
	go a.monitor.Run(workerCtx)
	go a.escrow.RunPrefetcher(workerCtx)
	go a.fiscal.RunPrefetcher(workerCtx)
	go runLeaseReclaimer(workerCtx, a)

	a.ready.Store(true)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop workers first so they don't start new work while draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if a.redis.Client != nil {
		_ = a.redis.Client.Close()
	}
	if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

// runLeaseReclaimer expires overdue stock escrows and fiscal ranges on a
// timer. Only meaningful at the authority, harmless on devices.
func runLeaseReclaimer(ctx context.Context, a *app) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.escrow.ReclaimExpired(ctx); err != nil {
				config.LogError(a.logger, "main", "runLeaseReclaimer", "stock escrow", nil, err)
			}
			if _, err := a.fiscal.ReclaimExpired(ctx); err != nil {
				config.LogError(a.logger, "main", "runLeaseReclaimer", "fiscal range", nil, err)
			}
		}
	}
}

// correlationMiddleware threads X-Correlation-Id through the request
// context so worker logs stitch back to the originating call.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Correlation-Id"))
		ctx := c.Request.Context()
		if id != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, id)
		} else {
			ctx = utils.SetCorrelationIdInContext(ctx, utils.CorrelationIdFromContextOrNew(ctx))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// customErrorLogger logs only requests that collected errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
