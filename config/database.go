package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	// Load env from .env
	godotenv.Load()
}

// ConnectDatabaseWithRetry opens the store database and returns the handle.
//
// Two deployments share this code path:
//   - DB_DRIVER=sqlite  — a POS device; DB_PATH points at the local file
//     (":memory:" in tests). Devices must come up with no network at all.
//   - DB_DRIVER=mysql   — the store authority / federation endpoint,
//     connecting like any other backend service.
//
// It blocks until the database is reachable, sleeping with capped exponential
// backoff between attempts. sqlite opens never fail transiently, so devices
// start immediately.
func ConnectDatabaseWithRetry() (*gorm.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("DB_DRIVER")))
	if driver == "" {
		driver = "sqlite"
	}

	var attempt int
	for {
		attempt++
		db, err := openDatabase(driver)
		if err == nil {
			tunePool(db)
			if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
				log.Printf("db connected but failed to install otelgorm plugin: %v", pluginErr)
			}
			log.Printf("connected to %s database (attempt=%d)", driver, attempt)
			return db, nil
		}

		if driver == "sqlite" {
			// A sqlite open failure is a bad path/permissions, not transient.
			return nil, err
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect database (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func openDatabase(driver string) (*gorm.DB, error) {
	switch driver {
	case "sqlite":
		path := strings.TrimSpace(os.Getenv("DB_PATH"))
		if path == "" {
			path = "pos.db"
		}
		return gorm.Open(sqlite.Open(path), initConfig())
	case "mysql":
		dbUser := os.Getenv("DB_USER")
		dbPassword := os.Getenv("DB_PASSWORD")
		dbHost := os.Getenv("DB_HOST")
		dbPort := os.Getenv("DB_PORT")
		dbName := os.Getenv("DB_NAME")

		network := "tcp"
		address := fmt.Sprintf("%s:%s", dbHost, dbPort)

		// Cloud Run + Cloud SQL: when DB_HOST is "/cloudsql/<CONNECTION_NAME>",
		// connect using the Unix socket provided by the Cloud SQL Auth Proxy.
		if strings.HasPrefix(dbHost, "/cloudsql/") {
			network = "unix"
			address = dbHost
		}

		dsn := fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true",
			dbUser, dbPassword, network, address, dbName)
		return gorm.Open(mysql.Open(dsn), initConfig())
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
}

// tunePool applies database/sql pool settings. Env overrides (optional):
// DB_MAX_OPEN_CONNS, DB_MAX_IDLE_CONNS, DB_CONN_MAX_LIFETIME_SECONDS,
// DB_CONN_MAX_IDLE_TIME_SECONDS.
func tunePool(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil || sqlDB == nil {
		return
	}
	maxOpen := IntFromEnv("DB_MAX_OPEN_CONNS", 50)
	maxIdle := IntFromEnv("DB_MAX_IDLE_CONNS", 25)
	connMaxLife := time.Duration(IntFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second
	connMaxIdle := time.Duration(IntFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second

	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if connMaxLife > 0 {
		sqlDB.SetConnMaxLifetime(connMaxLife)
	}
	if connMaxIdle > 0 {
		sqlDB.SetConnMaxIdleTime(connMaxIdle)
	}
}

func IntFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
	}
}

func initLog() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
