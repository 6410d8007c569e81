package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// MaxPoolConns bounds the shared SQL connection pool. The pipeline's worker
// count is fixed to match this so a transaction is never starved waiting on
// a connection another worker is holding.
const MaxPoolConns = 3

var db *gorm.DB

func GetDB() *gorm.DB {
	return db
}

func init() {
	// Load env from .env
	godotenv.Load()
}

// ConnectDatabaseWithRetry connects and sets the global DB. token is a
// short-lived credential obtained from the secret provider; the core never
// sees or stores a static password.
func ConnectDatabaseWithRetry(token string) error {
	host := os.Getenv("SQL_HOST")
	name := os.Getenv("SQL_DB")
	user := os.Getenv("SQL_USER")
	if user == "" {
		user = "goaudits"
	}

	network := "tcp"
	address := host
	if !strings.Contains(host, ":") {
		address = fmt.Sprintf("%s:3306", host)
	}

	dsn := fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=false&parseTime=true&tls=preferred",
		user,
		token,
		network,
		address,
		name,
	)

	var attempt int
	for {
		attempt++
		var err error
		db, err = gorm.Open(mysql.Open(dsn), gormConfig())
		if err == nil {
			sqlDB, derr := db.DB()
			if derr != nil {
				return fmt.Errorf("connected but failed to obtain *sql.DB: %w", derr)
			}
			sqlDB.SetMaxOpenConns(MaxPoolConns)
			sqlDB.SetMaxIdleConns(MaxPoolConns)
			sqlDB.SetConnMaxLifetime(5 * time.Minute)

			if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
				log.Printf("db connected but failed to install otelgorm plugin: %v", pluginErr)
			}
			log.Printf("connected to database (attempt=%d)", attempt)
			return nil
		}

		if attempt >= 5 {
			return fmt.Errorf("giving up connecting to database after %d attempts: %w", attempt, err)
		}

		sleep := backoffDelay(attempt)
		log.Printf("failed to connect database (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func backoffDelay(attempt int) time.Duration {
	sleep := time.Second * time.Duration(1<<min(attempt, 5))
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}

// IntFromEnv reads an integer environment variable, falling back to def
// when unset or unparseable.
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

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         gormLogger(),
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
	}
}

func gormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
}
