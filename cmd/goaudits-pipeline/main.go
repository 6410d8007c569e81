package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goaudits/pipeline/clockrand"
	"github.com/goaudits/pipeline/config"
	"github.com/goaudits/pipeline/errs"
	"github.com/goaudits/pipeline/httpclient"
	"github.com/goaudits/pipeline/models"
	"github.com/goaudits/pipeline/pipeline"
	"github.com/goaudits/pipeline/resolver"
	"github.com/goaudits/pipeline/rules"
	"github.com/goaudits/pipeline/runlock"
	"github.com/goaudits/pipeline/secrets"
	"github.com/goaudits/pipeline/sqlgw"
	"github.com/goaudits/pipeline/store"
	"github.com/goaudits/pipeline/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const jobName = "GoAuditsPipeline"

func main() {
	os.Exit(run())
}

// run contains main's body so deferred cleanup always executes
// before the process exits with a specific status code.
func run() int {
	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	correlationId := uuid.NewString()
	ctx := utils.SetCorrelationIdInContext(sigCtx, correlationId)
	ctx = utils.SetJobNameInContext(ctx, jobName)

	secretProvider := secrets.NewHTTPProvider(os.Getenv("SECRET_URI"))
	bearerSecretName := os.Getenv("BEARER_SECRET_NAME")
	if bearerSecretName == "" {
		bearerSecretName = "goaudits-bearer-token"
	}
	dbSecretName := os.Getenv("DB_SECRET_NAME")
	if dbSecretName == "" {
		dbSecretName = "goaudits-db-token"
	}
	dbToken, err := secretProvider.GetSecret(ctx, dbSecretName)
	if err != nil {
		config.LogError(logger, "main", "run", correlationId, nil, err)
		return 1
	}

	if err := config.ConnectDatabaseWithRetry(dbToken); err != nil {
		config.LogError(logger, "main", "run", correlationId, nil, err)
		return 1
	}
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			config.LogError(logger, "main", "run", correlationId, nil, err)
			return 1
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	runlock.ConnectWithRetry()
	release, err := runlock.Acquire(ctx, jobName, 30*time.Minute)
	if err != nil {
		config.LogError(logger, "main", "run", correlationId, nil, err)
		return 1
	}
	defer release()

	token, err := secretProvider.GetSecret(ctx, bearerSecretName)
	if err != nil {
		config.LogError(logger, "main", "run", correlationId, nil, err)
		return 1
	}

	cfg, err := pipeline.LoadConfig()
	if err != nil {
		config.LogError(logger, "main", "run", correlationId, nil, err)
		return 1
	}

	versionMap, err := resolver.LoadVersionMap()
	if err != nil {
		config.LogError(logger, "main", "run", correlationId, nil, err)
		return 1
	}

	rulesDir := os.Getenv("RULES_DIR")
	if rulesDir == "" {
		rulesDir = "./ruledocs"
	}
	ruleCache := rules.NewCache(rules.FileLoader(rulesDir))

	clock := clockrand.NewSystem()
	orchestrator := &pipeline.Orchestrator{
		DB:         db,
		Store:      store.New(sqlgw.New(db)),
		HTTP:       httpclient.New(clock),
		Clock:      clock,
		RuleCache:  ruleCache,
		VersionMap: versionMap,
		Token:      token,
		Log:        logger,
		Config:     cfg,
	}

	counters, err := orchestrator.Run(ctx, jobName, correlationId)
	logger.WithFields(logrus.Fields{
		"module":         "main",
		"correlation_id": correlationId,
		"fetched":        counters.Fetched,
		"eligible":       counters.Eligible,
		"ingested":       counters.Ingested,
		"details":        counters.DetailsProcessed,
		"scored":         counters.ScoreProcessed,
		"outbox":         counters.EmailOutboxInserted,
	}).Info("run complete")

	if err != nil {
		config.LogError(logger, "main", "run", correlationId, nil, err)
		if errs.KindOf(err) == errs.Authentication {
			return 2
		}
		return 1
	}
	return 0
}
