// Package bootstrap wires configuration, stores, adapters, and services
// into runnable API and worker processes.
package bootstrap

import (
	"context"
	"os"
	"time"

	"verifier_server/adapter/out/messaging"
	"verifier_server/adapter/out/mongodb"
	"verifier_server/adapter/out/oracle"
	"verifier_server/adapter/out/persistence"
	"verifier_server/adapter/out/realtime"
	"verifier_server/config"
	"verifier_server/core/port/in"
	"verifier_server/core/port/out"
	"verifier_server/core/service/bulk"
	"verifier_server/core/service/resolve"
	"verifier_server/infra/database"
	"verifier_server/pkg/cache"
	"verifier_server/pkg/logger"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
)

// Dependencies holds every constructed component of the service.
type Dependencies struct {
	Config  *config.Config
	DB      *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	// Stores
	JobRepo    out.JobRepository
	BlobStore  out.BlobStore
	VerdictLog out.VerdictLog
	History    out.HistoryStore
	Credits    out.CreditsLedger
	Cache      out.VerdictCache

	// Oracle
	Oracle out.Oracle

	// Messaging
	Producer *messaging.RedisProducer

	// Realtime
	RealtimeAdapter *realtime.SSEAdapter

	// Services
	Resolver    *resolve.Resolver
	Engine      *bulk.Engine
	BulkService in.BulkService

	ZLog zerolog.Logger
}

// NewDependencies builds the full dependency graph. The returned cleanup
// closes every store client.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	mongoClient, err := mongodb.NewClient(cfg.MongoDBURL)
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, nil, err
	}
	mongoDB := mongoClient.Database(cfg.MongoDBName)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(ctx); err != nil {
			logger.WithError(err).Warn("MongoDB disconnect failed")
		}
		if err := redisClient.Close(); err != nil {
			logger.WithError(err).Warn("Redis close failed")
		}
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Postgres close failed")
		}
	}

	// Stores
	jobRepo := persistence.NewJobRepository(db)
	credits := persistence.NewCreditsAdapter(db)
	blobs, err := mongodb.NewGridFSStore(mongoDB)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	verdictLog := mongodb.NewVerdictLogAdapter(mongoDB)
	history := mongodb.NewHistoryAdapter(mongoDB)
	verdictCache := cache.NewRedisCache(redisClient)

	// Oracle client
	oracleClient := oracle.NewClient(oracle.Config{
		BaseURL:    cfg.OracleBaseURL,
		APIKey:     cfg.OracleAPIKey,
		FastPath:   cfg.OracleFastPath,
		StablePath: cfg.OracleStablePath,
		Timeout:    cfg.OracleTimeout,
	})

	// Verdict resolver
	resolver := resolve.NewResolver(oracleClient, verdictLog, history, verdictCache, resolve.Options{
		FreshnessWindow: cfg.FreshnessWindow,
		CacheTTL:        cfg.VerdictCacheTTL,
	})

	// Realtime
	realtimeAdapter := realtime.NewSSEAdapter(zlog)

	// Execution engine with cross-process cancel flags
	registry := bulk.NewCancelRegistry(persistence.NewCancelFlagAdapter(redisClient))
	engine := bulk.NewEngine(jobRepo, blobs, credits, resolver, realtimeAdapter, registry, bulk.EngineConfig{
		Workers:       cfg.EngineWorkers,
		ProgressFlush: time.Duration(cfg.ProgressFlushMS) * time.Millisecond,
		ResultSheet:   cfg.ResultSheetName,
	})

	// Messaging
	producer := messaging.NewRedisProducer(redisClient)

	// Orchestrator
	orchestrator := bulk.NewOrchestrator(jobRepo, blobs, credits, engine, producer, bulk.OrchestratorConfig{})

	return &Dependencies{
		Config:          cfg,
		DB:              db,
		Redis:           redisClient,
		MongoDB:         mongoClient,
		JobRepo:         jobRepo,
		BlobStore:       blobs,
		VerdictLog:      verdictLog,
		History:         history,
		Credits:         credits,
		Cache:           verdictCache,
		Oracle:          oracleClient,
		Producer:        producer,
		RealtimeAdapter: realtimeAdapter,
		Resolver:        resolver,
		Engine:          engine,
		BulkService:     orchestrator,
		ZLog:            zlog,
	}, cleanup, nil
}
