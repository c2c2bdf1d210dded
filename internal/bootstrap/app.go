// Package bootstrap assembles a worker process from validated
// configuration: per-environment job stores, the shared Redis budget and
// registry, the object store, the AI provider chain, and the lifecycle.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"registre-backend/internal/automation"
	"registre-backend/internal/fleet"
	"registre-backend/internal/jobs"
	"registre-backend/internal/llm"
	"registre-backend/internal/llm/openai"
	"registre-backend/internal/pipeline"
	"registre-backend/internal/ratebudget"
	"registre-backend/internal/server"
	"registre-backend/internal/shared/config"
	"registre-backend/internal/shared/storage/db"
	"registre-backend/internal/shared/storage/object"
	localstore "registre-backend/internal/shared/storage/object/local"
	s3store "registre-backend/internal/shared/storage/object/s3"
	"registre-backend/internal/shared/telemetry"
	"registre-backend/internal/worker"
)

// App is one assembled worker process.
type App struct {
	WorkerID  string
	Lifecycle *worker.Lifecycle
	Ops       *http.Server

	dbs   []*sql.DB
	redis *redis.Client
}

// New wires an App from configuration. The automation driver is a
// collaborator supplied by the caller; OCR workers may pass nil.
func New(ctx context.Context, cfg config.Config, driver automation.PageDriver) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	workerID := cfg.WorkerKind + "-" + uuid.NewString()

	var (
		envs []jobs.EnvStore
		dbs  []*sql.DB
	)
	closeAll := func() {
		for _, conn := range dbs {
			conn.Close()
		}
	}
	for _, env := range cfg.EnvPriority {
		conn, err := db.Connect(ctx, cfg.DatabaseURLs[env], db.OptionsFromEnv(db.DefaultWorkerOptions()))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("connect %s: %w", env, err)
		}
		dbs = append(dbs, conn)
		envs = append(envs, jobs.EnvStore{Env: env, Store: &jobs.PGStore{DB: conn}})
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		closeAll()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	budget, err := ratebudget.NewRedisBudget(redisClient, ratebudget.Limits{
		SafeRPM: int64(cfg.SafeRPM()),
		SafeTPM: int64(cfg.SafeTPM()),
		Window:  cfg.RateWindow,
	})
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("rate budget: %w", err)
	}
	registry, err := fleet.NewRedisRegistry(redisClient)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("worker registry: %w", err)
	}

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		closeAll()
		return nil, err
	}

	var pl *pipeline.Pipeline
	if cfg.WorkerKind == jobs.WorkerKindOCR {
		client, err := newProviderChain(cfg)
		if err != nil {
			closeAll()
			return nil, err
		}
		pl = &pipeline.Pipeline{
			Store:           objects,
			Raster:          pipeline.NewRasterizer(cfg.PdftoppmPath, cfg.RasterDPI),
			Client:          client,
			Budget:          budget,
			Backoff:         ratebudget.DefaultBackoff(),
			RequireAllPages: cfg.RequireAllPages,
		}
	}

	processor, err := worker.NewProcessor(cfg.WorkerKind, workerID, driver, objects, pl)
	if err != nil {
		closeAll()
		return nil, err
	}

	queue, err := jobs.NewQueue(workerID, cfg.WorkerKind, envs)
	if err != nil {
		closeAll()
		return nil, err
	}

	lifecycle, err := worker.New(worker.Config{
		ID:                workerID,
		Kind:              cfg.WorkerKind,
		Environments:      cfg.EnvPriority,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LivenessThreshold: cfg.LivenessThreshold,
		RateWindow:        cfg.RateWindow,
		MaxAttempts:       cfg.MaxAttempts,
	}, queue, envs, registry, budget, processor)
	if err != nil {
		closeAll()
		return nil, err
	}

	ops := &http.Server{
		Addr: server.Addr(cfg.OpsPort),
		Handler: server.NewRouter(server.Deps{
			WorkerID:     workerID,
			WorkerKind:   cfg.WorkerKind,
			Environments: cfg.EnvPriority,
			State:        lifecycle.State,
			Registry:     registry,
			Budget:       budget,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	telemetry.Info("bootstrap.ready", map[string]any{
		"worker_id":    workerID,
		"worker_kind":  cfg.WorkerKind,
		"environments": cfg.EnvPriority,
		"ops_addr":     ops.Addr,
	})
	return &App{
		WorkerID:  workerID,
		Lifecycle: lifecycle,
		Ops:       ops,
		dbs:       dbs,
		redis:     redisClient,
	}, nil
}

// Close releases store connections after the lifecycle has stopped.
func (a *App) Close() {
	for _, conn := range a.dbs {
		conn.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}

func newObjectStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	if cfg.ObjectStoreType == "s3" {
		store, err := s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, fmt.Errorf("s3 store: %w", err)
		}
		return store, nil
	}
	return localstore.New(cfg.LocalStoreDir), nil
}

// newProviderChain builds primary-with-retry, falling back once to
// secondary-with-retry when one is configured.
func newProviderChain(cfg config.Config) (llm.Client, error) {
	timeout := time.Duration(cfg.LLMTimeoutSeconds) * time.Second

	primary, err := openai.NewClient(openai.Config{
		APIKey:  cfg.PrimaryAPIKey,
		Model:   cfg.PrimaryModel,
		BaseURL: cfg.PrimaryBaseURL,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("primary provider: %w", err)
	}

	var secondary llm.Client
	if cfg.SecondaryAPIKey != "" && cfg.SecondaryModel != "" {
		sec, err := openai.NewClient(openai.Config{
			APIKey:  cfg.SecondaryAPIKey,
			Model:   cfg.SecondaryModel,
			BaseURL: cfg.SecondaryBaseURL,
			Timeout: timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("secondary provider: %w", err)
		}
		secondary = llm.WithRetry(sec, "secondary")
	}

	return llm.Fallback{
		Primary:   llm.WithRetry(primary, "primary"),
		Secondary: secondary,
	}, nil
}
