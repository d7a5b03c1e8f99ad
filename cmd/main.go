package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	valkey "github.com/valkey-io/valkey-go"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/dealpack/ratekeeper/internal/config"
	"github.com/dealpack/ratekeeper/internal/logging"
	"github.com/dealpack/ratekeeper/internal/metrics"
	"github.com/dealpack/ratekeeper/internal/ratelimit"
	"github.com/dealpack/ratekeeper/internal/respcache"
	"github.com/dealpack/ratekeeper/internal/server"
	"github.com/dealpack/ratekeeper/internal/store"
	"github.com/dealpack/ratekeeper/internal/webhook"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "RATEKEEPER", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	backends := buildBackends(ctx, logger.With(slog.String("subsystem", "backend_factory")), cfg)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := backends.kv.Close(shutdownCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	policies := ratelimit.NewPolicySet(policiesFromConfig(cfg.Limits))

	var policiesWatcher *config.PoliciesWatcher
	if path := cfg.Server.Limiter.PoliciesFile; path != "" {
		watcher, err := config.WatchPolicies(ctx, path, func(limits map[string]config.LimitConfig) {
			policies.Replace(policiesFromConfig(limits))
			logger.Info("limit policies reloaded", slog.Int("count", len(limits)))
		}, func(err error) {
			logger.Error("policies watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("policies watcher setup failed", slog.Any("error", err))
		} else {
			policiesWatcher = watcher
			defer policiesWatcher.Stop()
		}
	}

	failureMode := ratelimit.FailureMode(strings.ToLower(cfg.Server.Limiter.FailureMode))
	coachLimit := ratelimit.NewMiddleware(backends.limiter, policies, "ai_coach", failureMode,
		func(r *http.Request) string { return r.Header.Get("X-User-ID") }, logger, recorder)

	guard := webhook.NewGuard(backends.events)
	webhookHandler := webhook.Handler(guard, processBillingEvent(logger), logger, recorder)

	cache := respcache.New(backends.kv, cfg.Server.Cache.Namespace, cfg.Server.Cache.CacheRetention(), logger, recorder)

	router := server.NewRouter(server.Deps{
		Logger:     logger,
		Metrics:    recorder,
		Store:      backends.kv,
		Cache:      cache,
		CacheTTL:   cfg.Server.Cache.TTL(),
		Respond:    placeholderResponder,
		Webhook:    webhookHandler,
		LimitCoach: coachLimit.Wrap,
	})

	srv, err := server.New(cfg, logger, router)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// backendSet bundles the concrete backends selected by configuration.
type backendSet struct {
	kv      store.Store
	limiter ratelimit.Limiter
	events  webhook.EventStore
}

// buildBackends selects the store, limiter, and webhook event backends. Any
// backend that fails to initialize degrades to memory so the server still
// comes up; the health endpoint and logs surface the degradation. The limiter
// follows the store backend unless limiter.backend overrides it, sharing the
// store's connection when they agree.
func buildBackends(ctx context.Context, logger *slog.Logger, cfg config.Config) backendSet {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	set := backendSet{kv: store.NewMemory()}
	var valkeyClient valkey.Client
	var mongoDB *mongo.Database

	storeBackend := strings.TrimSpace(strings.ToLower(cfg.Server.Store.Backend))
	switch storeBackend {
	case "", "memory":
		storeBackend = "memory"
		logger.Info("using memory store")

	case "redis":
		client, err := store.NewValkeyClient(redisConfigFrom(cfg))
		if err != nil {
			logger.Error("redis initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			storeBackend = "memory"
			break
		}
		logger.Info("using redis store", slog.String("address", cfg.Server.Store.Redis.Address))
		valkeyClient = client
		set.kv = store.NewRedisFromClient(client)

	case "mongo":
		client, err := store.ConnectMongo(connectCtx, cfg.Server.Store.Mongo.URI)
		if err != nil {
			logger.Error("mongo initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			storeBackend = "memory"
			break
		}
		db := client.Database(cfg.Server.Store.Mongo.Database)
		kv, err := store.NewMongoOnCollection(connectCtx, client, db.Collection("cache"))
		if err != nil {
			logger.Error("mongo cache collection setup failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			storeBackend = "memory"
			break
		}
		logger.Info("using mongo store", slog.String("database", cfg.Server.Store.Mongo.Database))
		mongoDB = db
		set.kv = kv

	default:
		logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Server.Store.Backend))
		storeBackend = "memory"
	}

	if mongoDB != nil {
		set.events = webhook.NewMongoEventStore(mongoDB.Collection("webhook_events"))
	} else {
		set.events = webhook.NewKVEventStore(set.kv, cfg.Server.Webhook.Retention())
	}

	limiterBackend := strings.TrimSpace(strings.ToLower(cfg.Server.Limiter.Backend))
	if limiterBackend == "" {
		limiterBackend = storeBackend
	}
	set.limiter = buildLimiter(connectCtx, logger, cfg, limiterBackend, valkeyClient, mongoDB)
	return set
}

func buildLimiter(ctx context.Context, logger *slog.Logger, cfg config.Config, backend string, valkeyClient valkey.Client, mongoDB *mongo.Database) ratelimit.Limiter {
	switch backend {
	case "redis":
		if valkeyClient == nil {
			client, err := store.NewValkeyClient(redisConfigFrom(cfg))
			if err != nil {
				logger.Error("redis limiter initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory limiter")
				return ratelimit.NewMemory()
			}
			valkeyClient = client
		}
		return ratelimit.NewRedis(valkeyClient, cfg.Server.Limiter.KeyPrefix)

	case "mongo":
		if mongoDB == nil {
			client, err := store.ConnectMongo(ctx, cfg.Server.Store.Mongo.URI)
			if err != nil {
				logger.Error("mongo limiter initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory limiter")
				return ratelimit.NewMemory()
			}
			mongoDB = client.Database(cfg.Server.Store.Mongo.Database)
		}
		records, err := ratelimit.NewMongoRecordStore(ctx, mongoDB.Collection("rate_limits"))
		if err != nil {
			logger.Error("mongo rate limit collection setup failed", slog.Any("error", err))
			logger.Info("falling back to memory limiter")
			return ratelimit.NewMemory()
		}
		return ratelimit.NewRecords(records)

	default:
		return ratelimit.NewMemory()
	}
}

func redisConfigFrom(cfg config.Config) store.RedisConfig {
	return store.RedisConfig{
		Address:  cfg.Server.Store.Redis.Address,
		Username: cfg.Server.Store.Redis.Username,
		Password: cfg.Server.Store.Redis.Password,
		DB:       cfg.Server.Store.Redis.DB,
		TLS: store.RedisTLSConfig{
			Enabled: cfg.Server.Store.Redis.TLS.Enabled,
			CAFile:  cfg.Server.Store.Redis.TLS.CAFile,
		},
	}
}

func policiesFromConfig(limits map[string]config.LimitConfig) map[string]ratelimit.Policy {
	policies := make(map[string]ratelimit.Policy, len(limits))
	for name, limit := range limits {
		policies[name] = ratelimit.Policy{Limit: limit.Limit, Window: limit.Window()}
	}
	return policies
}

// processBillingEvent acknowledges billing deliveries. The subscription and
// entitlement mutations live in the main application; this service records
// the delivery so redeliveries never re-run them.
func processBillingEvent(logger *slog.Logger) webhook.Processor {
	return func(_ context.Context, event webhook.Event, _ []byte) error {
		logger.Info("billing event accepted",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type))
		return nil
	}
}

func placeholderResponder(_ context.Context, identity string, _ map[string]any, requestContext string) (string, error) {
	return fmt.Sprintf("coaching guidance for %s (%s)", identity, requestContext), nil
}
