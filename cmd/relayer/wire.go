package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PlayibleClub/playible-near-relayer/pkg/api"
	"github.com/PlayibleClub/playible-near-relayer/pkg/auth"
	"github.com/PlayibleClub/playible-near-relayer/pkg/classifier"
	"github.com/PlayibleClub/playible-near-relayer/pkg/config"
	"github.com/PlayibleClub/playible-near-relayer/pkg/keystore"
	"github.com/PlayibleClub/playible-near-relayer/pkg/kms"
	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
	"github.com/PlayibleClub/playible-near-relayer/pkg/nonce"
	"github.com/PlayibleClub/playible-near-relayer/pkg/observability"
	"github.com/PlayibleClub/playible-near-relayer/pkg/policy"
	"github.com/PlayibleClub/playible-near-relayer/pkg/relay"
	"github.com/PlayibleClub/playible-near-relayer/pkg/rpc"
)

const idempotencyKeyPrefix = "relayer:idem:"

// app is the assembled relayer.
type app struct {
	handler http.Handler
	account near.AccountID
	nonces  *nonce.Manager
	closers []func(context.Context) error
}

func (a *app) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// reverse construction order
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

// build wires every component from cfg. On error everything opened so far
// is closed again.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close(logger)
		}
	}()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "near-relayer",
		ServiceVersion: version,
		Environment:    cfg.Observability.Environment,
		OTLPEndpoint:   cfg.Observability.Endpoint,
		SampleRate:     cfg.Observability.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       cfg.Observability.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	a.closers = append(a.closers, obs.Shutdown)

	client := rpc.New(rpc.Options{
		Endpoint:   cfg.RPCURL,
		APIKey:     cfg.RPCAPIKey,
		HTTPClient: &http.Client{Timeout: cfg.RPCTimeout},
		Logger:     logger,
	})

	manager, err := openKMS(cfg.KMS)
	if err != nil {
		return nil, err
	}
	signer, err := keystore.Load(ctx, keystore.LoadOptions{
		Location:  cfg.KeysFilename,
		AccountID: near.AccountID(cfg.RelayerAccountID),
		KMS:       manager,
		Sources: keystore.SourceOptions{
			S3Region:   cfg.KeySource.S3Region,
			S3Endpoint: cfg.KeySource.S3Endpoint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("load relayer key: %w", err)
	}
	a.account = signer.AccountID()

	var redisClient redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis_url: %w", err)
		}
		c := redis.NewClient(opts)
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
		redisClient = c
	}

	store, err := openNonceStore(ctx, cfg, a, redisClient, nonce.KeyID(signer.AccountID(), signer.PublicKey()))
	if err != nil {
		return nil, err
	}
	a.nonces = nonce.NewManager(store, client, signer.AccountID(), signer.PublicKey(), logger)
	if err := a.nonces.Sync(ctx); err != nil {
		// the first relay retries the sync; readiness stays false until then
		logger.Warn("initial nonce sync failed", "error", err)
	}

	rules, err := policy.New(cfg.Policies)
	if err != nil {
		return nil, fmt.Errorf("policies: %w", err)
	}

	pipeline, err := relay.New(relay.Options{
		Ledger:         client,
		Signer:         signer,
		Nonces:         a.nonces,
		Classifier:     classifier.New(),
		Policy:         rules,
		Retry:          cfg.Retry.Policy(),
		RequestTimeout: cfg.RequestTimeout,
		Observability:  obs,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	middleware := []func(http.Handler) http.Handler{
		auth.RequestIDMiddleware,
		obs.HTTPMiddleware,
	}
	if len(cfg.CORSOrigins) > 0 {
		middleware = append(middleware, auth.CORSMiddleware(cfg.CORSOrigins))
	}
	if cfg.RateLimit.Enabled {
		rl := api.NewGlobalRateLimiter(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		rl.TrustForwardedFor = cfg.RateLimit.TrustForwardedFor
		middleware = append(middleware, rl.Middleware)
	}
	if cfg.Auth.Enabled {
		validator, err := auth.NewJWTValidator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		middleware = append(middleware, auth.NewMiddleware(validator))
	}
	middleware = append(middleware, auth.AccessLogMiddleware(logger))
	if cfg.Idempotency.Enabled {
		var idem api.IdempotencyStorer
		if cfg.Idempotency.Store == "redis" {
			idem = api.NewRedisIdempotencyStore(redisClient, idempotencyKeyPrefix, cfg.Idempotency.TTL)
		} else {
			idem = api.NewIdempotencyStore(ctx, cfg.Idempotency.TTL)
		}
		middleware = append(middleware, api.IdempotencyMiddleware(idem, api.IdempotencyOptions{
			HashBody:     cfg.Idempotency.HashBody,
			MaxBodyBytes: api.MaxJSONBody,
		}))
	}

	srv := api.NewServer(pipeline, a.nonces.Synced, logger)
	a.handler = api.Chain(srv.Routes(), middleware...)

	logger.Info("relayer assembled",
		"account", signer.AccountID(),
		"public_key", signer.PublicKey().String(),
		"nonce_store", cfg.Nonce.Store,
		"policies", rules.Len(),
		"retry_attempts", cfg.Retry.MaxAttempts,
	)
	return a, nil
}

func openKMS(cfg config.KMSConfig) (kms.Manager, error) {
	switch cfg.Mode {
	case config.KMSLocal:
		m, err := kms.NewLocalKMS(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		return m, nil
	case config.KMSDerived:
		m, err := kms.NewDerivedKMS([]byte(cfg.Secret), cfg.Version)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, nil
	}
}

func openNonceStore(ctx context.Context, cfg *config.Config, a *app, rc redis.UniversalClient, keyID string) (nonce.Store, error) {
	switch cfg.Nonce.Store {
	case config.NonceStoreRedis:
		return nonce.NewRedisStore(rc, keyID), nil
	case config.NonceStorePostgres, config.NonceStoreSQLite:
		dialect := nonce.Postgres
		if cfg.Nonce.Store == config.NonceStoreSQLite {
			dialect = nonce.SQLite
		}
		db, err := nonce.OpenDB(ctx, dialect, cfg.Nonce.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		return nonce.NewSQLStore(ctx, db, dialect, keyID)
	default:
		return nonce.NewMemoryStore(), nil
	}
}
