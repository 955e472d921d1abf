package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/advisor/internal/audit"
	"github.com/sells-group/advisor/internal/decision"
	"github.com/sells-group/advisor/internal/gateway"
	"github.com/sells-group/advisor/internal/monitoring"
	"github.com/sells-group/advisor/internal/resilience"
	"github.com/sells-group/advisor/internal/secrets"
	"github.com/sells-group/advisor/internal/store"
	"github.com/sells-group/advisor/internal/taxonomy"
)

// appEnv holds the store, gateway and orchestrator shared by the decision
// commands and the server.
type appEnv struct {
	Store   store.Store
	Gateway *gateway.Gateway
	Service *decision.Service
	Metrics *monitoring.Metrics
	Audit   audit.Recorder
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Audit != nil {
		if err := e.Audit.Close(); err != nil {
			zap.L().Warn("close audit recorder", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// openStore connects the configured backend and applies migrations.
func openStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "memory":
		st = store.NewMemory()
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates the config for mode and builds the decision pipeline.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	tax := taxonomy.Default()
	if cfg.Taxonomy.Path != "" {
		t, err := taxonomy.Load(cfg.Taxonomy.Path)
		if err != nil {
			return nil, eris.Wrap(err, "load taxonomy")
		}
		tax = t
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Metrics: monitoring.NewMetrics()}

	breakers := gateway.NewBreakers(resilience.FromCircuitConfig(cfg.AI.Circuit))
	breakers.OnStateChange(env.Metrics.CircuitChanged)

	builder := gateway.Builder{}
	if needsSecrets() {
		ttl := time.Duration(cfg.Secrets.CacheTTLSecs) * time.Second
		resolver, err := secrets.NewFromRegion(ctx, cfg.Secrets.Region, ttl)
		if err != nil {
			zap.L().Warn("secrets manager unavailable, providers keyed by ARN will be skipped", zap.Error(err))
		} else {
			builder.Keys = resolver
		}
	}

	env.Gateway, err = builder.FromConfig(ctx, cfg,
		gateway.WithBreakers(breakers),
		gateway.WithObserver(env.Metrics),
	)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "build gateway")
	}

	env.Audit, err = audit.FromConfig(cfg.Audit)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init audit")
	}

	opts := append(decision.ConfigOptions(cfg, tax),
		decision.WithAudit(env.Audit),
		decision.WithObserver(env.Metrics),
	)
	env.Service = decision.New(st, env.Gateway, opts...)

	zap.L().Info("decision pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.Int("providers", env.Gateway.Len()),
		zap.Int("categories", len(tax.Names())),
	)
	return env, nil
}

func needsSecrets() bool {
	for _, p := range cfg.Providers {
		if p.Enabled && p.SecretARN != "" {
			return true
		}
	}
	return false
}
