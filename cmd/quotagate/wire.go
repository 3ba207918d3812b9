package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/quotagate/internal/account"
	"github.com/AlexKimmel/quotagate/internal/admission"
	"github.com/AlexKimmel/quotagate/internal/auth"
	"github.com/AlexKimmel/quotagate/internal/clock"
	"github.com/AlexKimmel/quotagate/internal/config"
	"github.com/AlexKimmel/quotagate/internal/gateway"
	"github.com/AlexKimmel/quotagate/internal/obs"
	"github.com/AlexKimmel/quotagate/internal/proxy"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/ratelimit/memory"
	"github.com/AlexKimmel/quotagate/internal/routing"
	"github.com/AlexKimmel/quotagate/internal/store"
	"github.com/AlexKimmel/quotagate/internal/tier"
)

const pruneEvery = time.Minute

type app struct {
	handler http.Handler
	local   []*memory.Limiter
	closers []func()
	log     zerolog.Logger
}

// run prunes idle local windows until ctx is done.
func (a *app) run(ctx context.Context) {
	if len(a.local) == 0 {
		return
	}
	t := time.NewTicker(pruneEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n := 0
			for _, l := range a.local {
				n += l.Prune()
			}
			a.log.Debug().Int("pruned", n).Msg("local windows pruned")
		}
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Root, logger zerolog.Logger, metrics *obs.Metrics) (*app, error) {
	a := &app{log: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	table, err := cfg.TierTable()
	if err != nil {
		return nil, err
	}
	policy, err := admission.ParseFailurePolicy(cfg.Limits.FailurePolicy)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}
	dir, err := openDirectory(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}

	resolver := tier.NewResolver(table, dir, st,
		tier.WithKeyPrefix(cfg.Redis.KeyPrefix),
		tier.WithCacheTTL(cfg.Limits.TierCacheTTL()),
		tier.WithLogger(logger),
	)
	limiter, err := newLimiter(cfg, table, st, logger, metrics, a)
	if err != nil {
		return nil, err
	}
	orch := admission.New(dir, resolver, limiter,
		admission.WithFailurePolicy(policy),
		admission.WithLogger(logger),
		admission.WithRecorder(metrics),
	)

	rr, err := newRouter(cfg)
	if err != nil {
		return nil, err
	}

	gated := gateway.Chain(
		proxy.Handler(proxy.NewHTTPTransport(), cfg.Auth.Header),
		gateway.RouteMatcher(rr, nil),
		metrics.Middleware(nil),
		gateway.Quota(orch, cfg.Auth.Header, nil),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	mux.Handle("GET "+cfg.Observability.PrometheusPath, metrics.Handler())
	mux.Handle("PUT /admin/tiers/{identity}", auth.AdminOnly(cfg.Auth.AdminToken)(gateway.SetTier(resolver)))
	mux.Handle("/", gated)

	a.handler = gateway.Chain(mux,
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
	)
	ok = true
	return a, nil
}

// openStore connects to Redis, or falls back to an in-process store when no
// address is configured.
func openStore(ctx context.Context, cfg *config.Root, logger zerolog.Logger, a *app) (store.Store, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn().Msg("redis.addr not set, counters are local to this process")
		return store.NewMemory(clock.System), nil
	}
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() { _ = rc.Close() })

	st := store.NewRedis(rc, store.WithTimeout(cfg.Redis.Timeout()))
	if err := st.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}
	if cfg.Redis.AtomicTake {
		if err := st.Load(ctx); err != nil {
			return nil, fmt.Errorf("load token script: %w", err)
		}
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	return st, nil
}

// openDirectory uses Postgres when a URL is configured, otherwise the
// accounts listed in the config.
func openDirectory(ctx context.Context, cfg *config.Root, logger zerolog.Logger, a *app) (account.Directory, error) {
	if cfg.Postgres.URL == "" {
		dir := account.NewStatic(cfg.StaticAccounts())
		logger.Info().Int("accounts", dir.Len()).Msg("using static accounts")
		return dir, nil
	}
	pool, err := account.OpenPostgres(ctx, cfg.Postgres.URL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pool.Close)
	logger.Info().Msg("postgres connected")
	return account.NewPostgres(pool), nil
}

func newLimiter(cfg *config.Root, table *tier.Table, st store.Store, logger zerolog.Logger, metrics *obs.Metrics, a *app) (ratelimit.TierLimiter, error) {
	opts := []ratelimit.Option{
		ratelimit.WithPrefix(cfg.Redis.KeyPrefix),
		ratelimit.WithLogger(logger),
		ratelimit.WithRecorder(metrics),
	}
	switch cfg.Limits.Algorithm {
	case config.AlgoTieredTokenBucket:
		opts = append(opts, ratelimit.WithAtomicTake(cfg.Redis.AtomicTake))
		return ratelimit.NewTiered(st, table, opts...), nil
	case config.AlgoTokenBucket:
		return ratelimit.NewByTier(table, func(t tier.Tier) ratelimit.Limiter {
			return ratelimit.NewTokenBucket(st, t.Limit, t.Period, opts...)
		}), nil
	case config.AlgoFixedWindow:
		return ratelimit.NewByTier(table, func(t tier.Tier) ratelimit.Limiter {
			return ratelimit.NewFixedWindow(st, t.Limit, t.Period, opts...)
		}), nil
	case config.AlgoLocalFixedWindow:
		return ratelimit.NewByTier(table, func(t tier.Tier) ratelimit.Limiter {
			l := memory.New(t.Limit, t.Period)
			a.local = append(a.local, l)
			return l
		}), nil
	}
	return nil, fmt.Errorf("unknown limits.algorithm %q", cfg.Limits.Algorithm)
}

func newRouter(cfg *config.Root) (*routing.Router, error) {
	rr := routing.New()
	for _, rc := range cfg.Routes {
		u, err := url.Parse(rc.Upstream.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("route %q: bad upstream url %q", rc.ID, rc.Upstream.URL)
		}
		methods := make(map[string]struct{}, len(rc.Match.Methods))
		for _, m := range rc.Match.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}
		rr.Add(&routing.Route{
			ID:       rc.ID,
			Methods:  methods,
			Prefix:   rc.Match.PathPrefix,
			Upstream: u,
			Timeout:  time.Duration(rc.Upstream.TimeoutMS) * time.Millisecond,
			Public:   rc.Public,
		})
	}
	return rr, nil
}
