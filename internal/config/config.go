// Package config loads the gateway configuration from YAML and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/quotagate/internal/tier"
)

// Limiter algorithms accepted in limits.algorithm.
const (
	AlgoTieredTokenBucket = "tiered_token_bucket"
	AlgoTokenBucket       = "token_bucket"
	AlgoFixedWindow       = "fixed_window"
	AlgoLocalFixedWindow  = "local_fixed_window"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Auth struct {
	Header     string `yaml:"header"`
	AdminToken string `yaml:"admin_token"`
}

// Account is a statically configured API key, used when no Postgres URL is
// set.
type Account struct {
	Key  string `yaml:"key"`
	Tier string `yaml:"tier"`
}

type Postgres struct {
	URL string `yaml:"url"`
}

type Redis struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	KeyPrefix  string `yaml:"key_prefix"`
	AtomicTake bool   `yaml:"atomic_take"`
}

// TierLimit is one tier's quota.
type TierLimit struct {
	Limit   int `yaml:"limit"`
	PeriodS int `yaml:"period_s"`
}

type Limits struct {
	Algorithm     string               `yaml:"algorithm"`
	DefaultTier   string               `yaml:"default_tier"`
	FailurePolicy string               `yaml:"failure_policy"`
	TierCacheTTLS int                  `yaml:"tier_cache_ttl_s"`
	TestKeys      string               `yaml:"test_keys"`
	Tiers         map[string]TierLimit `yaml:"tiers"`
}

type Routes struct {
	ID     string `yaml:"id"`
	Public bool   `yaml:"public"`
	Match  struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Accounts      []Account     `yaml:"accounts"`
	Postgres      Postgres      `yaml:"postgres"`
	Redis         Redis         `yaml:"redis"`
	Limits        Limits        `yaml:"limits"`
	Routes        []Routes      `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

// MaxBody defaults to 10MB.
func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
}

func (r Redis) Timeout() time.Duration {
	if r.TimeoutMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

func (l Limits) TierCacheTTL() time.Duration {
	return time.Duration(l.TierCacheTTLS) * time.Second
}

// Defaults returns the configuration used when a key is absent.
func Defaults() *Root {
	cfg := &Root{}
	cfg.setDefaults()
	return cfg
}

// Load reads the YAML file at path and fills in defaults. An empty path
// yields the defaults.
func Load(path string) (*Root, error) {
	var cfg Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (cfg *Root) setDefaults() {
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "quota:"
	}
	if cfg.Limits.Algorithm == "" {
		cfg.Limits.Algorithm = AlgoTieredTokenBucket
	}
	if cfg.Limits.DefaultTier == "" {
		cfg.Limits.DefaultTier = tier.Free
	}
	if cfg.Limits.FailurePolicy == "" {
		cfg.Limits.FailurePolicy = "closed"
	}
	if len(cfg.Limits.Tiers) == 0 {
		cfg.Limits.Tiers = map[string]TierLimit{
			"free":       {Limit: 100, PeriodS: 86400},
			"pro":        {Limit: 5000, PeriodS: 86400},
			"enterprise": {Limit: 50000, PeriodS: 86400},
		}
	}
}

// envAliases maps the short environment prefix to a tier name.
var envAliases = map[string]string{"ENT": "enterprise"}

// ApplyEnv overrides cfg from KEY=VALUE pairs such as os.Environ(). Per-tier
// keys are RL_<TIER>_LIMIT and RL_<TIER>_PERIOD; they only touch tiers that
// are already configured. Malformed integers are ignored.
func (cfg *Root) ApplyEnv(environ []string) {
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "RL_DEFAULT_TIER":
			cfg.Limits.DefaultTier = v
		case "RL_TEST_KEYS":
			cfg.Limits.TestKeys = v
		case "REDIS_ADDR":
			cfg.Redis.Addr = v
		case "DATABASE_URL":
			cfg.Postgres.URL = v
		case "QUOTAGATE_ADMIN_TOKEN":
			cfg.Auth.AdminToken = v
		case "QUOTAGATE_FAILURE_POLICY":
			cfg.Limits.FailurePolicy = v
		default:
			cfg.applyTierEnv(k, v)
		}
	}
}

func (cfg *Root) applyTierEnv(k, v string) {
	rest, ok := strings.CutPrefix(k, "RL_")
	if !ok {
		return
	}
	var field string
	switch {
	case strings.HasSuffix(rest, "_LIMIT"):
		field, rest = "limit", strings.TrimSuffix(rest, "_LIMIT")
	case strings.HasSuffix(rest, "_PERIOD"):
		field, rest = "period", strings.TrimSuffix(rest, "_PERIOD")
	default:
		return
	}
	name := strings.ToLower(rest)
	if alias, ok := envAliases[rest]; ok {
		name = alias
	}
	tl, ok := cfg.Limits.Tiers[name]
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return
	}
	if field == "limit" {
		tl.Limit = n
	} else {
		tl.PeriodS = n
	}
	cfg.Limits.Tiers[name] = tl
}

// TierTable validates the configured tiers and builds the tier table.
func (cfg *Root) TierTable() (*tier.Table, error) {
	if len(cfg.Limits.Tiers) == 0 {
		return nil, errors.New("config: no tiers configured")
	}
	names := make([]string, 0, len(cfg.Limits.Tiers))
	for name := range cfg.Limits.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)

	tiers := make([]tier.Tier, 0, len(names))
	for _, name := range names {
		tl := cfg.Limits.Tiers[name]
		tiers = append(tiers, tier.Tier{
			Name:   name,
			Limit:  tl.Limit,
			Period: time.Duration(tl.PeriodS) * time.Second,
		})
	}
	t, err := tier.NewTable(tiers, cfg.Limits.DefaultTier, cfg.Limits.TestKeys)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return t, nil
}

// StaticAccounts returns the configured accounts as key -> tier.
func (cfg *Root) StaticAccounts() map[string]string {
	m := make(map[string]string, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		if a.Key != "" {
			m[a.Key] = a.Tier
		}
	}
	return m
}
