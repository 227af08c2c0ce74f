// Package config loads the YAML instance-configuration file shared by the
// rexecd and rexec-gateway binaries. Host/port/TLS flags are handled
// separately by each cmd/ binary's go-flags opts struct (please's
// tools/cache/rpc_server_main.go idiom); this package only covers the
// behavioural knobs that vary per REAPI instance and per tenant, in the
// style of alxyedek-brm-server's pkg/config (koanf + YAML + env overlay).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/relaybuild/rexec/internal/instance"
)

// TenantQuota is the admission policy for one tenant (C7).
type TenantQuota struct {
	ID                string  `koanf:"id"`
	MaxConcurrent     int     `koanf:"max_concurrent"`
	ExecuteRPS        float64 `koanf:"execute_rps"`
	ExecuteBurst      int     `koanf:"execute_burst"`
	MaxQueueDepth     int     `koanf:"max_queue_depth"`
	IssuerJWKSURL     string  `koanf:"jwks_url"`
	AudienceClaim     string  `koanf:"audience"`
}

// Config is the full parsed instance/tenant/scheduler configuration.
type Config struct {
	Instances []instance.Config `koanf:"instances"`
	Tenants   []TenantQuota     `koanf:"tenants"`

	Scheduler struct {
		LeaseInterval            time.Duration `koanf:"lease_interval"`
		MaxAttempts               int           `koanf:"max_attempts"`
		CancellationGracePeriod   time.Duration `koanf:"cancellation_grace_period"`
		BotSessionTTL             time.Duration `koanf:"bot_session_ttl"`
		WriteAheadLogPath         string        `koanf:"wal_path"`
		SkipCacheLookupSkipsWrite bool          `koanf:"skip_cache_lookup_skips_write"`
		StrictPriorityOrdering    bool          `koanf:"strict_priority_ordering"`
	} `koanf:"scheduler"`

	Auth struct {
		JWKSRefreshInterval time.Duration `koanf:"jwks_refresh_interval"`
		JWKSDebounce        time.Duration `koanf:"jwks_debounce"`
		TokenCacheTTL       time.Duration `koanf:"token_cache_ttl"`
		Audience            string        `koanf:"audience"`
	} `koanf:"auth"`
}

// Default returns the configuration used when no file is supplied, so that
// `rexecd` and `rexec-gateway` run standalone with one default instance and
// no tenants configured (quota applies no limits to an unknown tenant, and
// reports no tenant as active).
func Default() Config {
	var c Config
	c.Instances = []instance.Config{instance.DefaultConfig("")}
	c.Scheduler.LeaseInterval = 30 * time.Second
	c.Scheduler.MaxAttempts = 3
	c.Scheduler.CancellationGracePeriod = 10 * time.Second
	c.Scheduler.BotSessionTTL = 60 * time.Second
	c.Scheduler.SkipCacheLookupSkipsWrite = false
	c.Auth.JWKSRefreshInterval = 5 * time.Minute
	c.Auth.JWKSDebounce = 30 * time.Second
	c.Auth.TokenCacheTTL = 60 * time.Second
	return c
}

// Load reads base configuration from path (if non-empty) and overlays
// environment variables prefixed REXEC_, converting REXEC_SCHEDULER_MAX_ATTEMPTS
// to scheduler.max_attempts the way alxyedek-brm-server's loader does.
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("REXEC_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "REXEC_")
		return strings.ToLower(strings.Replace(s, "_", ".", 1))
	}), nil); err != nil {
		return cfg, fmt.Errorf("loading environment overrides: %w", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshaling config: %w", err)
	}
	if len(cfg.Instances) == 0 {
		cfg.Instances = []instance.Config{instance.DefaultConfig("")}
	}
	return cfg, nil
}
