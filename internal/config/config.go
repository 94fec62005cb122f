// Package config loads and validates gateway configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/poolgate/poolgate/internal/site"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Sites     []SiteConfig    `mapstructure:"sites"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Session   SessionConfig   `mapstructure:"session"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Failover  FailoverConfig  `mapstructure:"failover"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Checkin   CheckinConfig   `mapstructure:"checkin"`
	Balance   BalanceConfig   `mapstructure:"balance"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// OpsRateLimit caps requests per minute per client on the
	// operational endpoints.
	OpsRateLimit int `mapstructure:"ops_rate_limit"`
}

// GatewayConfig governs request routing and retries.
type GatewayConfig struct {
	// Prefix is the path prefix stripped before forwarding upstream.
	Prefix               string        `mapstructure:"prefix"`
	MaxAccountRetries    int           `mapstructure:"max_account_retries"`
	InitialRetryInterval time.Duration `mapstructure:"initial_retry_interval"`
	MaxRetryInterval     time.Duration `mapstructure:"max_retry_interval"`
	UpstreamTimeout      time.Duration `mapstructure:"upstream_timeout"`
	MaxBodyBytes         int64         `mapstructure:"max_body_bytes"`
	APIUserHeader        string        `mapstructure:"api_user_header"`

	AuthStatuses        []int    `mapstructure:"auth_statuses"`
	CapacityStatuses    []int    `mapstructure:"capacity_statuses"`
	CapacityBodyMarkers []string `mapstructure:"capacity_body_markers"`
	BlockedContentTypes []string `mapstructure:"blocked_content_types"`
}

// SiteConfig declares one upstream site.
type SiteConfig struct {
	Name              string   `mapstructure:"name"`
	BaseURL           string   `mapstructure:"base_url"`
	Role              string   `mapstructure:"role"`
	Priority          int      `mapstructure:"priority"`
	RequiresProxy     bool     `mapstructure:"requires_proxy"`
	RequiresChallenge bool     `mapstructure:"requires_challenge"`
	ChallengePath     string   `mapstructure:"challenge_path"`
	CookieNames       []string `mapstructure:"cookie_names"`
	ProbePath         string   `mapstructure:"probe_path"`
}

// ChallengeConfig tunes the challenge cookie cache.
type ChallengeConfig struct {
	TTL              time.Duration `mapstructure:"ttl"`
	PreRefreshWindow time.Duration `mapstructure:"pre_refresh_window"`
	SolveTimeout     time.Duration `mapstructure:"solve_timeout"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
}

// SessionConfig controls the headless browser.
type SessionConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleWait        time.Duration `mapstructure:"settle_wait"`
	MaxAge            time.Duration `mapstructure:"max_age"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ProxyURL          string        `mapstructure:"proxy_url"`
}

// PoolConfig governs account failure handling.
type PoolConfig struct {
	MaxConsecutiveFails int           `mapstructure:"max_consecutive_fails"`
	CooldownDuration    time.Duration `mapstructure:"cooldown_duration"`
}

// FailoverConfig tunes primary recovery.
type FailoverConfig struct {
	RecoverySuccesses int           `mapstructure:"recovery_successes"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
}

// AccountsConfig selects and configures the account store.
type AccountsConfig struct {
	Backend  string        `mapstructure:"backend"`
	FilePath string        `mapstructure:"file_path"`
	DSN      string        `mapstructure:"dsn"`
	MaxConns int32         `mapstructure:"max_conns"`
	MinConns int32         `mapstructure:"min_conns"`
	ConnLife time.Duration `mapstructure:"conn_lifetime"`
}

// AuthConfig controls client API key validation.
type AuthConfig struct {
	Mode          string        `mapstructure:"mode"`
	Keys          []string      `mapstructure:"keys"`
	ValidationURL string        `mapstructure:"validation_url"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	CacheSize     int           `mapstructure:"cache_size"`
}

// DashboardConfig controls dashboard session auth.
type DashboardConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	SigningKey string `mapstructure:"signing_key"`
}

// CheckinConfig drives daily account check-ins.
type CheckinConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CronSpec     string `mapstructure:"cron_spec"`
	SignInPath   string `mapstructure:"sign_in_path"`
	UserInfoPath string `mapstructure:"user_info_path"`
}

// BalanceConfig drives balance collection.
type BalanceConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	WarnBelowUSD float64       `mapstructure:"warn_below_usd"`
}

// NotifyConfig configures event publication.
type NotifyConfig struct {
	PubSubEnabled bool   `mapstructure:"pubsub_enabled"`
	ProjectID     string `mapstructure:"project_id"`
	TopicName     string `mapstructure:"topic_name"`
	MemoryEvents  int    `mapstructure:"memory_events"`
}

// ArtifactsConfig selects where failed-solve artifacts go.
type ArtifactsConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POOLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "300s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.ops_rate_limit", 60)

	v.SetDefault("gateway.prefix", "/v1")
	v.SetDefault("gateway.max_account_retries", 3)
	v.SetDefault("gateway.initial_retry_interval", "500ms")
	v.SetDefault("gateway.max_retry_interval", "5s")
	v.SetDefault("gateway.upstream_timeout", "120s")
	v.SetDefault("gateway.max_body_bytes", 10*1024*1024)
	v.SetDefault("gateway.api_user_header", "new-api-user")
	v.SetDefault("gateway.auth_statuses", []int{401, 403})
	v.SetDefault("gateway.capacity_statuses", []int{429})
	v.SetDefault("gateway.capacity_body_markers", []string{"负载已经达到上限", "rate limit"})
	v.SetDefault("gateway.blocked_content_types", []string{"text/html"})

	v.SetDefault("challenge.ttl", "45m")
	v.SetDefault("challenge.pre_refresh_window", "10m")
	v.SetDefault("challenge.solve_timeout", "90s")
	v.SetDefault("challenge.refresh_interval", "1m")

	v.SetDefault("session.navigation_timeout", "30s")
	v.SetDefault("session.settle_wait", "3s")
	v.SetDefault("session.max_age", "6h")
	v.SetDefault("session.sweep_interval", "10m")

	v.SetDefault("pool.max_consecutive_fails", 3)
	v.SetDefault("pool.cooldown_duration", "5m")

	v.SetDefault("failover.recovery_successes", 3)
	v.SetDefault("failover.probe_interval", "5m")
	v.SetDefault("failover.probe_timeout", "10s")

	v.SetDefault("accounts.backend", "file")
	v.SetDefault("accounts.file_path", "data/accounts.json")
	v.SetDefault("accounts.max_conns", 4)
	v.SetDefault("accounts.min_conns", 1)
	v.SetDefault("accounts.conn_lifetime", "30m")

	v.SetDefault("auth.mode", "static")
	v.SetDefault("auth.cache_ttl", "5m")
	v.SetDefault("auth.cache_size", 10000)

	v.SetDefault("checkin.enabled", true)
	v.SetDefault("checkin.cron_spec", "30 2,8,14,20 * * *")
	v.SetDefault("checkin.sign_in_path", "/api/user/sign_in")
	v.SetDefault("checkin.user_info_path", "/api/user/self")

	v.SetDefault("balance.interval", "1h")
	v.SetDefault("balance.warn_below_usd", 1.0)

	v.SetDefault("notify.pubsub_enabled", false)
	v.SetDefault("notify.memory_events", 200)

	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.base_dir", "data/artifacts")

	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if !strings.HasPrefix(c.Gateway.Prefix, "/") {
		return fmt.Errorf("gateway.prefix must start with /")
	}
	if c.Gateway.MaxAccountRetries <= 0 {
		return fmt.Errorf("gateway.max_account_retries must be > 0")
	}
	if len(c.Sites) == 0 {
		return fmt.Errorf("at least one site is required")
	}
	sites, err := c.SiteList()
	if err != nil {
		return err
	}
	if sites[0].Role != site.RolePrimary {
		return fmt.Errorf("exactly one primary site is required")
	}
	if c.Challenge.PreRefreshWindow >= c.Challenge.TTL {
		return fmt.Errorf("challenge.pre_refresh_window must be shorter than challenge.ttl")
	}
	switch c.Accounts.Backend {
	case "file":
		if c.Accounts.FilePath == "" {
			return fmt.Errorf("accounts.file_path is required for the file backend")
		}
	case "postgres":
		if c.Accounts.DSN == "" {
			return fmt.Errorf("accounts.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("accounts.backend must be file or postgres")
	}
	switch c.Auth.Mode {
	case "static":
		if len(c.Auth.Keys) == 0 {
			return fmt.Errorf("auth.keys is required in static mode")
		}
	case "remote":
		if c.Auth.ValidationURL == "" {
			return fmt.Errorf("auth.validation_url is required in remote mode")
		}
	default:
		return fmt.Errorf("auth.mode must be static or remote")
	}
	if c.Dashboard.Enabled {
		if c.Dashboard.Username == "" || c.Dashboard.Password == "" {
			return fmt.Errorf("dashboard credentials are required when the dashboard is enabled")
		}
		if len(c.Dashboard.SigningKey) < 32 {
			return fmt.Errorf("dashboard.signing_key must be at least 32 bytes")
		}
	}
	if c.Notify.PubSubEnabled && (c.Notify.ProjectID == "" || c.Notify.TopicName == "") {
		return fmt.Errorf("notify.project_id and notify.topic_name are required when pubsub is enabled")
	}
	switch c.Artifacts.Backend {
	case "local":
		if c.Artifacts.BaseDir == "" {
			return fmt.Errorf("artifacts.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("artifacts.bucket is required for the gcs backend")
		}
	case "none":
	default:
		return fmt.Errorf("artifacts.backend must be local, gcs or none")
	}
	return nil
}

// SiteList converts configured sites into domain values, primary first and
// backups ordered by priority.
func (c Config) SiteList() ([]site.Site, error) {
	var primary []site.Site
	var backups []site.Site
	for _, sc := range c.Sites {
		st := site.Site{
			Name:              sc.Name,
			BaseURL:           strings.TrimRight(sc.BaseURL, "/"),
			Priority:          sc.Priority,
			RequiresProxy:     sc.RequiresProxy,
			RequiresChallenge: sc.RequiresChallenge,
			ChallengePath:     sc.ChallengePath,
			CookieNames:       sc.CookieNames,
			ProbePath:         sc.ProbePath,
		}
		switch sc.Role {
		case "primary":
			st.Role = site.RolePrimary
			primary = append(primary, st)
		case "backup":
			st.Role = site.RoleBackup
			backups = append(backups, st)
		default:
			return nil, fmt.Errorf("site %q: role must be primary or backup", sc.Name)
		}
		if err := st.Validate(); err != nil {
			return nil, err
		}
	}
	if len(primary) != 1 {
		return nil, fmt.Errorf("exactly one primary site is required, got %d", len(primary))
	}
	// Keep declaration order stable but honor explicit priorities.
	sort.SliceStable(backups, func(i, j int) bool {
		return backups[i].Priority < backups[j].Priority
	})
	return append(primary, backups...), nil
}
