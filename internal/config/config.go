package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/codeloft/backend/internal/core"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Engine       EngineConfig       `yaml:"engine"`
	Sampler      SamplerConfig      `yaml:"sampler"`
	Meter        MeterConfig        `yaml:"meter"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Pool         PoolConfig         `yaml:"pool"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Security     SecurityConfig     `yaml:"security"`
	Store        StoreConfig        `yaml:"store"`
	Redis        RedisConfig        `yaml:"redis"`
	Events       EventsConfig       `yaml:"events"`
	Webhooks     WebhooksConfig     `yaml:"webhooks"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	Env    string `yaml:"env"`
}

type EngineConfig struct {
	Endpoint              string `yaml:"endpoint"`
	CreateTimeoutSeconds  int    `yaml:"create_timeout_seconds"`
	StatsTimeoutSeconds   int    `yaml:"stats_timeout_seconds"`
	ExecTimeoutSeconds    int    `yaml:"exec_timeout_seconds"`
	ArchiveTimeoutSeconds int    `yaml:"archive_timeout_seconds"`
	RetryMax              int    `yaml:"retry_max"`
	RetryBackoffMs        int    `yaml:"retry_backoff_ms"`
	CheckpointEnabled     bool   `yaml:"checkpoint_enabled"`
	CheckpointDir         string `yaml:"checkpoint_dir"`
}

func (e EngineConfig) CreateTimeout() time.Duration {
	return time.Duration(e.CreateTimeoutSeconds) * time.Second
}
func (e EngineConfig) StatsTimeout() time.Duration {
	return time.Duration(e.StatsTimeoutSeconds) * time.Second
}
func (e EngineConfig) ExecTimeout() time.Duration {
	return time.Duration(e.ExecTimeoutSeconds) * time.Second
}
func (e EngineConfig) ArchiveTimeout() time.Duration {
	return time.Duration(e.ArchiveTimeoutSeconds) * time.Second
}
func (e EngineConfig) RetryBackoff() time.Duration {
	return time.Duration(e.RetryBackoffMs) * time.Millisecond
}

type SamplerConfig struct {
	SampleIntervalMs     int `yaml:"sample_interval_ms"`
	HistoryWindowSeconds int `yaml:"history_window_seconds"`
}

func (s SamplerConfig) SampleInterval() time.Duration {
	return time.Duration(s.SampleIntervalMs) * time.Millisecond
}
func (s SamplerConfig) HistoryWindow() time.Duration {
	return time.Duration(s.HistoryWindowSeconds) * time.Second
}

type MeterConfig struct {
	IdleCPUThreshold             float64    `yaml:"idle_cpu_threshold"`
	IdleMemThresholdBytes        int64      `yaml:"idle_mem_threshold_bytes"`
	IdleDurationThresholdSeconds int        `yaml:"idle_duration_threshold_seconds"`
	CommitIntervalSeconds        int        `yaml:"commit_interval_seconds"`
	RateWindow                   int        `yaml:"rate_window"`
	Rates                        RateTable  `yaml:"rates"`
	EnvironmentMultipliers       Multiplier `yaml:"environment_multipliers"`
}

func (m MeterConfig) IdleDurationThreshold() time.Duration {
	return time.Duration(m.IdleDurationThresholdSeconds) * time.Second
}
func (m MeterConfig) CommitInterval() time.Duration {
	return time.Duration(m.CommitIntervalSeconds) * time.Second
}

// RateTable holds billing unit rates. CPU, memory and GPU rates are per hour
// of one core / one GiB / one full device; IO and bandwidth rates are per
// megabyte moved.
type RateTable struct {
	CPUUnitRate       float64 `yaml:"cpu_unit_rate"`
	MemUnitRate       float64 `yaml:"mem_unit_rate"`
	GPUUnitRate       float64 `yaml:"gpu_unit_rate"`
	IOUnitRate        float64 `yaml:"io_unit_rate"`
	BandwidthUnitRate float64 `yaml:"bandwidth_unit_rate"`
}

type Multiplier struct {
	Development float64 `yaml:"development"`
	Staging     float64 `yaml:"staging"`
	Production  float64 `yaml:"production"`
	GPU         float64 `yaml:"gpu"`
	HighMemory  float64 `yaml:"high_memory"`
}

// For returns the multiplier for an environment class. Unknown classes bill
// at production rate rather than for free.
func (m Multiplier) For(class core.EnvironmentClass) float64 {
	switch class {
	case core.EnvDevelopment:
		return m.Development
	case core.EnvStaging:
		return m.Staging
	case core.EnvProduction:
		return m.Production
	case core.EnvGPU:
		return m.GPU
	case core.EnvHighMemory:
		return m.HighMemory
	default:
		return m.Production
	}
}

type LedgerConfig struct {
	MonthlyAllocation   int64            `yaml:"monthly_allocation"`
	RolloverCapacity    int64            `yaml:"rollover_capacity"`
	LowBalanceThreshold int64            `yaml:"low_balance_threshold"`
	EarningKinds        map[string]int64 `yaml:"earning_kinds"`
	Team                TeamConfig       `yaml:"team"`
}

type TeamConfig struct {
	MemberDailyCap    int64 `yaml:"member_daily_cap"`
	MemberMonthlyCap  int64 `yaml:"member_monthly_cap"`
	ApprovalThreshold int64 `yaml:"approval_threshold"`
}

type GatewayConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int `yaml:"heartbeat_timeout_seconds"`
	ReconnectGraceSeconds    int `yaml:"reconnect_grace_seconds"`
	SendBuffer               int `yaml:"send_buffer"`
	MaxMessageBytes          int `yaml:"max_message_bytes"`
	UpgradesPerMinute        int `yaml:"upgrades_per_minute"`
}

func (g GatewayConfig) HeartbeatInterval() time.Duration {
	return time.Duration(g.HeartbeatIntervalSeconds) * time.Second
}
func (g GatewayConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(g.HeartbeatTimeoutSeconds) * time.Second
}
func (g GatewayConfig) ReconnectGrace() time.Duration {
	return time.Duration(g.ReconnectGraceSeconds) * time.Second
}

// PoolKey configures one warm pool: the runtime it serves, its image, and its
// size bounds.
type PoolKey struct {
	Language string `yaml:"language"`
	Version  string `yaml:"version"`
	Image    string `yaml:"image"`
	Min      int    `yaml:"min"`
	Max      int    `yaml:"max"`
}

func (k PoolKey) Runtime() core.RuntimeKey {
	return core.RuntimeKey{Language: k.Language, Version: k.Version}
}

type PoolConfig struct {
	ReuseAgeSeconds       int       `yaml:"reuse_age_seconds"`
	RefillIntervalSeconds int       `yaml:"refill_interval_seconds"`
	HighWater             float64   `yaml:"high_water"`
	LowWater              float64   `yaml:"low_water"`
	AutoscaleStep         int       `yaml:"autoscale_step"`
	Keys                  []PoolKey `yaml:"keys"`
}

func (p PoolConfig) ReuseAge() time.Duration {
	return time.Duration(p.ReuseAgeSeconds) * time.Second
}
func (p PoolConfig) RefillInterval() time.Duration {
	return time.Duration(p.RefillIntervalSeconds) * time.Second
}

type OrchestratorConfig struct {
	HealthIntervalSeconds int `yaml:"health_interval_seconds"`
	HealthFailuresToReap  int `yaml:"health_failures_to_reap"`
	IdleTimeoutSeconds    int `yaml:"idle_timeout_seconds"`
}

func (o OrchestratorConfig) HealthInterval() time.Duration {
	return time.Duration(o.HealthIntervalSeconds) * time.Second
}
func (o OrchestratorConfig) IdleTimeout() time.Duration {
	return time.Duration(o.IdleTimeoutSeconds) * time.Second
}

type SecurityConfig struct {
	DefaultProfile       string   `yaml:"default_profile"`
	AllowedMountPrefixes []string `yaml:"allowed_mount_prefixes"`
	BlockedMountTargets  []string `yaml:"blocked_mount_targets"`
}

type StoreConfig struct {
	Backend         string `yaml:"backend"` // memory | postgres | spanner
	PostgresDSN     string `yaml:"postgres_dsn"`
	SpannerDatabase string `yaml:"spanner_database"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EventsConfig struct {
	PubsubProject string `yaml:"pubsub_project"`
	PubsubTopic   string `yaml:"pubsub_topic"`
}

type WebhooksConfig struct {
	Workers            int    `yaml:"workers"`
	CloudTasksProject  string `yaml:"cloud_tasks_project"`
	CloudTasksLocation string `yaml:"cloud_tasks_location"`
	CloudTasksQueue    string `yaml:"cloud_tasks_queue"`
}

// Default returns the configuration used when no file or key is present.
// Values mirror the documented defaults: 1s sampling, 5min idle threshold,
// 60s commit interval.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: ":8080", Env: "development"},
		Engine: EngineConfig{
			Endpoint:              "unix:///var/run/docker.sock",
			CreateTimeoutSeconds:  30,
			StatsTimeoutSeconds:   10,
			ExecTimeoutSeconds:    60,
			ArchiveTimeoutSeconds: 120,
			RetryMax:              3,
			RetryBackoffMs:        250,
			CheckpointDir:         "/var/lib/codeloft/checkpoints",
		},
		Sampler: SamplerConfig{SampleIntervalMs: 1000, HistoryWindowSeconds: 300},
		Meter: MeterConfig{
			IdleCPUThreshold:             1.5,
			IdleMemThresholdBytes:        100 * 1024 * 1024,
			IdleDurationThresholdSeconds: 300,
			CommitIntervalSeconds:        60,
			RateWindow:                   60,
			Rates: RateTable{
				CPUUnitRate:       10,
				MemUnitRate:       5,
				GPUUnitRate:       50,
				IOUnitRate:        0.01,
				BandwidthUnitRate: 0.02,
			},
			EnvironmentMultipliers: Multiplier{
				Development: 0,
				Staging:     0.5,
				Production:  1,
				GPU:         5,
				HighMemory:  2,
			},
		},
		Ledger: LedgerConfig{
			MonthlyAllocation:   1000,
			RolloverCapacity:    500,
			LowBalanceThreshold: 25,
			EarningKinds: map[string]int64{
				"merged_change":  25,
				"helpful_answer": 10,
				"bug_report":     15,
			},
			Team: TeamConfig{
				MemberDailyCap:    200,
				MemberMonthlyCap:  2000,
				ApprovalThreshold: 500,
			},
		},
		Gateway: GatewayConfig{
			HeartbeatIntervalSeconds: 20,
			HeartbeatTimeoutSeconds:  60,
			ReconnectGraceSeconds:    120,
			SendBuffer:               256,
			MaxMessageBytes:          512 * 1024,
			UpgradesPerMinute:        30,
		},
		Pool: PoolConfig{
			ReuseAgeSeconds:       1800,
			RefillIntervalSeconds: 2,
			HighWater:             0.8,
			LowWater:              0.3,
			AutoscaleStep:         2,
		},
		Orchestrator: OrchestratorConfig{
			HealthIntervalSeconds: 15,
			HealthFailuresToReap:  3,
			IdleTimeoutSeconds:    600,
		},
		Security: SecurityConfig{
			DefaultProfile:       "standard",
			AllowedMountPrefixes: []string{"/var/lib/codeloft/workspaces", "/var/lib/codeloft/cache"},
			BlockedMountTargets:  []string{"/proc", "/sys", "/dev", "/etc", "/var/run/docker.sock"},
		},
		Store:    StoreConfig{Backend: "memory"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Webhooks: WebhooksConfig{Workers: 4},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; env-only deployments
// run from defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			decoder := yaml.NewDecoder(f)
			err = decoder.Decode(cfg)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the operational knobs that differ per deployment.
func (c *Config) applyEnv() {
	c.Server.Listen = getEnv("CODELOFT_LISTEN", c.Server.Listen)
	c.Server.Env = getEnv("CODELOFT_ENV", c.Server.Env)
	c.Engine.Endpoint = getEnv("DOCKER_HOST", c.Engine.Endpoint)
	c.Store.Backend = getEnv("CODELOFT_STORE", c.Store.Backend)
	c.Store.PostgresDSN = getEnv("DATABASE_URL", c.Store.PostgresDSN)
	c.Store.SpannerDatabase = getEnv("SPANNER_DATABASE", c.Store.SpannerDatabase)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Events.PubsubProject = getEnv("PUBSUB_PROJECT", c.Events.PubsubProject)
	c.Events.PubsubTopic = getEnv("PUBSUB_TOPIC", c.Events.PubsubTopic)
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
}

// Validate rejects configurations the runtime cannot operate under.
func (c *Config) Validate() error {
	if c.Sampler.SampleIntervalMs <= 0 {
		return fmt.Errorf("sampler.sample_interval_ms must be positive")
	}
	if c.Meter.CommitIntervalSeconds <= 0 {
		return fmt.Errorf("meter.commit_interval_seconds must be positive")
	}
	if c.Gateway.HeartbeatTimeoutSeconds <= c.Gateway.HeartbeatIntervalSeconds {
		return fmt.Errorf("gateway.heartbeat_timeout_seconds must exceed heartbeat_interval_seconds")
	}
	if c.Pool.HighWater <= c.Pool.LowWater {
		return fmt.Errorf("pool.high_water must exceed pool.low_water")
	}
	for _, k := range c.Pool.Keys {
		if k.Min < 0 || k.Max < k.Min {
			return fmt.Errorf("pool key %s:%s: need 0 <= min <= max", k.Language, k.Version)
		}
		if k.Image == "" {
			return fmt.Errorf("pool key %s:%s: image required", k.Language, k.Version)
		}
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn required for postgres backend")
		}
	case "spanner":
		if c.Store.SpannerDatabase == "" {
			return fmt.Errorf("store.spanner_database required for spanner backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory, postgres or spanner")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
