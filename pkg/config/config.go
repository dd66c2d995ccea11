package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hearthci/stoker/pkg/types"
)

// Config is the full recognized option set. Every option has a
// default; Load starts from Default and overlays the YAML file.
type Config struct {
	DataDir string    `yaml:"data_dir"`
	Log     LogConfig `yaml:"log"`

	Intake    IntakeConfig           `yaml:"intake"`
	Cache     CacheConfig            `yaml:"cache"`
	Queues    map[string]QueueConfig `yaml:"queues"`
	Router    RouterConfig           `yaml:"router"`
	Pools     map[string]PoolConfig  `yaml:"pools"`
	Scaler    ScalerConfig           `yaml:"scaler"`
	Container ContainerConfig        `yaml:"container"`
	Cleanup   CleanupConfig          `yaml:"cleanup"`
	Scanner   ScannerConfig          `yaml:"scanner"`
	Control   ControlConfig          `yaml:"control"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// IntakeConfig covers the webhook listener.
type IntakeConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	SignatureSecret string        `yaml:"signature_secret"`
	DedupTTL        time.Duration `yaml:"dedup_ttl"`
}

// CacheConfig selects the key-value cache backend.
type CacheConfig struct {
	Backend   string `yaml:"backend"` // "memory" or "redis"
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// QueueConfig is the per-queue tuning block.
type QueueConfig struct {
	ConcurrencyLimit int           `yaml:"concurrency_limit"`
	RateLimit        float64       `yaml:"rate_limit"` // Dispatches per second; 0 = unlimited
	Weight           int           `yaml:"weight"`     // Weighted round-robin share
	MaxAttempts      int           `yaml:"max_attempts"`
	Retry            RetryConfig   `yaml:"retry"`
	DeadLetterName   string        `yaml:"dead_letter_name"`
	Retention        time.Duration `yaml:"retention"`
	HandoffTimeout   time.Duration `yaml:"handoff_timeout"`
}

// RetryConfig parameterizes the backoff formula
// min(cap, base * factor^(attempts-1)) * jitter, jitter in [0.5, 1.5].
type RetryConfig struct {
	Base   time.Duration `yaml:"base"`
	Factor float64       `yaml:"factor"`
	Cap    time.Duration `yaml:"cap"`
	Jitter bool          `yaml:"jitter"`
}

// RouterConfig drives job classification.
type RouterConfig struct {
	DefaultQueue   string            `yaml:"default_queue"`
	DefaultProfile string            `yaml:"default_profile"`
	Profiles       map[string]ProfileConfig `yaml:"profiles"`
	CapabilityTags map[string]string `yaml:"capability_tags"` // label -> profile name
	RepoRules      []RepoRule        `yaml:"repo_rules"`
	RepoTiers      map[string]string `yaml:"repo_tiers"` // repo pattern -> gold|silver|bronze
}

// ProfileConfig describes a resource profile.
type ProfileConfig struct {
	Image            string        `yaml:"image"`
	CPUShares        int64         `yaml:"cpu_shares"`
	NanoCPUs         int64         `yaml:"nano_cpus"`
	MemoryBytes      int64         `yaml:"memory_bytes"`
	GPU              bool          `yaml:"gpu"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
}

// RepoRule maps a repository glob pattern to a profile.
type RepoRule struct {
	Pattern string `yaml:"pattern"`
	Profile string `yaml:"profile"`
	Queue   string `yaml:"queue"`
}

// PoolConfig bounds one runner pool. The map key is
// "repository/profile".
type PoolConfig struct {
	Min       int  `yaml:"min"`
	Max       int  `yaml:"max"`
	Ephemeral bool `yaml:"ephemeral"`
}

// ScalerConfig tunes the auto-scaler.
type ScalerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	TargetPressure float64       `yaml:"target_pressure"`
	UpThreshold    float64       `yaml:"up_threshold"`
	DownThreshold  float64       `yaml:"down_threshold"`
	CooldownUp     time.Duration `yaml:"cooldown_up"`
	CooldownDown   time.Duration `yaml:"cooldown_down"`
	Forecast       bool          `yaml:"forecast"`
}

// ContainerConfig tunes the container orchestrator.
type ContainerConfig struct {
	AllowedImages      []string      `yaml:"allowed_images"`
	AllowedBindPaths   []string      `yaml:"allowed_bind_paths"`
	AllowedCaps        []string      `yaml:"allowed_caps"`
	MonitoringInterval time.Duration `yaml:"monitoring_interval"`
	AlertCPU           float64       `yaml:"alert_cpu"`
	AlertMemory        float64       `yaml:"alert_memory"`
	AlertResponse      time.Duration `yaml:"alert_response"`
	AlertCooldown      time.Duration `yaml:"alert_cooldown"`
	EngineCallTimeout  time.Duration `yaml:"engine_call_timeout"`
	MaxInflightCalls   int           `yaml:"max_inflight_calls"`
	StatsRingSize      int           `yaml:"stats_ring_size"`
}

// CleanupConfig tunes the reaper.
type CleanupConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ContainerTTL     time.Duration `yaml:"container_ttl"`
	JobRetention     time.Duration `yaml:"job_retention"`
	MetricsRetention time.Duration `yaml:"metrics_retention"`
	PoolIdleTTL      time.Duration `yaml:"pool_idle_ttl"`
}

// ScannerConfig lists extra secret patterns beyond the built-in set.
type ScannerConfig struct {
	Patterns []PatternConfig `yaml:"patterns"`
}

// PatternConfig is one additional secret pattern.
type PatternConfig struct {
	Kind     string `yaml:"kind"`
	Regex    string `yaml:"regex"`
	Severity string `yaml:"severity"`
}

// ControlConfig tunes the control loop.
type ControlConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AutoRestart     bool          `yaml:"auto_restart"`
	MetricsAddr     string        `yaml:"metrics_addr"`
}

// Default returns a configuration where every option carries its
// documented default. A bare Default() is runnable against a local
// engine socket.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/stoker",
		Log:     LogConfig{Level: "info", JSON: true},
		Intake: IntakeConfig{
			ListenAddr: ":8099",
			DedupTTL:   24 * time.Hour,
		},
		Cache: CacheConfig{Backend: "memory"},
		Queues: map[string]QueueConfig{
			"default": DefaultQueue(),
		},
		Router: RouterConfig{
			DefaultQueue:   "default",
			DefaultProfile: "default",
			Profiles: map[string]ProfileConfig{
				"default": {
					Image:            "ghcr.io/hearthci/runner:latest",
					CPUShares:        1024,
					NanoCPUs:         2_000_000_000,
					MemoryBytes:      4 << 30,
					MaxExecutionTime: time.Hour,
				},
				"high-memory": {
					Image:            "ghcr.io/hearthci/runner:latest",
					CPUShares:        1024,
					NanoCPUs:         4_000_000_000,
					MemoryBytes:      16 << 30,
					MaxExecutionTime: time.Hour,
				},
				"gpu": {
					Image:            "ghcr.io/hearthci/runner-cuda:latest",
					CPUShares:        2048,
					NanoCPUs:         8_000_000_000,
					MemoryBytes:      32 << 30,
					GPU:              true,
					MaxExecutionTime: 2 * time.Hour,
				},
			},
			CapabilityTags: map[string]string{
				"gpu":         "gpu",
				"high-memory": "high-memory",
			},
		},
		Pools: map[string]PoolConfig{},
		Scaler: ScalerConfig{
			Interval:       30 * time.Second,
			TargetPressure: 1.0,
			UpThreshold:    0.8,
			DownThreshold:  0.3,
			CooldownUp:     time.Minute,
			CooldownDown:   5 * time.Minute,
			Forecast:       false,
		},
		Container: ContainerConfig{
			AllowedImages:      []string{"ghcr.io/hearthci/"},
			AllowedBindPaths:   []string{"/var/lib/stoker/work"},
			AllowedCaps:        nil,
			MonitoringInterval: 15 * time.Second,
			AlertCPU:           80,
			AlertMemory:        85,
			AlertResponse:      5 * time.Second,
			AlertCooldown:      2 * time.Minute,
			EngineCallTimeout:  30 * time.Second,
			MaxInflightCalls:   50,
			StatsRingSize:      240,
		},
		Cleanup: CleanupConfig{
			Interval:         time.Minute,
			ContainerTTL:     time.Hour,
			JobRetention:     7 * 24 * time.Hour,
			MetricsRetention: time.Hour,
			PoolIdleTTL:      30 * time.Minute,
		},
		Control: ControlConfig{
			ShutdownTimeout: 30 * time.Second,
			AutoRestart:     true,
			MetricsAddr:     ":9465",
		},
	}
}

// DefaultQueue returns the per-queue defaults applied to any queue
// block the file leaves partial.
func DefaultQueue() QueueConfig {
	return QueueConfig{
		ConcurrencyLimit: 10,
		RateLimit:        50,
		Weight:           1,
		MaxAttempts:      3,
		Retry: RetryConfig{
			Base:   time.Second,
			Factor: 2,
			Cap:    10 * time.Second,
			Jitter: true,
		},
		DeadLetterName: "dead_letter",
		Retention:      24 * time.Hour,
		HandoffTimeout: 5 * time.Second,
	}
}

// Load reads path over Default(). A missing path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyQueueDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyQueueDefaults fills zero fields of partially specified queue
// blocks from DefaultQueue.
func (c *Config) applyQueueDefaults() {
	def := DefaultQueue()
	for name, q := range c.Queues {
		if q.ConcurrencyLimit <= 0 {
			q.ConcurrencyLimit = def.ConcurrencyLimit
		}
		if q.Weight <= 0 {
			q.Weight = def.Weight
		}
		if q.MaxAttempts <= 0 {
			q.MaxAttempts = def.MaxAttempts
		}
		if q.Retry.Base <= 0 {
			q.Retry.Base = def.Retry.Base
		}
		if q.Retry.Factor <= 0 {
			q.Retry.Factor = def.Retry.Factor
		}
		if q.Retry.Cap <= 0 {
			q.Retry.Cap = def.Retry.Cap
		}
		if q.DeadLetterName == "" {
			q.DeadLetterName = def.DeadLetterName
		}
		if q.Retention <= 0 {
			q.Retention = def.Retention
		}
		if q.HandoffTimeout <= 0 {
			q.HandoffTimeout = def.HandoffTimeout
		}
		c.Queues[name] = q
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required for the redis backend")
	}
	if _, ok := c.Queues[c.Router.DefaultQueue]; !ok {
		return fmt.Errorf("router.default_queue %q has no queue block", c.Router.DefaultQueue)
	}
	if _, ok := c.Router.Profiles[c.Router.DefaultProfile]; !ok {
		return fmt.Errorf("router.default_profile %q is not defined", c.Router.DefaultProfile)
	}
	for name, p := range c.Router.Profiles {
		if p.Image == "" {
			return fmt.Errorf("profile %q has no image", name)
		}
		if p.MemoryBytes <= 0 {
			return fmt.Errorf("profile %q has no memory cap", name)
		}
	}
	for key, p := range c.Pools {
		if p.Min < 0 || p.Max < p.Min {
			return fmt.Errorf("pool %q: need 0 <= min <= max", key)
		}
	}
	return nil
}

// Profile materializes a ProfileConfig into the shared profile type.
func (p ProfileConfig) Profile(name string) *types.ResourceProfile {
	return &types.ResourceProfile{
		Name:             name,
		Image:            p.Image,
		CPUShares:        p.CPUShares,
		NanoCPUs:         p.NanoCPUs,
		MemoryBytes:      p.MemoryBytes,
		GPU:              p.GPU,
		MaxExecutionTime: p.MaxExecutionTime,
	}
}
