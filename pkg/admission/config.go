package admission

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: invalid duration %q: %v", ErrInvalidConfig, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds the admission-control configuration: per-kind throttling
// policies plus the breaker, store, and local fallback settings.
type Config struct {
	// Defaults apply to any kind without an explicit policy.
	Defaults PolicyConfig `yaml:"defaults"`

	// Policies maps traffic kinds ("message", "callback", "login") to their
	// throttling parameters.
	Policies map[string]PolicyConfig `yaml:"policies,omitempty"`

	Breaker BreakerConfig `yaml:"breaker"`
	Redis   RedisConfig   `yaml:"redis"`
	Local   LocalConfig   `yaml:"local"`
}

// PolicyConfig defines the token bucket parameters for one traffic kind.
type PolicyConfig struct {
	Capacity           float64  `yaml:"capacity"`
	RefillRate         float64  `yaml:"refill_rate"`
	ViolationThreshold int      `yaml:"violation_threshold"`
	BlockDuration      Duration `yaml:"block_duration"`
	BackoffFactor      float64  `yaml:"backoff_factor"`
	MaxBlockDuration   Duration `yaml:"max_block_duration"`
}

// BreakerConfig defines the circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	FailureWindow    Duration `yaml:"failure_window"`
	OpenTimeout      Duration `yaml:"open_timeout"`
	ProbeSuccesses   int      `yaml:"probe_successes"`
	CallTimeout      Duration `yaml:"call_timeout"`
	LatencyThreshold Duration `yaml:"latency_threshold"`
}

// RedisConfig points at the replicated store. With MasterName set, Addrs are
// sentinel addresses and the client follows leader failover; otherwise the
// first address is used as a plain server.
type RedisConfig struct {
	Addrs      []string `yaml:"addrs,omitempty"`
	MasterName string   `yaml:"master_name,omitempty"`
	Password   string   `yaml:"password,omitempty"`
	DB         int      `yaml:"db,omitempty"`
}

// LocalConfig tunes the in-process fallback limiter.
type LocalConfig struct {
	Shards        int      `yaml:"shards"`
	SweepInterval Duration `yaml:"sweep_interval"`
	IdleAge       Duration `yaml:"idle_age"`
	MaxEntries    int      `yaml:"max_entries"`
}

// NewConfig returns a Config with deployment-neutral defaults. The concrete
// throttling numbers are deployment parameters, not part of the contract;
// operators override them per kind.
func NewConfig() *Config {
	return &Config{
		Defaults: PolicyConfig{
			Capacity:           5,
			RefillRate:         0.5,
			ViolationThreshold: 3,
			BlockDuration:      Duration(time.Minute),
			BackoffFactor:      2,
			MaxBlockDuration:   Duration(15 * time.Minute),
		},
		Policies: map[string]PolicyConfig{
			string(KindMessage): {
				Capacity:           3,
				RefillRate:         1.0,
				ViolationThreshold: 3,
				BlockDuration:      Duration(time.Minute),
				BackoffFactor:      2,
				MaxBlockDuration:   Duration(15 * time.Minute),
			},
			string(KindCallback): {
				Capacity:           5,
				RefillRate:         2.0,
				ViolationThreshold: 5,
				BlockDuration:      Duration(30 * time.Second),
				BackoffFactor:      2,
				MaxBlockDuration:   Duration(10 * time.Minute),
			},
			string(KindLogin): {
				Capacity:           3,
				RefillRate:         0,
				ViolationThreshold: 1,
				BlockDuration:      Duration(5 * time.Minute),
				BackoffFactor:      1,
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    Duration(30 * time.Second),
			OpenTimeout:      Duration(10 * time.Second),
			ProbeSuccesses:   2,
			CallTimeout:      Duration(50 * time.Millisecond),
			LatencyThreshold: Duration(30 * time.Millisecond),
		},
		Local: LocalConfig{
			Shards:        defaultShardCount,
			SweepInterval: Duration(time.Minute),
			IdleAge:       Duration(10 * time.Minute),
			MaxEntries:    100000,
		},
	}
}

// LoadConfigFromFile loads and validates configuration from a YAML file.
// Unset sections fall back to defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}

	config := NewConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration. A bad configuration is fatal at
// startup; nothing here is recoverable per request.
func (c *Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("%w: invalid defaults: %v", ErrInvalidConfig, err)
	}
	for kind, policy := range c.Policies {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("%w: invalid policy for kind %s: %v", ErrInvalidConfig, kind, err)
		}
	}
	if c.Breaker.CallTimeout <= 0 {
		return fmt.Errorf("%w: breaker call_timeout must be positive", ErrInvalidConfig)
	}
	if c.Local.Shards < 0 || c.Local.MaxEntries < 0 {
		return fmt.Errorf("%w: local limiter bounds must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Validate checks a single policy.
func (p *PolicyConfig) Validate() error {
	if p.Capacity <= 0 {
		return ErrNegativeCapacity
	}
	if p.RefillRate < 0 {
		return ErrNegativeRefillRate
	}
	if p.ViolationThreshold > 0 && p.BlockDuration <= 0 {
		return fmt.Errorf("block_duration must be positive when violation_threshold is set")
	}
	if p.BackoffFactor != 0 && p.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be >= 1")
	}
	if p.MaxBlockDuration < 0 {
		return fmt.Errorf("max_block_duration must not be negative")
	}
	return nil
}

// Policy returns the throttling policy for kind, falling back to Defaults
// when no explicit policy exists.
func (c *Config) Policy(kind Kind) Policy {
	if p, ok := c.Policies[string(kind)]; ok {
		return p.toPolicy()
	}
	return c.Defaults.toPolicy()
}

func (p PolicyConfig) toPolicy() Policy {
	return Policy{
		Capacity:           p.Capacity,
		RefillRate:         p.RefillRate,
		ViolationThreshold: p.ViolationThreshold,
		BlockDuration:      time.Duration(p.BlockDuration),
		BackoffFactor:      p.BackoffFactor,
		MaxBlockDuration:   time.Duration(p.MaxBlockDuration),
	}
}

func (b BreakerConfig) toSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: b.FailureThreshold,
		FailureWindow:    time.Duration(b.FailureWindow),
		OpenTimeout:      time.Duration(b.OpenTimeout),
		ProbeSuccesses:   b.ProbeSuccesses,
		LatencyThreshold: time.Duration(b.LatencyThreshold),
	}
}
