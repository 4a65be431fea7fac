// Package config provides configuration management for the vmsim simulator.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/limiquantix/vmsim/internal/domain"
)

// Config holds all configuration for a simulation run.
type Config struct {
	Simulation    SimulationConfig    `mapstructure:"simulation"`
	Datacenter    DatacenterConfig    `mapstructure:"datacenter"`
	VMTemplate    domain.GuestSpec    `mapstructure:"vm_template"`
	Placement     PlacementConfig     `mapstructure:"placement"`
	AutoScaling   AutoScalingConfig   `mapstructure:"autoscaling"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`
	Workload      WorkloadConfig      `mapstructure:"workload"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// SimulationConfig holds the simulated-time settings. All times are
// simulated seconds.
type SimulationConfig struct {
	Duration     float64 `mapstructure:"duration"`
	TickInterval float64 `mapstructure:"tick_interval"`
	UserID       int     `mapstructure:"user_id"`
}

// DatacenterConfig describes the physical hosts.
type DatacenterConfig struct {
	Name  string          `mapstructure:"name"`
	Hosts int             `mapstructure:"hosts"`
	Host  domain.HostSpec `mapstructure:"host"`
}

// PlacementConfig holds host selector configuration.
type PlacementConfig struct {
	Strategy           string  `mapstructure:"strategy"`
	UtilizationCeiling float64 `mapstructure:"utilization_ceiling"`
}

// AutoScalingConfig holds the reactive scaler configuration.
type AutoScalingConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Initial     int  `mapstructure:"initial"`
	Max         int  `mapstructure:"max"`
	TargetRatio int  `mapstructure:"target_ratio"` // desired cloudlets per guest
}

// ConsolidationConfig holds the power-aware consolidation configuration.
type ConsolidationConfig struct {
	Enabled               bool    `mapstructure:"enabled"`
	Interval              float64 `mapstructure:"interval"`
	OverUtilizationLimit  float64 `mapstructure:"over_utilization_limit"`
	UnderUtilizationLimit float64 `mapstructure:"under_utilization_limit"`
}

// WorkloadConfig describes the cloudlets submitted during the run.
type WorkloadConfig struct {
	Cloudlet  CloudletConfig  `mapstructure:"cloudlet"`
	Waves     []WaveConfig    `mapstructure:"waves"`
	TandemApp TandemAppConfig `mapstructure:"tandem_app"`
}

// CloudletConfig is the template for independent cloudlets.
type CloudletConfig struct {
	Length     float64 `mapstructure:"length"`
	PEs        int     `mapstructure:"pes"`
	FileSize   int64   `mapstructure:"file_size"`
	OutputSize int64   `mapstructure:"output_size"`
}

// WaveConfig submits Cloudlets new cloudlets at simulated time At.
type WaveConfig struct {
	At        float64 `mapstructure:"at"`
	Cloudlets int     `mapstructure:"cloudlets"`
}

// TandemAppConfig configures a two-cloudlet send/receive application.
type TandemAppConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Deadline   float64 `mapstructure:"deadline"`
	ExecLength float64 `mapstructure:"exec_length"`
	SendBytes  float64 `mapstructure:"send_bytes"`
}

// RedisConfig holds Redis configuration for the result publisher.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("VMSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the simulator cannot be set up with.
func (c *Config) Validate() error {
	if c.Simulation.Duration <= 0 || c.Simulation.TickInterval <= 0 {
		return fmt.Errorf("%w: simulation duration and tick interval must be positive", domain.ErrInvalidConfiguration)
	}
	if c.Datacenter.Name == "" {
		return fmt.Errorf("%w: datacenter name is empty", domain.ErrInvalidConfiguration)
	}
	if c.Datacenter.Hosts <= 0 {
		return fmt.Errorf("%w: datacenter needs at least one host", domain.ErrInvalidConfiguration)
	}
	if err := c.Datacenter.Host.Validate(); err != nil {
		return fmt.Errorf("datacenter host: %w", err)
	}
	if err := c.VMTemplate.Validate(); err != nil {
		return fmt.Errorf("vm template: %w", err)
	}

	as := c.AutoScaling
	if as.Initial < 0 || as.Max <= 0 || as.Max < as.Initial || as.TargetRatio <= 0 {
		return fmt.Errorf("%w: autoscaling requires 0 <= initial <= max, max > 0 and target_ratio > 0 (initial=%d max=%d ratio=%d)",
			domain.ErrInvalidConfiguration, as.Initial, as.Max, as.TargetRatio)
	}

	cc := c.Consolidation
	if cc.Enabled {
		if cc.Interval <= 0 {
			return fmt.Errorf("%w: consolidation interval must be positive", domain.ErrInvalidConfiguration)
		}
		if cc.UnderUtilizationLimit < 0 || cc.OverUtilizationLimit > 1 || cc.UnderUtilizationLimit >= cc.OverUtilizationLimit {
			return fmt.Errorf("%w: consolidation limits must satisfy 0 <= under < over <= 1 (under=%.2f over=%.2f)",
				domain.ErrInvalidConfiguration, cc.UnderUtilizationLimit, cc.OverUtilizationLimit)
		}
	}

	if c.Workload.Cloudlet.Length <= 0 || c.Workload.Cloudlet.PEs <= 0 {
		return fmt.Errorf("%w: cloudlet length and pes must be positive", domain.ErrInvalidConfiguration)
	}
	for i, w := range c.Workload.Waves {
		if w.At < 0 || w.Cloudlets < 0 {
			return fmt.Errorf("%w: workload wave %d has negative values", domain.ErrInvalidConfiguration, i)
		}
	}
	if c.Workload.TandemApp.Enabled && (c.Workload.TandemApp.ExecLength <= 0 || c.Workload.TandemApp.SendBytes <= 0) {
		return fmt.Errorf("%w: tandem app lengths must be positive", domain.ErrInvalidConfiguration)
	}

	if c.Redis.Enabled && c.Redis.Channel == "" {
		return fmt.Errorf("%w: redis channel is empty", domain.ErrInvalidConfiguration)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Simulation
	v.SetDefault("simulation.duration", 1000.0)
	v.SetDefault("simulation.tick_interval", 10.0)
	v.SetDefault("simulation.user_id", 1)

	// Datacenter
	v.SetDefault("datacenter.name", "Datacenter_0")
	v.SetDefault("datacenter.hosts", 4)
	v.SetDefault("datacenter.host.pes", 8)
	v.SetDefault("datacenter.host.mips_per_pe", 2000.0)
	v.SetDefault("datacenter.host.ram", 16384)
	v.SetDefault("datacenter.host.bandwidth", 10000)
	v.SetDefault("datacenter.host.storage", 1000000)
	v.SetDefault("datacenter.host.history_length", 30)

	// VM template
	v.SetDefault("vm_template.pes", 1)
	v.SetDefault("vm_template.mips", 1000.0)
	v.SetDefault("vm_template.ram", 512)
	v.SetDefault("vm_template.bandwidth", 1000)
	v.SetDefault("vm_template.storage", 10000)
	v.SetDefault("vm_template.vmm", "Xen")
	v.SetDefault("vm_template.overhead", 0.0)

	// Placement
	v.SetDefault("placement.strategy", "power_aware")
	v.SetDefault("placement.utilization_ceiling", 0.8)

	// Auto-scaling
	v.SetDefault("autoscaling.enabled", true)
	v.SetDefault("autoscaling.initial", 2)
	v.SetDefault("autoscaling.max", 10)
	v.SetDefault("autoscaling.target_ratio", 3)

	// Consolidation
	v.SetDefault("consolidation.enabled", true)
	v.SetDefault("consolidation.interval", 50.0)
	v.SetDefault("consolidation.over_utilization_limit", 0.8)
	v.SetDefault("consolidation.under_utilization_limit", 0.2)

	// Workload
	v.SetDefault("workload.cloudlet.length", 10000.0)
	v.SetDefault("workload.cloudlet.pes", 1)
	v.SetDefault("workload.cloudlet.file_size", 300)
	v.SetDefault("workload.cloudlet.output_size", 300)
	v.SetDefault("workload.waves", []map[string]interface{}{
		{"at": 0.0, "cloudlets": 6},
		{"at": 1.0, "cloudlets": 5},
		{"at": 100.0, "cloudlets": 10},
	})
	v.SetDefault("workload.tandem_app.enabled", true)
	v.SetDefault("workload.tandem_app.deadline", 2000.0)
	v.SetDefault("workload.tandem_app.exec_length", 1000.0)
	v.SetDefault("workload.tandem_app.send_bytes", 1000.0)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "vmsim:events")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
}
