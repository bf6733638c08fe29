package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits are the resource ceilings applied to every challenge environment.
// Challenge images run untrusted code, so these are always enforced.
type Limits struct {
	CPULimit    float64 `yaml:"cpu_limit"`
	MemLimitMB  int     `yaml:"mem_limit_mb"`
	PidsLimit   int     `yaml:"pids_limit"`
	NetworkMode string  `yaml:"network_mode"`
}

// PortRange is the host port window the provisioner allocates environment
// ports from.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type Config struct {
	Listen      string `yaml:"listen"`
	APIKey      string `yaml:"api_key"`
	DBPath      string `yaml:"db_path"`
	CatalogPath string `yaml:"catalog_path"`

	// Simulate forces the simulated provisioner even when Docker is reachable.
	Simulate bool `yaml:"simulate"`

	MaxInstanceAge   time.Duration `yaml:"max_instance_age"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`

	Limits    Limits    `yaml:"limits"`
	PortRange PortRange `yaml:"port_range"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:           "127.0.0.1:8080",
		DBPath:           "./cyberlab.db",
		CatalogPath:      "./challenges.yaml",
		MaxInstanceAge:   2 * time.Hour,
		SweepInterval:    2 * time.Minute,
		ProvisionTimeout: 30 * time.Second,
		Limits: Limits{
			CPULimit:    0.5,
			MemLimitMB:  256,
			PidsLimit:   256,
			NetworkMode: "bridge",
		},
		PortRange: PortRange{
			Min: 30000,
			Max: 40000,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CYBERLAB_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("CYBERLAB_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("CYBERLAB_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CYBERLAB_CATALOG_PATH"); v != "" {
		cfg.CatalogPath = v
	}
	if v := os.Getenv("CYBERLAB_SIMULATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Simulate = b
		}
	}
	if v := os.Getenv("CYBERLAB_MAX_INSTANCE_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MaxInstanceAge = d
		}
	}
	if v := os.Getenv("CYBERLAB_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SweepInterval = d
		}
	}
	if v := os.Getenv("CYBERLAB_PROVISION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ProvisionTimeout = d
		}
	}
	if v := os.Getenv("CYBERLAB_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Limits.CPULimit = f
		}
	}
	if v := os.Getenv("CYBERLAB_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MemLimitMB = n
		}
	}
	if v := os.Getenv("CYBERLAB_PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.PidsLimit = n
		}
	}
	if v := os.Getenv("CYBERLAB_NETWORK_MODE"); v != "" {
		cfg.Limits.NetworkMode = v
	}
	if v := os.Getenv("CYBERLAB_PORT_RANGE_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PortRange.Min = n
		}
	}
	if v := os.Getenv("CYBERLAB_PORT_RANGE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PortRange.Max = n
		}
	}
}
