package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service      ServiceConfig      `koanf:"service"`
	Node         NodeConfig         `koanf:"node"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
}

type ServiceConfig struct {
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	QueueBufferSize        int    `koanf:"queue_buffer_size"`
}

type NodeConfig struct {
	Name     string   `koanf:"name"`
	Domains  []string `koanf:"domains"`
	Endpoint string   `koanf:"endpoint"`
}

type OrchestratorConfig struct {
	IBGP             IBGPConfig    `koanf:"ibgp"`
	EnvoyConfig      EnvoyConfig   `koanf:"envoyConfig"`
	Auth             AuthConfig    `koanf:"auth"`
	GQLGatewayConfig GatewayConfig `koanf:"gqlGatewayConfig"`
}

type IBGPConfig struct {
	Secret                 string `koanf:"secret"`
	HoldTimeSeconds        int    `koanf:"hold_time_seconds"`
	DispatchTimeoutSeconds int    `koanf:"dispatch_timeout_seconds"`
}

type EnvoyConfig struct {
	// PortRange is a list of inclusive [low, high] pairs.
	PortRange   [][]int `koanf:"portRange"`
	BindAddress string  `koanf:"bind_address"`
}

type AuthConfig struct {
	Endpoint string `koanf:"endpoint"`
}

type GatewayConfig struct {
	Endpoint string `koanf:"endpoint"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: CATALYST_NODE__NAME → node.name
	if err := k.Load(env.Provider("CATALYST_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "CATALYST_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
			QueueBufferSize:        64,
		},
		Orchestrator: OrchestratorConfig{
			IBGP: IBGPConfig{
				HoldTimeSeconds:        90,
				DispatchTimeoutSeconds: 5,
			},
			EnvoyConfig: EnvoyConfig{
				PortRange:   [][]int{{10000, 10100}},
				BindAddress: "0.0.0.0",
			},
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Node.Domains) == 1 && strings.Contains(cfg.Node.Domains[0], ",") {
		cfg.Node.Domains = strings.Split(cfg.Node.Domains[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("config: node.name is required")
	}
	if c.Node.Endpoint == "" {
		return fmt.Errorf("config: node.endpoint is required")
	}
	if _, err := url.Parse(c.Node.Endpoint); err != nil {
		return fmt.Errorf("config: node.endpoint is invalid: %w", err)
	}
	if len(c.Node.Domains) == 0 {
		return fmt.Errorf("config: node.domains is required")
	}
	if c.Orchestrator.IBGP.Secret == "" {
		return fmt.Errorf("config: orchestrator.ibgp.secret is required")
	}
	if c.Orchestrator.IBGP.HoldTimeSeconds < 3 || c.Orchestrator.IBGP.HoldTimeSeconds > 600 {
		return fmt.Errorf("config: orchestrator.ibgp.hold_time_seconds must be in [3, 600] (got %d)", c.Orchestrator.IBGP.HoldTimeSeconds)
	}
	if c.Orchestrator.IBGP.DispatchTimeoutSeconds <= 0 {
		return fmt.Errorf("config: orchestrator.ibgp.dispatch_timeout_seconds must be > 0 (got %d)", c.Orchestrator.IBGP.DispatchTimeoutSeconds)
	}
	if len(c.Orchestrator.EnvoyConfig.PortRange) == 0 {
		return fmt.Errorf("config: orchestrator.envoyConfig.portRange is required")
	}
	for _, r := range c.Orchestrator.EnvoyConfig.PortRange {
		if len(r) != 2 {
			return fmt.Errorf("config: orchestrator.envoyConfig.portRange entries must be [low, high] pairs")
		}
		if r[0] <= 0 || r[1] > 65535 || r[0] > r[1] {
			return fmt.Errorf("config: orchestrator.envoyConfig.portRange [%d, %d] is invalid", r[0], r[1])
		}
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Service.QueueBufferSize <= 0 {
		return fmt.Errorf("config: service.queue_buffer_size must be > 0 (got %d)", c.Service.QueueBufferSize)
	}
	return nil
}
