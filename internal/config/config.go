// Package config loads the YAML configuration for both node roles.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMeshListen   = ":7070"
	DefaultAPIListen    = ":8080"
	DefaultHeartbeatSec = 5
	DefaultLivenessSec  = 30
	DefaultLogLevel     = "info"
	DefaultGatewayName  = "gateway"
)

// Config holds both peer and gateway settings. A process with a Gateway
// section acquires and distributes firmware; every process has a Node
// section.
type Config struct {
	Node    *NodeConfig    `yaml:"node,omitempty"`
	Gateway *GatewayConfig `yaml:"gateway,omitempty"`
}

// NodeConfig is common to every mesh node.
type NodeConfig struct {
	Name         string `yaml:"name"`
	DataDir      string `yaml:"data_dir"`
	MeshListen   string `yaml:"mesh_listen"`
	GatewayName  string `yaml:"gateway_name"`
	GatewayAddr  string `yaml:"gateway_addr"`
	HeartbeatSec int    `yaml:"heartbeat_sec"`
	LivenessSec  int    `yaml:"liveness_sec"`
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`
}

// GatewayConfig is used only by the gateway process.
type GatewayConfig struct {
	Listen      string            `yaml:"listen"`
	Peers       map[string]string `yaml:"peers"`
	STUNServers []string          `yaml:"stun_servers"`
	HistoryPath string            `yaml:"history_path"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Node == nil {
		return fmt.Errorf("config must contain a node section")
	}
	if cfg.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if cfg.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if cfg.Gateway == nil && cfg.Node.GatewayAddr == "" {
		return fmt.Errorf("node.gateway_addr is required for peer nodes")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Node != nil {
		if cfg.Node.MeshListen == "" {
			cfg.Node.MeshListen = DefaultMeshListen
		}
		if cfg.Node.GatewayName == "" {
			cfg.Node.GatewayName = DefaultGatewayName
		}
		if cfg.Node.HeartbeatSec == 0 {
			cfg.Node.HeartbeatSec = DefaultHeartbeatSec
		}
		if cfg.Node.LivenessSec == 0 {
			cfg.Node.LivenessSec = DefaultLivenessSec
		}
		if cfg.Node.LogLevel == "" {
			cfg.Node.LogLevel = DefaultLogLevel
		}
	}

	if cfg.Gateway != nil {
		if cfg.Gateway.Listen == "" {
			cfg.Gateway.Listen = DefaultAPIListen
		}
		if cfg.Gateway.HistoryPath == "" && cfg.Node != nil && cfg.Node.DataDir != "" {
			cfg.Gateway.HistoryPath = filepath.Join(cfg.Node.DataDir, "history.csv")
		}
	}
}
