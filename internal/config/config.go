package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration paths and listener settings.
type Config struct {
	ConfigPath            string
	DataDir               string
	LogDir                string
	RunDir                string
	SocketPath            string
	DBPath                string
	AgentListen           string
	MetricsListen         string
	AgeKeyPath            string
	CatalogDir            string
	CatalogURL            string
	CatalogRefreshMinutes int
	EventRetainDays       int
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	DataDir               string `yaml:"data_dir"`
	LogDir                string `yaml:"log_dir"`
	RunDir                string `yaml:"run_dir"`
	SocketPath            string `yaml:"socket_path"`
	DBPath                string `yaml:"db_path"`
	AgentListen           string `yaml:"agent_listen"`
	MetricsListen         string `yaml:"metrics_listen"`
	AgeKeyPath            string `yaml:"age_key_path"`
	CatalogDir            string `yaml:"catalog_dir"`
	CatalogURL            string `yaml:"catalog_url"`
	CatalogRefreshMinutes int    `yaml:"catalog_refresh_minutes"`
	EventRetainDays       int    `yaml:"event_retain_days"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/fleetdeck"
	runDir := "/run/fleetdeck"
	return Config{
		ConfigPath:            "/etc/fleetdeck/config.yaml",
		DataDir:               dataDir,
		LogDir:                "/var/log/fleetdeck",
		RunDir:                runDir,
		SocketPath:            filepath.Join(runDir, "fleetdeckd.sock"),
		DBPath:                filepath.Join(dataDir, "fleetdeck.db"),
		AgentListen:           "0.0.0.0:8800",
		MetricsListen:         "",
		AgeKeyPath:            "/etc/fleetdeck/keys/age.key",
		CatalogDir:            "/etc/fleetdeck/playbooks",
		CatalogURL:            "",
		CatalogRefreshMinutes: 60,
		EventRetainDays:       30,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "fleetdeck.db")
	}
	if fileCfg.RunDir != "" && fileCfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.RunDir, "fleetdeckd.sock")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.LogDir != "" {
		cfg.LogDir = fileCfg.LogDir
	}
	if fileCfg.RunDir != "" {
		cfg.RunDir = fileCfg.RunDir
	}
	if fileCfg.SocketPath != "" {
		cfg.SocketPath = fileCfg.SocketPath
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.AgentListen != "" {
		cfg.AgentListen = fileCfg.AgentListen
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.AgeKeyPath != "" {
		cfg.AgeKeyPath = fileCfg.AgeKeyPath
	}
	if fileCfg.CatalogDir != "" {
		cfg.CatalogDir = fileCfg.CatalogDir
	}
	if fileCfg.CatalogURL != "" {
		cfg.CatalogURL = fileCfg.CatalogURL
	}
	if fileCfg.CatalogRefreshMinutes > 0 {
		cfg.CatalogRefreshMinutes = fileCfg.CatalogRefreshMinutes
	}
	if fileCfg.EventRetainDays > 0 {
		cfg.EventRetainDays = fileCfg.EventRetainDays
	}
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.RunDir == "" {
		return fmt.Errorf("run_dir is required")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.AgentListen == "" {
		return fmt.Errorf("agent_listen is required")
	}
	if _, _, err := net.SplitHostPort(c.AgentListen); err != nil {
		return fmt.Errorf("agent_listen must be host:port: %w", err)
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	if c.CatalogURL != "" && !strings.HasPrefix(c.CatalogURL, "http://") && !strings.HasPrefix(c.CatalogURL, "https://") {
		return fmt.Errorf("catalog_url must be an http(s) URL (got %q)", c.CatalogURL)
	}
	if c.CatalogRefreshMinutes <= 0 {
		return fmt.Errorf("catalog_refresh_minutes must be positive")
	}
	if c.EventRetainDays <= 0 {
		return fmt.Errorf("event_retain_days must be positive")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
