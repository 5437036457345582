// Package config
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wrtops/wrtops/internal/monitor"
)

type Config struct {
	Monitor   MonitorConfig   `yaml:"monitor"`
	DNSProbe  DNSProbeConfig  `yaml:"dns_probe"`
	Dnsmasq   DnsmasqConfig   `yaml:"dnsmasq"`
	Backup    BackupConfig    `yaml:"backup"`
	Syncthing SyncthingConfig `yaml:"syncthing"`
}

type MonitorConfig struct {
	AgentConfig     string   `yaml:"agent_config" validate:"required"`
	SenderBinary    string   `yaml:"sender_binary"`
	KeyRoot         string   `yaml:"key_root"`
	LogFile         string   `yaml:"log_file"`
	ExitOnError     bool     `yaml:"exit_on_error"`
	ClearOnInit     bool     `yaml:"clear_on_init"`
	SenderTimeoutMS int      `yaml:"sender_timeout_ms" validate:"omitempty,min=100"`
	ScriptDirs      []string `yaml:"script_dirs"`
	ExtraScripts    []string `yaml:"extra_scripts"`
	Exclude         []string `yaml:"exclude"`
}

type DNSProbeConfig struct {
	Resolvers []string `yaml:"resolvers"`
	ProbeName string   `yaml:"probe_name" validate:"omitempty,fqdn"`
	TimeoutMS int      `yaml:"timeout_ms" validate:"omitempty,min=100"`
}

type DnsmasqConfig struct {
	Addr      string `yaml:"addr"`
	TimeoutMS int    `yaml:"timeout_ms" validate:"omitempty,min=100"`
}

type BackupConfig struct {
	Mountpoint string   `yaml:"mountpoint"`
	FSTypes    []string `yaml:"fstypes"`
	DataDirs   []string `yaml:"data_dirs"`
	RsyncArgs  []string `yaml:"rsync_args"`
	TimeoutMS  int      `yaml:"timeout_ms" validate:"omitempty,min=1000"`
}

type SyncthingConfig struct {
	Binary     string `yaml:"binary"`
	InitScript string `yaml:"init_script"`
	Repo       string `yaml:"repo"`
	Arch       string `yaml:"arch"`
	WorkDir    string `yaml:"work_dir"`
	APIURL     string `yaml:"api_url" validate:"omitempty,url"`
	TimeoutMS  int    `yaml:"timeout_ms" validate:"omitempty,min=1000"`
}

// defaultConfig carries values fit for a stock OpenWrt box, so a
// minimal config file only needs the agent configuration path.
func defaultConfig() *Config {
	return &Config{
		Monitor: MonitorConfig{
			SenderBinary:    "zabbix_sender",
			KeyRoot:         "script.monitoring",
			SenderTimeoutMS: 10000,
		},
		DNSProbe: DNSProbeConfig{
			ProbeName: "example.com",
			TimeoutMS: 5000,
		},
		Dnsmasq: DnsmasqConfig{
			Addr:      "127.0.0.1:53",
			TimeoutMS: 2000,
		},
		Backup: BackupConfig{
			FSTypes:   []string{"cifs", "nfs", "nfs4"},
			RsyncArgs: []string{"-a", "--delete"},
			TimeoutMS: 1800000,
		},
		Syncthing: SyncthingConfig{
			Binary:     "/usr/bin/syncthing",
			InitScript: "/etc/init.d/syncthing",
			Repo:       "syncthing/syncthing",
			WorkDir:    "/tmp/wrtops",
			APIURL:     "https://api.github.com",
			TimeoutMS:  120000,
		},
	}
}

// Load reads configuration from file and applies environment variable
// overrides. An empty configPath skips the file and runs on defaults
// plus environment, which is enough for crontab one-liners that only
// set WRTOPS_AGENT_CONFIG.
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}

	if c.Backup.Mountpoint != "" && !filepath.IsAbs(c.Backup.Mountpoint) {
		return fmt.Errorf("backup mountpoint must be an absolute path")
	}

	if r := c.Syncthing.Repo; r != "" && strings.Count(r, "/") != 1 {
		return fmt.Errorf("syncthing repo must look like owner/name, got %q", r)
	}

	return nil
}

// applyEnvOverrides checks for environment variables with WRTOPS_ prefix
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("WRTOPS_AGENT_CONFIG"); v != "" {
		cfg.Monitor.AgentConfig = v
	}
	if v := os.Getenv("WRTOPS_SENDER_BINARY"); v != "" {
		cfg.Monitor.SenderBinary = v
	}
	if v := os.Getenv("WRTOPS_KEY_ROOT"); v != "" {
		cfg.Monitor.KeyRoot = v
	}
	if v := os.Getenv("WRTOPS_LOG_FILE"); v != "" {
		cfg.Monitor.LogFile = v
	}
	if v := os.Getenv("WRTOPS_EXIT_ON_ERROR"); v != "" {
		b, err := monitor.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WRTOPS_EXIT_ON_ERROR: %w", err)
		}
		cfg.Monitor.ExitOnError = b
	}
	if v := os.Getenv("WRTOPS_CLEAR_ON_INIT"); v != "" {
		b, err := monitor.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WRTOPS_CLEAR_ON_INIT: %w", err)
		}
		cfg.Monitor.ClearOnInit = b
	}
	if v := os.Getenv("WRTOPS_SENDER_TIMEOUT_MS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Monitor.SenderTimeoutMS)
	}
	return nil
}

// ReporterConfig maps the monitor section onto the reporter's runtime
// configuration, binding it to the given script identity.
func (m *MonitorConfig) ReporterConfig(scriptName string) monitor.Config {
	return monitor.Config{
		ScriptName:    scriptName,
		AgentConfig:   m.AgentConfig,
		SenderBinary:  m.SenderBinary,
		KeyRoot:       m.KeyRoot,
		LogFile:       m.LogFile,
		ExitOnError:   m.ExitOnError,
		ClearOnInit:   m.ClearOnInit,
		SenderTimeout: m.GetSenderTimeout(),
		ScriptDirs:    m.ScriptDirs,
		ExtraScripts:  m.ExtraScripts,
		Exclude:       m.Exclude,
	}
}

// GetSenderTimeout returns the sender timeout as a duration
func (m *MonitorConfig) GetSenderTimeout() time.Duration {
	return time.Duration(m.SenderTimeoutMS) * time.Millisecond
}

// GetTimeout returns the probe timeout as a duration
func (d *DNSProbeConfig) GetTimeout() time.Duration {
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

// GetTimeout returns the query timeout as a duration
func (d *DnsmasqConfig) GetTimeout() time.Duration {
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

// GetTimeout returns the whole-run timeout as a duration
func (b *BackupConfig) GetTimeout() time.Duration {
	return time.Duration(b.TimeoutMS) * time.Millisecond
}

// GetTimeout returns the per-request timeout as a duration
func (s *SyncthingConfig) GetTimeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}
