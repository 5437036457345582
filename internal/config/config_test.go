package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wrtops/wrtops/internal/monitor"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleConfig = `
monitor:
  agent_config: /etc/zabbix/zabbix_agentd.conf
  log_file: /var/log/wrtops.log
  exit_on_error: true
  script_dirs:
    - /opt/scripts
  exclude:
    - "^legacy"
dns_probe:
  resolvers:
    - 9.9.9.9
    - 1.1.1.1:53
  probe_name: example.org
backup:
  mountpoint: /mnt/backup
  data_dirs:
    - /etc/config
syncthing:
  arch: arm64
`

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Monitor.AgentConfig != "/etc/zabbix/zabbix_agentd.conf" {
		t.Errorf("AgentConfig = %q", cfg.Monitor.AgentConfig)
	}
	if !cfg.Monitor.ExitOnError {
		t.Error("ExitOnError = false, want true")
	}
	if len(cfg.DNSProbe.Resolvers) != 2 {
		t.Errorf("Resolvers = %v, want 2 entries", cfg.DNSProbe.Resolvers)
	}
	if cfg.Syncthing.Arch != "arm64" {
		t.Errorf("Arch = %q, want arm64", cfg.Syncthing.Arch)
	}

	// Fields the file does not mention keep their defaults.
	if cfg.Monitor.SenderBinary != "zabbix_sender" {
		t.Errorf("SenderBinary = %q, want default", cfg.Monitor.SenderBinary)
	}
	if cfg.Monitor.KeyRoot != "script.monitoring" {
		t.Errorf("KeyRoot = %q, want default", cfg.Monitor.KeyRoot)
	}
	if cfg.Dnsmasq.Addr != "127.0.0.1:53" {
		t.Errorf("Dnsmasq.Addr = %q, want default", cfg.Dnsmasq.Addr)
	}
	if cfg.Syncthing.Repo != "syncthing/syncthing" {
		t.Errorf("Repo = %q, want default", cfg.Syncthing.Repo)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("WRTOPS_AGENT_CONFIG", "/etc/zabbix/zabbix_agentd.conf")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Monitor.AgentConfig != "/etc/zabbix/zabbix_agentd.conf" {
		t.Errorf("AgentConfig = %q, want env value", cfg.Monitor.AgentConfig)
	}
	if cfg.Monitor.SenderTimeoutMS != 10000 {
		t.Errorf("SenderTimeoutMS = %d, want default 10000", cfg.Monitor.SenderTimeoutMS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() error = nil, want read failure")
	}
}

func TestLoadUnparsableFile(t *testing.T) {
	path := writeConfig(t, "monitor: [this is not a mapping")
	if _, err := Load(path); err == nil {
		t.Error("Load() error = nil, want parse failure")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	t.Setenv("WRTOPS_AGENT_CONFIG", "/tmp/other_agent.conf")
	t.Setenv("WRTOPS_EXIT_ON_ERROR", "no")
	t.Setenv("WRTOPS_CLEAR_ON_INIT", "YES")
	t.Setenv("WRTOPS_SENDER_TIMEOUT_MS", "2500")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Monitor.AgentConfig != "/tmp/other_agent.conf" {
		t.Errorf("AgentConfig = %q, want env override", cfg.Monitor.AgentConfig)
	}
	if cfg.Monitor.ExitOnError {
		t.Error("ExitOnError = true, want false from token no")
	}
	if !cfg.Monitor.ClearOnInit {
		t.Error("ClearOnInit = false, want true from token YES")
	}
	if got := cfg.Monitor.GetSenderTimeout(); got != 2500*time.Millisecond {
		t.Errorf("GetSenderTimeout() = %v, want 2.5s", got)
	}
}

func TestEnvOverrideBadBooleanToken(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("WRTOPS_EXIT_ON_ERROR", "maybe")

	_, err := Load(path)
	if !errors.Is(err, monitor.ErrInvalidFlag) {
		t.Errorf("Load() error = %v, want ErrInvalidFlag", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:    "valid defaults plus agent config",
			mutate:  func(cfg *Config) {},
			wantErr: "",
		},
		{
			name:    "missing agent config",
			mutate:  func(cfg *Config) { cfg.Monitor.AgentConfig = "" },
			wantErr: "agent_config is required",
		},
		{
			name:    "sender timeout too small",
			mutate:  func(cfg *Config) { cfg.Monitor.SenderTimeoutMS = 50 },
			wantErr: "must be at least 100",
		},
		{
			name:    "bad api url",
			mutate:  func(cfg *Config) { cfg.Syncthing.APIURL = "not a url" },
			wantErr: "must be a valid URL",
		},
		{
			name:    "bad probe name",
			mutate:  func(cfg *Config) { cfg.DNSProbe.ProbeName = "not..a..domain.." },
			wantErr: "must be a valid domain name",
		},
		{
			name:    "relative backup mountpoint",
			mutate:  func(cfg *Config) { cfg.Backup.Mountpoint = "mnt/backup" },
			wantErr: "absolute path",
		},
		{
			name:    "malformed syncthing repo",
			mutate:  func(cfg *Config) { cfg.Syncthing.Repo = "syncthing" },
			wantErr: "owner/name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Monitor.AgentConfig = "/etc/zabbix/zabbix_agentd.conf"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestReporterConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	rc := cfg.Monitor.ReporterConfig("dns_latency")
	if rc.ScriptName != "dns_latency" {
		t.Errorf("ScriptName = %q, want dns_latency", rc.ScriptName)
	}
	if rc.AgentConfig != cfg.Monitor.AgentConfig {
		t.Errorf("AgentConfig = %q, want %q", rc.AgentConfig, cfg.Monitor.AgentConfig)
	}
	if !rc.ExitOnError {
		t.Error("ExitOnError was not carried over")
	}
	if rc.SenderTimeout != 10*time.Second {
		t.Errorf("SenderTimeout = %v, want 10s", rc.SenderTimeout)
	}
	if len(rc.Exclude) != 1 || rc.Exclude[0] != "^legacy" {
		t.Errorf("Exclude = %v, want [^legacy]", rc.Exclude)
	}
}
