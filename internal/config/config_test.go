package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agent.yaml")
	content := `
server_host: tunnel.example.com
server_port: 8443
local_host: 127.0.0.1
token: secret-token
data_dir: ` + dir + `
log_level: debug
use_tls: false
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerHost != "tunnel.example.com" || cfg.ServerPort != 8443 {
		t.Fatalf("unexpected server fields: %+v", cfg)
	}
	if cfg.ControlURL() != "ws://tunnel.example.com:8443/tunnel/ws" {
		t.Fatalf("unexpected control URL: %s", cfg.ControlURL())
	}
}

func TestLoadMissingRequired(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(cfgPath, []byte("server_host: tunnel.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Fatal("expected validation error for missing token")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agent.yaml")
	content := "server_host: file-host\ntoken: file-token\ndata_dir: " + dir + "\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TUNNELAGENT_SERVER_HOST", "env-host")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerHost != "env-host" {
		t.Fatalf("expected env override, got %q", cfg.ServerHost)
	}
}
