package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jun/gophnote/internal/model"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.Sync.Debounce != 2*time.Second || cfg.Sync.Schedule != "@every 15m" {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Transport.Timeout != 30*time.Second || cfg.Transport.Burst != 8 {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.Secrets.Source != "env" || cfg.AWS.Enabled() {
		t.Errorf("secrets = %+v aws = %+v", cfg.Secrets, cfg.AWS)
	}
	if cfg.DataDir == "" {
		t.Error("data dir not defaulted")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
data-dir: ` + dir + `
log:
  level: debug
sync:
  debounce: 500ms
  strategy: upload_local
aws:
  token-table: tokens
providers:
  onedrive:
    client-id: abc
    client-secret: /gophnote/onedrive
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" || cfg.Sync.Debounce != 500*time.Millisecond || cfg.Sync.Strategy != "upload_local" {
		t.Errorf("cfg = %+v", cfg)
	}
	// Unset fields keep their defaults.
	if cfg.Sync.Schedule != "@every 15m" {
		t.Errorf("schedule = %q", cfg.Sync.Schedule)
	}
	if !cfg.AWS.Enabled() {
		t.Error("aws should be enabled by token-table")
	}
	od := cfg.Providers.For(model.ProviderOneDrive)
	if od.ClientID != "abc" || od.ClientSecret != "/gophnote/onedrive" || od.RedirectURL == "" {
		t.Errorf("onedrive = %+v", od)
	}
	if got := cfg.Providers.For(model.ProviderMemory); got != (OAuthClient{}) {
		t.Errorf("memory client = %+v", got)
	}
	if cfg.NotesDir() != filepath.Join(dir, "notes") {
		t.Errorf("notes dir = %s", cfg.NotesDir())
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("log: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfigSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.DataDir = dir
	cfg.Sync.Strategy = "download_cloud"
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}
	again, err := LoadConfig(cfg.File)
	if err != nil {
		t.Fatal(err)
	}
	if again.Sync.Strategy != "download_cloud" || again.DataDir != dir {
		t.Errorf("reloaded = %+v", again)
	}
}

func TestNewLogger(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "gophnote.log")
	logger, err := NewLogger(LogConfig{Level: "warn", File: file})
	if err != nil {
		t.Fatal(err)
	}
	logger.Warn("hello")
	logger.Sync()
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
	if _, err := NewLogger(LogConfig{Level: "loud"}); err == nil {
		t.Error("expected invalid level error")
	}
}
