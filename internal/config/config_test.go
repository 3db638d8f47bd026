package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvConfPath, "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_LEVEL", "")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:8001" {
		t.Fatalf("Addr = %s", cfg.Addr())
	}
	if cfg.DatabaseURL != "sqlite:///./database.db" {
		t.Fatalf("DatabaseURL = %s", cfg.DatabaseURL)
	}
	if cfg.LogLevel != "info" || cfg.CemModelID != "cem_model" || cfg.CemTickInterval != time.Minute {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadReadsYAML(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
http_listen_address: 127.0.0.1
http_port: 9000
database_url: sqlite:///tmp/analyzer.db
log_level: debug
cem_model_id: my_cem
cem_tick_interval: 30s
router_buffer_cap: 50
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Fatalf("Addr = %s", cfg.Addr())
	}
	if cfg.DatabaseURL != "sqlite:///tmp/analyzer.db" || cfg.LogLevel != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.CemModelID != "my_cem" || cfg.CemTickInterval != 30*time.Second || cfg.RouterBufferCap != 50 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadPathFromEnvironment(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "env.yaml")
	if err := os.WriteFile(path, []byte("http_port: 9999\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Fatalf("Port = %d", cfg.Port)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "sqlite:///override.db")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "sqlite:///override.db" {
		t.Fatalf("DatabaseURL = %s", cfg.DatabaseURL)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %s", cfg.LogLevel)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("http_port: [not a port\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDatabasePath(t *testing.T) {
	cases := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"sqlite:///./database.db", "./database.db", false},
		{"sqlite:////var/lib/analyzer.db", "/var/lib/analyzer.db", false},
		{"", "./database.db", false},
		{"postgres://localhost/db", "", true},
		{"sqlite:///", "", true},
	}
	for _, tc := range cases {
		got, err := Config{DatabaseURL: tc.url}.DatabasePath()
		if tc.wantErr {
			if err == nil {
				t.Errorf("DatabasePath(%q) expected error", tc.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("DatabasePath(%q): %v", tc.url, err)
			continue
		}
		if got != tc.want {
			t.Errorf("DatabasePath(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestLoggerLevelFallback(t *testing.T) {
	log := NewLogger(Config{LogLevel: "nonsense"})
	if log.GetLevel().String() != "info" {
		t.Fatalf("level = %s", log.GetLevel())
	}
}
