package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points HOME at a fresh directory and clears KafPage overrides.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"KAFPAGE_HOME", "KAFPAGE_CONFIG", "KAFPAGE_ENV_FILE",
		"KAFPAGE_DEBUG", "KAFPAGE_STORE_BACKEND", "KAFPAGE_DRIVER_TICK_SECONDS",
		"KAFPAGE_NOTIFY_BATCH_SIZE", "KAFPAGE_ACK_BASE_URL",
	} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestConfigPathRespectsOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("KAFPAGE_HOME", "/srv/pager")
	t.Setenv("KAFPAGE_CONFIG", "~/.kafpage/custom.json")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join("/srv/pager", ".kafpage", "custom.json") {
		t.Fatalf("unexpected config path: %q", path)
	}

	t.Setenv("KAFPAGE_CONFIG", "/etc/kafpage.json")
	if path, _ := ConfigPath(); path != "/etc/kafpage.json" {
		t.Fatalf("absolute override ignored: %q", path)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Paths.DBPath != filepath.Join(home, ".kafpage", "kafpage.db") {
		t.Fatalf("db path %q", cfg.Paths.DBPath)
	}
	if cfg.Store.Backend != BackendSQLite || cfg.Intake.BodySource != SourceInline {
		t.Fatalf("unexpected backends %+v %+v", cfg.Store, cfg.Intake)
	}
	if cfg.Driver.Tick() != 5*time.Second || cfg.Driver.Purge() != time.Hour {
		t.Fatalf("driver intervals %v %v", cfg.Driver.Tick(), cfg.Driver.Purge())
	}
	if cfg.Notify.BatchSize != 50 {
		t.Fatalf("batch size %d", cfg.Notify.BatchSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadWithIncludeAndEnvSubstitution(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".kafpage")
	writeFile(t, filepath.Join(dir, "base.json"), `{
		"notify": { "smtpAddr": "mail.internal:25", "batchSize": 20 },
		"driver": { "tickSeconds": 9, "maxConcurrent": 3 }
	}`)
	writeFile(t, filepath.Join(dir, "config.json"), `{
		"$include": "base.json",
		"notify": { "slackToken": "${KAFPAGE_T_SLACK}" },
		"driver": { "tickSeconds": 2 }
	}`)
	t.Setenv("KAFPAGE_T_SLACK", "xoxb-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Notify.SlackToken != "xoxb-test" {
		t.Fatalf("env substitution failed: %q", cfg.Notify.SlackToken)
	}
	if cfg.Notify.SMTPAddr != "mail.internal:25" || cfg.Notify.BatchSize != 20 {
		t.Fatalf("include not merged: %+v", cfg.Notify)
	}
	if cfg.Driver.TickSeconds != 2 || cfg.Driver.MaxConcurrent != 3 {
		t.Fatalf("driver merge wrong: %+v", cfg.Driver)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".kafpage")
	writeFile(t, filepath.Join(dir, "config.json"), `{"$include": "a.json"}`)
	writeFile(t, filepath.Join(dir, "a.json"), `{"$include": "config.json"}`)

	if _, err := Load(); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestLoadEnvironmentWins(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".kafpage", "config.json"), `{
		"store": { "backend": "sqlite" },
		"ack": { "baseURL": "https://pager.example.com/ack/" }
	}`)
	t.Setenv("KAFPAGE_STORE_BACKEND", "REDIS")
	t.Setenv("KAFPAGE_DRIVER_TICK_SECONDS", "30")
	t.Setenv("KAFPAGE_NOTIFY_BATCH_SIZE", "500")
	t.Setenv("KAFPAGE_DEBUG", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != BackendRedis {
		t.Fatalf("backend %q", cfg.Store.Backend)
	}
	if cfg.Driver.TickSeconds != 30 || !cfg.Log.Debug {
		t.Fatalf("env not applied: %+v %+v", cfg.Driver, cfg.Log)
	}
	if cfg.Notify.BatchSize != 50 {
		t.Fatalf("batch size not capped: %d", cfg.Notify.BatchSize)
	}
	if cfg.Ack.BaseURL != "https://pager.example.com/ack" {
		t.Fatalf("base url not trimmed: %q", cfg.Ack.BaseURL)
	}
}

func TestLoadEnvFileCandidateFeedsEnvconfig(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".config", "kafpage", "env"), "KAFPAGE_DRIVER_TICK_SECONDS=17\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Driver.TickSeconds != 17 {
		t.Fatalf("expected tick from env file, got %d", cfg.Driver.TickSeconds)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := isolate(t)
	cfg := DefaultConfig()
	cfg.Notify.SMTPAddr = "smtp.example.com:587"
	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(filepath.Join(home, ".kafpage", "config.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config mode %v", info.Mode().Perm())
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Notify.SMTPAddr != "smtp.example.com:587" {
		t.Fatalf("smtp addr %q", loaded.Notify.SMTPAddr)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Intake.BodySource = SourceObject
	cfg.Objects.Bucket = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for object source without bucket")
	}

	cfg = DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.Topic = " "
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for events without topic")
	}
}
