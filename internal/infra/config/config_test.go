package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func setTwitchSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("TWITCH_CLIENT_ID", "client-env")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret-env")
}

func TestLoadMissingFileFails(t *testing.T) {
	setTwitchSecrets(t)
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	setTwitchSecrets(t)
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded {
		t.Fatal("loadedFromFile = true for an absent file")
	}
	if cfg.Environment != "dev" || cfg.Server.Addr != ":8090" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Twitch.ClientID != "client-env" {
		t.Fatalf("client id = %q, want env value", cfg.Twitch.ClientID)
	}
	if cfg.HTTPTimeout().Milliseconds() != 10000 {
		t.Fatalf("http timeout = %v", cfg.HTTPTimeout())
	}
}

func TestLoadAppliesYAMLAndEnvPrecedence(t *testing.T) {
	setTwitchSecrets(t)
	t.Setenv("OBS_WEBSOCKET_PASSWORD", "shared-pass")
	path := writeConfig(t, `
environment: prod
log_format: pretty
twitch:
  client_id: client-yaml
  broadcaster_user_id: "42"
obs:
  sessions:
    - id: main
    - id: backup
      host: 10.0.0.7
      port: 4456
      password: per-session
eventbus:
  buffer_size: 128
  fanout_workers: auto
server:
  addr: ":9999"
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Environment beats YAML for secrets.
	if cfg.Twitch.ClientID != "client-env" {
		t.Fatalf("client id = %q", cfg.Twitch.ClientID)
	}
	if cfg.Twitch.BroadcasterUserID != "42" {
		t.Fatalf("broadcaster = %q", cfg.Twitch.BroadcasterUserID)
	}
	main, backup := cfg.OBS.Sessions[0], cfg.OBS.Sessions[1]
	if main.Host != "localhost" || main.Port != 4455 || main.Password != "shared-pass" {
		t.Fatalf("main session = %+v", main)
	}
	if backup.Password != "per-session" || backup.Port != 4456 {
		t.Fatalf("backup session = %+v", backup)
	}
	if cfg.Eventbus.BufferSize != 128 || cfg.Eventbus.FanoutWorkers.Count() <= 0 {
		t.Fatalf("eventbus = %+v", cfg.Eventbus)
	}
	if cfg.Server.Addr != ":9999" || cfg.Environment != "prod" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidateRejectsMissingTwitchCredentials(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "")
	t.Setenv("TWITCH_CLIENT_SECRET", "")
	_, _, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "client_id") {
		t.Fatalf("error = %v, want missing client_id", err)
	}
}

func TestValidateRejectsActivityLogWithoutDatabase(t *testing.T) {
	setTwitchSecrets(t)
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
activity_log:
  enabled: true
`)
	_, err := Load(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("error = %v, want DATABASE_URL complaint", err)
	}
}

func TestValidateRejectsDuplicateOBSSessionIDs(t *testing.T) {
	setTwitchSecrets(t)
	path := writeConfig(t, `
obs:
  sessions:
    - id: main
    - id: main
`)
	_, err := Load(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "duplicate obs session") {
		t.Fatalf("error = %v", err)
	}
}

func TestWorkerSettingParsing(t *testing.T) {
	setTwitchSecrets(t)
	cases := []struct {
		raw     string
		wantErr bool
		check   func(WorkerSetting) bool
	}{
		{raw: "3", check: func(s WorkerSetting) bool { return s.Count() == 3 }},
		{raw: "auto", check: func(s WorkerSetting) bool { return s.Count() > 0 }},
		{raw: "default", check: func(s WorkerSetting) bool { return s.Count() == 4 }},
		{raw: "0", wantErr: true},
		{raw: "banana", wantErr: true},
	}
	for _, tc := range cases {
		path := writeConfig(t, "eventbus:\n  fanout_workers: "+tc.raw+"\n")
		cfg, err := Load(context.Background(), path)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("fanout_workers=%s parsed without error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("fanout_workers=%s: %v", tc.raw, err)
		}
		if !tc.check(cfg.Eventbus.FanoutWorkers) {
			t.Fatalf("fanout_workers=%s resolved to %d", tc.raw, cfg.Eventbus.FanoutWorkers.Count())
		}
	}
}
