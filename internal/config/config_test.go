package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LOOPCAST_OAUTH_CLIENT_ID", "client")
	t.Setenv("LOOPCAST_OAUTH_CLIENT_SECRET", "secret")
}

func TestDefaultsApplyWhenUnset(t *testing.T) {
	validEnv(t)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HTTPAddr != ":8090" || cfg.Workspace.Root != "/var/tmp/streams" || cfg.LoopCount != 100 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Acquire.Workers != 3 || cfg.Acquire.ChunkSize != 512*1024 {
		t.Fatalf("unexpected acquire defaults %+v", cfg.Acquire)
	}
	if cfg.Encoder.MaxRestarts != 5 || cfg.Encoder.BackoffBase != 5*time.Second || cfg.Encoder.BackoffCap != time.Minute {
		t.Fatalf("unexpected encoder defaults %+v", cfg.Encoder)
	}
	if cfg.Store.Driver != DriverMemory || cfg.RedisEnabled() {
		t.Fatalf("expected memory store and no redis, got %+v", cfg.Store)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	validEnv(t)
	t.Setenv("LOOPCAST_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("LOOPCAST_DOWNLOAD_WORKERS", "8")
	t.Setenv("LOOPCAST_ENCODER_HEARTBEAT", "15s")
	t.Setenv("LOOPCAST_S3_USE_SSL", "true")
	t.Setenv("LOOPCAST_REDIS_ADDRS", "a:6379, b:6379,")
	t.Setenv("LOOPCAST_STORE_DRIVER", " Postgres ")
	t.Setenv("LOOPCAST_POSTGRES_DSN", "postgres://localhost/loopcast")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9000" || cfg.Acquire.Workers != 8 || cfg.Encoder.HeartbeatInterval != 15*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("expected S3_USE_SSL to be true")
	}
	if len(cfg.Redis.Addrs) != 2 || cfg.Redis.Addrs[1] != "b:6379" || !cfg.RedisEnabled() {
		t.Fatalf("unexpected redis addrs %v", cfg.Redis.Addrs)
	}
	if cfg.Store.Driver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %q", cfg.Store.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseFailuresAreReported(t *testing.T) {
	t.Setenv("LOOPCAST_LOOP_COUNT", "many")
	t.Setenv("LOOPCAST_CACHE_TTL", "1 day")
	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected parse errors")
	}
	for _, want := range []string{"parse LOOPCAST_LOOP_COUNT", "parse LOOPCAST_CACHE_TTL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateListsProblems(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "sqlite"
	cfg.LoopCount = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"OAUTH_CLIENT_ID", "OAUTH_CLIENT_SECRET", "LOOP_COUNT", `STORE_DRIVER "sqlite"`} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}

	cfg = Default()
	cfg.Broadcast.OAuth.ClientID, cfg.Broadcast.OAuth.ClientSecret = "id", "secret"
	cfg.ObjectStore.Endpoint = "minio:9000"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "access key") {
		t.Fatalf("expected object store error, got %v", err)
	}
}

func TestLoadReadsDotEnvAndProfile(t *testing.T) {
	dir := t.TempDir()
	profile := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(profile, []byte("video_bitrate: 6000k\ngop: 120\n"), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	dotenv := filepath.Join(dir, ".env")
	content := "LOOPCAST_OAUTH_CLIENT_ID=from-file\nLOOPCAST_OAUTH_CLIENT_SECRET=s\nLOOPCAST_ENCODER_PROFILE=" + profile + "\n"
	if err := os.WriteFile(dotenv, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	for _, key := range []string{"LOOPCAST_OAUTH_CLIENT_ID", "LOOPCAST_OAUTH_CLIENT_SECRET", "LOOPCAST_ENCODER_PROFILE"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load(dotenv, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broadcast.OAuth.ClientID != "from-file" {
		t.Fatalf("expected client id from .env, got %q", cfg.Broadcast.OAuth.ClientID)
	}
	if cfg.Profile.VideoBitrate != "6000k" || cfg.Profile.GOP != 120 || cfg.Profile.VideoCodec != "libx264" {
		t.Fatalf("unexpected profile %+v", cfg.Profile)
	}
}

func TestLoadRejectsBadProfile(t *testing.T) {
	validEnv(t)
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("unknown_field: 1\n"), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	t.Setenv("LOOPCAST_ENCODER_PROFILE", path)
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected profile decode error")
	}
}
