package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"loopcast/internal/cache"
	"loopcast/internal/config"
	"loopcast/internal/models"
	"loopcast/internal/storage"
	"loopcast/internal/testsupport/redisstub"
)

func TestFlagOverrides(t *testing.T) {
	cfg := config.Default()
	flagOverrides{addr: "127.0.0.1:7000", dataPath: "/srv/loopcast.json", logLevel: "debug"}.apply(&cfg)
	if cfg.HTTPAddr != "127.0.0.1:7000" || cfg.LogLevel != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Store.Driver != config.DriverJSON || cfg.Store.DataPath != "/srv/loopcast.json" {
		t.Fatalf("expected -data to select the json driver, got %+v", cfg.Store)
	}

	cfg = config.Default()
	flagOverrides{dataPath: "/srv/x.json", storeDriver: "Postgres"}.apply(&cfg)
	if cfg.Store.Driver != config.DriverPostgres {
		t.Fatalf("explicit driver must win, got %q", cfg.Store.Driver)
	}
}

func TestOpenRepositoryJSONWithSealer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	repo, err := openRepository(context.Background(), config.StoreConfig{Driver: config.DriverJSON, DataPath: path, TokenPassphrase: "pass"})
	if err != nil {
		t.Fatalf("openRepository: %v", err)
	}
	ctx := context.Background()
	if err := repo.SaveAccountToken(ctx, models.AccountToken{AccountID: "acct", AccessToken: "at", RefreshToken: "rt"}); err != nil {
		t.Fatalf("SaveAccountToken: %v", err)
	}
	if err := repo.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	plain, err := storage.NewJSONRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	token, err := plain.GetAccountToken(ctx, "acct")
	if err == nil && token.RefreshToken == "rt" {
		t.Fatal("token stored without sealing")
	}
}

func TestOpenRepositoryRejectsUnknownDriver(t *testing.T) {
	if _, err := openRepository(context.Background(), config.StoreConfig{Driver: "sqlite"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenCacheSelectsBackend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	procCache, err := openCache(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("openCache: %v", err)
	}
	if _, ok := procCache.(*cache.Memory); !ok {
		t.Fatalf("expected memory cache, got %T", procCache)
	}

	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })
	cfg.Redis.Addr = stub.Addr()
	procCache, err = openCache(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("openCache redis: %v", err)
	}
	t.Cleanup(func() { _ = procCache.Close() })
	procCache.Set(context.Background(), "s1", cache.Entry{PID: 7, Status: models.StatusRunning}, time.Minute)
	if entry, ok := procCache.Get(context.Background(), "s1"); !ok || entry.PID != 7 {
		t.Fatalf("expected redis round trip, got %+v ok=%v", entry, ok)
	}
}
