package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := testConfig()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_NilConfig(t *testing.T) {
	if err := Run(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = "invalid-driver"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestRun_InvalidHTTPAddr(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HTTPAddr = "256.0.0.1:80"

	err := Run(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected listen error for invalid HTTP address")
	}
}
