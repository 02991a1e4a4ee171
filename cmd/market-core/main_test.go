package main

import (
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/config"
)

func TestSetupLogger(t *testing.T) {
	defer func() {
		log.SetFormatter(&log.TextFormatter{})
		log.SetLevel(log.InfoLevel)
	}()

	setupLogger(config.LogConfig{Level: "debug", Format: "json"})
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", log.StandardLogger().Formatter)
	}

	setupLogger(config.LogConfig{Level: "loud", Format: "text"})
	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("unknown level must fall back to info, got %s", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.TextFormatter); !ok {
		t.Fatalf("expected text formatter, got %T", log.StandardLogger().Formatter)
	}
}
