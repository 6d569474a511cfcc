package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/provider/providertest"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/subscription"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Store.Driver != "memory" {
		t.Errorf("http/store = %+v %+v", cfg.HTTP, cfg.Store)
	}
	if cfg.Referral.DiscountAmount != 25000 || cfg.Referral.Currency != "EUR" {
		t.Errorf("referral = %+v", cfg.Referral)
	}
	if cfg.Refresh.StaleAfter != 5*time.Minute || cfg.Refresh.MinInterval <= 0 {
		t.Errorf("refresh = %+v", cfg.Refresh)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	file := filepath.Join(dir, "tally.yaml")
	yaml := "http:\n  addr: \":9000\"\nrefresh:\n  min_interval: 3s\nstore:\n  driver: sqlite\n  dsn: file:from-file.db\n"
	if err := os.WriteFile(file, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TALLY_STORE_DSN", "file:from-env.db")

	cfg, err := loadConfig(file)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Errorf("Addr = %q, want file value", cfg.HTTP.Addr)
	}
	if cfg.Refresh.MinInterval != 3*time.Second {
		t.Errorf("MinInterval = %v", cfg.Refresh.MinInterval)
	}
	if cfg.Store.DSN != "file:from-env.db" {
		t.Errorf("DSN = %q, want env override", cfg.Store.DSN)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"TALLY_STORE_DRIVER": "oracle"}},
		{"sql without dsn", map[string]string{"TALLY_STORE_DRIVER": "postgres"}},
		{"bad currency", map[string]string{"TALLY_REFERRAL_CURRENCY": "EURO"}},
		{"bad log level", map[string]string{"TALLY_LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := loadConfig(""); err == nil || !strings.Contains(err.Error(), "invalid config") {
				t.Fatalf("err = %v, want invalid config", err)
			}
		})
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, err := openStore(ctx, StoreConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}

	s, err = openStore(ctx, StoreConfig{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "tally.db") + "?_pragma=busy_timeout(5000)&_time_format=sqlite",
	})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if _, err := openStore(ctx, StoreConfig{Driver: "oracle"}); err == nil {
		t.Error("unknown driver accepted")
	}
}

func TestRunSync(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	prov := providertest.New()
	engine := tally.New(st, tally.WithProvider(prov), tally.WithFetchRetries(0), tally.WithRepairInterval(0))

	end := time.Now().Add(24 * time.Hour)
	prov.PutSubscription(subscription.Snapshot{
		ExternalSubscriptionID: "sub_ext_u1",
		ExternalClientID:       "cus_u1",
		Status:                 subscription.StatusActive,
		CurrentPeriodEnd:       &end,
	})
	if _, err := engine.RecordCheckout(ctx, "u1", "cus_u1", "sub_ext_u1"); err != nil {
		t.Fatalf("RecordCheckout: %v", err)
	}

	var buf bytes.Buffer
	if err := runSync(ctx, engine, []string{"u1", "nobody"}, true, json.NewEncoder(&buf)); err != nil {
		t.Fatalf("runSync: %v", err)
	}

	dec := json.NewDecoder(&buf)
	var lines []map[string]any
	for dec.More() {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			t.Fatal(err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 3 {
		t.Fatalf("lines = %v", lines)
	}
	if lines[1]["status"] != string(tally.SyncNoSubscription) {
		t.Errorf("nobody = %v", lines[1])
	}
	if _, ok := lines[2]["repair"]; !ok {
		t.Errorf("missing repair report: %v", lines[2])
	}
}
