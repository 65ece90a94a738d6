package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/edgeinstall/internal/content"
)

func TestLoadNodeConfigDefaultsAndOverrides(t *testing.T) {
	cfg, err := loadNodeConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NodeID != "edge.local" {
		t.Fatalf("unexpected node id: %q", cfg.NodeID)
	}
	if len(cfg.Indexes) != 2 {
		t.Fatalf("unexpected indexes: %+v", cfg.Indexes)
	}
	if cfg.DataDir != "local/data" {
		t.Fatalf("unexpected data dir: %q", cfg.DataDir)
	}
	if cfg.BusListen != "0.0.0.0:7401" {
		t.Fatalf("unexpected bus listen: %q", cfg.BusListen)
	}
	if len(cfg.BusPeers) != 2 || cfg.BusPeers[1] != "10.0.0.13:7401" {
		t.Fatalf("unexpected bus peers: %+v", cfg.BusPeers)
	}
	if len(cfg.EagerInstall) != 1 || cfg.EagerInstall[0] != "com.example.sensor:1.0.0" {
		t.Fatalf("unexpected eager installs: %+v", cfg.EagerInstall)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Fatalf("unexpected heartbeat: %v", cfg.HeartbeatInterval)
	}
	if cfg.BidWindow != 1500*time.Millisecond {
		t.Fatalf("unexpected bid window: %v", cfg.BidWindow)
	}
	if cfg.NoBidTimeout != 20*time.Second {
		t.Fatalf("unexpected no-bid timeout: %v", cfg.NoBidTimeout)
	}
	if cfg.HTTP.Timeout != 45*time.Second {
		t.Fatalf("unexpected http timeout: %v", cfg.HTTP.Timeout)
	}
	if cfg.HTTP.UserAgent != "edgeinstall-node/0.1" {
		t.Fatalf("unexpected user agent: %q", cfg.HTTP.UserAgent)
	}
	if cfg.HTTP.MaxIdleConns != content.DefaultHTTPConfig().MaxIdleConns {
		t.Fatalf("expected default max idle conns, got %d", cfg.HTTP.MaxIdleConns)
	}
}

func TestLoadNodeConfigKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := os.WriteFile(path, []byte("node_id = \"edge.min\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadNodeConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NodeID != "edge.min" {
		t.Fatalf("unexpected node id: %q", cfg.NodeID)
	}
	if cfg.AdminListen != "127.0.0.1:7400" {
		t.Fatalf("unexpected admin listen: %q", cfg.AdminListen)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("unexpected heartbeat: %v", cfg.HeartbeatInterval)
	}
	if cfg.DataDir != "" {
		t.Fatalf("expected in-memory host, got data dir %q", cfg.DataDir)
	}
}

func TestLoadNodeConfigRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := os.WriteFile(path, []byte("bid_window = \"soon\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadNodeConfig(path); err == nil {
		t.Fatalf("expected bid_window parse error")
	}
}
