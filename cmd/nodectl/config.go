package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgeinstall/internal/node"
)

type fileConfig struct {
	NodeID            string         `toml:"node_id"`
	Indexes           []string       `toml:"indexes"`
	CacheDir          string         `toml:"cache_dir"`
	DataDir           string         `toml:"data_dir"`
	AdminListen       string         `toml:"admin_listen"`
	BusListen         string         `toml:"bus_listen"`
	BusPeers          []string       `toml:"bus_peers"`
	EagerInstall      []string       `toml:"eager_install"`
	HeartbeatInterval string         `toml:"heartbeat_interval"`
	BidWindow         string         `toml:"bid_window"`
	NoBidTimeout      string         `toml:"no_bid_timeout"`
	CORSOrigins       []string       `toml:"cors_origins"`
	HTTP              fileHTTPConfig `toml:"http"`
}

type fileHTTPConfig struct {
	Timeout      string `toml:"timeout"`
	UserAgent    string `toml:"user_agent"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// loadNodeConfig overlays the keys present in path onto node.DefaultConfig.
func loadNodeConfig(path string) (node.Config, error) {
	cfg := node.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return node.Config{}, fmt.Errorf("load node config: %w", err)
	}

	if meta.IsDefined("node_id") {
		cfg.NodeID = strings.TrimSpace(raw.NodeID)
	}
	if meta.IsDefined("indexes") {
		cfg.Indexes = normalizeList(raw.Indexes)
	}
	if meta.IsDefined("cache_dir") {
		cfg.CacheDir = strings.TrimSpace(raw.CacheDir)
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("admin_listen") {
		cfg.AdminListen = strings.TrimSpace(raw.AdminListen)
	}
	if meta.IsDefined("bus_listen") {
		cfg.BusListen = strings.TrimSpace(raw.BusListen)
	}
	if meta.IsDefined("bus_peers") {
		cfg.BusPeers = normalizeList(raw.BusPeers)
	}
	if meta.IsDefined("eager_install") {
		cfg.EagerInstall = normalizeList(raw.EagerInstall)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"bid_window", raw.BidWindow, &cfg.BidWindow},
		{"no_bid_timeout", raw.NoBidTimeout, &cfg.NoBidTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return node.Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("http", "timeout") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.HTTP.Timeout))
		if err != nil {
			return node.Config{}, fmt.Errorf("parse http.timeout: %w", err)
		}
		cfg.HTTP.Timeout = v
	}
	if meta.IsDefined("http", "user_agent") {
		cfg.HTTP.UserAgent = strings.TrimSpace(raw.HTTP.UserAgent)
	}
	if meta.IsDefined("http", "max_idle_conns") {
		cfg.HTTP.MaxIdleConns = raw.HTTP.MaxIdleConns
	}

	return cfg, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
