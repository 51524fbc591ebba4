package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/fleetctl/internal/fleet"
)

type fileConfig struct {
	SectorsConfig       string `toml:"sectors_config"`
	MasterServersConfig string `toml:"master_servers_config"`
	SecurityConfig      string `toml:"security_config"`

	Store       string `toml:"store"`
	PostgresURL string `toml:"postgres_url"`

	Cache      string `toml:"cache"`
	NATSURL    string `toml:"nats_url"`
	NATSBucket string `toml:"nats_bucket"`

	ReconcileInterval string `toml:"reconcile_interval"`
	ProbeInterval     string `toml:"probe_interval"`
	ProbeConcurrency  int    `toml:"probe_concurrency"`
	ConnectAttempts   int    `toml:"connect_attempts"`

	AgentPort      int    `toml:"agent_port"`
	ConnectTimeout string `toml:"connect_timeout"`
	ReadTimeout    string `toml:"read_timeout"`
	WriteTimeout   string `toml:"write_timeout"`

	TLSEnabled    bool   `toml:"tls_enabled"`
	TLSCAFile     string `toml:"tls_ca_file"`
	TLSServerName string `toml:"tls_server_name"`

	AdminListenAddr string `toml:"admin_listen_addr"`
}

// loadServiceConfig overlays path onto fleet defaults. Relative document
// paths resolve against the directory holding the config file.
func loadServiceConfig(path string) (fleet.ServiceConfig, error) {
	cfg := fleet.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fleet.ServiceConfig{}, fmt.Errorf("load fleet config: %w", err)
	}
	base := filepath.Dir(path)

	if meta.IsDefined("sectors_config") {
		cfg.SectorsPath = raw.SectorsConfig
	}
	if meta.IsDefined("master_servers_config") {
		cfg.MastersPath = raw.MasterServersConfig
	}
	if meta.IsDefined("security_config") {
		cfg.SecurityPath = raw.SecurityConfig
	}
	cfg.SectorsPath = resolvePath(base, cfg.SectorsPath)
	cfg.MastersPath = resolvePath(base, cfg.MastersPath)
	cfg.SecurityPath = resolvePath(base, cfg.SecurityPath)

	if meta.IsDefined("store") {
		cfg.Store = strings.ToLower(strings.TrimSpace(raw.Store))
	}
	if meta.IsDefined("postgres_url") {
		cfg.PostgresURL = strings.TrimSpace(raw.PostgresURL)
	}
	if meta.IsDefined("cache") {
		cfg.Cache = strings.ToLower(strings.TrimSpace(raw.Cache))
	}
	if meta.IsDefined("nats_url") {
		cfg.NATSURL = strings.TrimSpace(raw.NATSURL)
	}
	if meta.IsDefined("nats_bucket") {
		cfg.NATSBucket = strings.TrimSpace(raw.NATSBucket)
	}

	if meta.IsDefined("reconcile_interval") {
		d, err := parseDuration("reconcile_interval", raw.ReconcileInterval)
		if err != nil {
			return fleet.ServiceConfig{}, err
		}
		cfg.ReconcileInterval = d
	}
	if meta.IsDefined("probe_interval") {
		d, err := parseDuration("probe_interval", raw.ProbeInterval)
		if err != nil {
			return fleet.ServiceConfig{}, err
		}
		cfg.ProbeInterval = d
	}
	if meta.IsDefined("probe_concurrency") {
		cfg.ProbeConcurrency = raw.ProbeConcurrency
	}
	if meta.IsDefined("connect_attempts") {
		cfg.ConnectAttempts = raw.ConnectAttempts
	}

	if meta.IsDefined("agent_port") {
		cfg.Session.AgentPort = raw.AgentPort
	}
	if meta.IsDefined("connect_timeout") {
		d, err := parseDuration("connect_timeout", raw.ConnectTimeout)
		if err != nil {
			return fleet.ServiceConfig{}, err
		}
		cfg.Session.ConnectTimeout = d
	}
	if meta.IsDefined("read_timeout") {
		d, err := parseDuration("read_timeout", raw.ReadTimeout)
		if err != nil {
			return fleet.ServiceConfig{}, err
		}
		cfg.Session.ReadTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := parseDuration("write_timeout", raw.WriteTimeout)
		if err != nil {
			return fleet.ServiceConfig{}, err
		}
		cfg.Session.WriteTimeout = d
	}

	if meta.IsDefined("tls_enabled") {
		cfg.Session.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Session.TLS.CAFile = resolvePath(base, raw.TLSCAFile)
	}
	if meta.IsDefined("tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}

	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func resolvePath(base, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
