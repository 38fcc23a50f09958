// Package config parses relay and agent configuration from flags,
// OUTPOST_* environment variables, and an optional YAML config file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig configures the public relay server.
type RelayConfig struct {
	ListenAddr        string
	BaseDomain        string
	DBPath            string
	TLSMode           string // "off" or "auto"
	CertCacheDir      string
	LogLevel          string
	RequestTimeout    time.Duration
	PendingCeiling    time.Duration
	MaxBodyBytes      int64
	SessionIdleWindow time.Duration
	SessionSweepEvery time.Duration
	PendingSweepEvery time.Duration
	HeartbeatTimeout  time.Duration
}

// AgentConfig configures the developer-side agent.
type AgentConfig struct {
	RelayURL     string
	TargetPort   int
	Transport    string // "ws" or "sse"
	EnableP2P    bool
	LogLevel     string
	PingInterval time.Duration
	DialTimeout  time.Duration
}

const (
	defaultListenAddr        = ":8080"
	defaultDBPath            = "./outpost.db"
	defaultCertCacheDir      = "./cert"
	defaultRequestTimeout    = 30 * time.Second
	defaultPendingCeiling    = 60 * time.Second
	defaultMaxBodyBytes      = 10 * 1024 * 1024
	defaultSessionIdleWindow = 24 * time.Hour
	defaultSessionSweepEvery = 10 * time.Minute
	defaultPendingSweepEvery = 15 * time.Second
	defaultHeartbeatTimeout  = 90 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultAgentDialTimeout  = 10 * time.Second
)

// relayFileConfig is the YAML shape accepted via -config. File values act as
// defaults; flags and environment variables win.
type relayFileConfig struct {
	Listen            string `yaml:"listen"`
	Domain            string `yaml:"domain"`
	DBPath            string `yaml:"db_path"`
	TLSMode           string `yaml:"tls_mode"`
	CertCacheDir      string `yaml:"cert_cache_dir"`
	LogLevel          string `yaml:"log_level"`
	RequestTimeoutSec int    `yaml:"request_timeout_seconds"`
	SessionIdleHours  int    `yaml:"session_idle_hours"`
}

// ParseRelayFlags builds a RelayConfig from args and the environment.
func ParseRelayFlags(args []string) (RelayConfig, error) {
	cfg := RelayConfig{
		ListenAddr:        envOrDefault("OUTPOST_LISTEN", defaultListenAddr),
		BaseDomain:        envOrDefault("OUTPOST_DOMAIN", ""),
		DBPath:            envOrDefault("OUTPOST_DB_PATH", defaultDBPath),
		TLSMode:           envOrDefault("OUTPOST_TLS_MODE", "off"),
		CertCacheDir:      envOrDefault("OUTPOST_CERT_CACHE_DIR", defaultCertCacheDir),
		LogLevel:          envOrDefault("OUTPOST_LOG_LEVEL", "info"),
		RequestTimeout:    defaultRequestTimeout,
		PendingCeiling:    defaultPendingCeiling,
		MaxBodyBytes:      defaultMaxBodyBytes,
		SessionIdleWindow: defaultSessionIdleWindow,
		SessionSweepEvery: defaultSessionSweepEvery,
		PendingSweepEvery: defaultPendingSweepEvery,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
	}

	var configFile string
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&configFile, "config", envOrDefault("OUTPOST_CONFIG", ""), "YAML config file (optional)")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Listen address")
	fs.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "Public base domain, e.g. relay.example.com")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.TLSMode, "tls", cfg.TLSMode, "TLS mode: off|auto")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "TLS cert cache dir")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Forwarded request deadline")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if configFile != "" {
		if err := applyRelayFile(&cfg, configFile, fs); err != nil {
			return cfg, err
		}
	}

	cfg.BaseDomain = normalizeDomainHost(cfg.BaseDomain)
	if cfg.BaseDomain == "" {
		return cfg, errors.New("missing --domain or OUTPOST_DOMAIN")
	}
	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	switch cfg.TLSMode {
	case "off", "auto":
	default:
		return cfg, errors.New("tls mode must be one of: off, auto")
	}
	if cfg.RequestTimeout <= 0 {
		return cfg, errors.New("request timeout must be > 0")
	}
	if cfg.PendingCeiling < cfg.RequestTimeout {
		cfg.PendingCeiling = 2 * cfg.RequestTimeout
	}
	return cfg, nil
}

// ParseAgentFlags builds an AgentConfig from args and the environment.
func ParseAgentFlags(args []string) (AgentConfig, error) {
	cfg := AgentConfig{
		RelayURL:     envOrDefault("OUTPOST_RELAY", ""),
		TargetPort:   envIntOrDefault("OUTPOST_PORT", 0),
		Transport:    envOrDefault("OUTPOST_TRANSPORT", "ws"),
		LogLevel:     envOrDefault("OUTPOST_LOG_LEVEL", "info"),
		PingInterval: defaultPingInterval,
		DialTimeout:  defaultAgentDialTimeout,
	}

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "Relay base URL (e.g. https://relay.example.com)")
	fs.IntVar(&cfg.TargetPort, "port", cfg.TargetPort, "Local target port on 127.0.0.1")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport: ws|sse")
	fs.BoolVar(&cfg.EnableP2P, "p2p", false, "Enable peer negotiation upgrade")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.RelayURL = strings.TrimRight(strings.TrimSpace(cfg.RelayURL), "/")
	if cfg.RelayURL == "" {
		return cfg, errors.New("missing --relay or OUTPOST_RELAY")
	}
	if cfg.TargetPort == 0 {
		return cfg, errors.New("missing --port or OUTPOST_PORT")
	}
	if cfg.TargetPort <= 0 || cfg.TargetPort > 65535 {
		return cfg, errors.New("target port must be between 1 and 65535")
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport != "ws" && cfg.Transport != "sse" {
		return cfg, errors.New("transport must be one of: ws, sse")
	}
	return cfg, nil
}

// applyRelayFile merges file values into cfg for every field the user did
// not set explicitly on the command line.
func applyRelayFile(cfg *RelayConfig, path string, fs *flag.FlagSet) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file relayFileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if file.Listen != "" && !set["listen"] && os.Getenv("OUTPOST_LISTEN") == "" {
		cfg.ListenAddr = file.Listen
	}
	if file.Domain != "" && !set["domain"] && os.Getenv("OUTPOST_DOMAIN") == "" {
		cfg.BaseDomain = file.Domain
	}
	if file.DBPath != "" && !set["db"] && os.Getenv("OUTPOST_DB_PATH") == "" {
		cfg.DBPath = file.DBPath
	}
	if file.TLSMode != "" && !set["tls"] && os.Getenv("OUTPOST_TLS_MODE") == "" {
		cfg.TLSMode = file.TLSMode
	}
	if file.CertCacheDir != "" && !set["cert-cache-dir"] && os.Getenv("OUTPOST_CERT_CACHE_DIR") == "" {
		cfg.CertCacheDir = file.CertCacheDir
	}
	if file.LogLevel != "" && !set["log-level"] && os.Getenv("OUTPOST_LOG_LEVEL") == "" {
		cfg.LogLevel = file.LogLevel
	}
	if file.RequestTimeoutSec > 0 && !set["request-timeout"] {
		cfg.RequestTimeout = time.Duration(file.RequestTimeoutSec) * time.Second
	}
	if file.SessionIdleHours > 0 {
		cfg.SessionIdleWindow = time.Duration(file.SessionIdleHours) * time.Hour
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
