package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OUTPOST_CONFIG", "OUTPOST_LISTEN", "OUTPOST_DOMAIN", "OUTPOST_DB_PATH",
		"OUTPOST_TLS_MODE", "OUTPOST_CERT_CACHE_DIR", "OUTPOST_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func clearAgentEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"OUTPOST_RELAY", "OUTPOST_PORT", "OUTPOST_TRANSPORT", "OUTPOST_LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}

func TestParseRelayFlagsDefaults(t *testing.T) {
	clearRelayEnv(t)

	cfg, err := ParseRelayFlags([]string{"-domain", "relay.example.com"})
	if err != nil {
		t.Fatalf("ParseRelayFlags: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("default listen addr: %q", cfg.ListenAddr)
	}
	if cfg.BaseDomain != "relay.example.com" {
		t.Fatalf("base domain: %q", cfg.BaseDomain)
	}
	if cfg.TLSMode != "off" {
		t.Fatalf("default tls mode: %q", cfg.TLSMode)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("default request timeout: %v", cfg.RequestTimeout)
	}
	if cfg.PendingCeiling != 60*time.Second {
		t.Fatalf("default pending ceiling: %v", cfg.PendingCeiling)
	}
	if cfg.MaxBodyBytes != 10*1024*1024 {
		t.Fatalf("default max body bytes: %d", cfg.MaxBodyBytes)
	}
}

func TestParseRelayFlagsRequiresDomain(t *testing.T) {
	clearRelayEnv(t)

	if _, err := ParseRelayFlags(nil); err == nil {
		t.Fatal("expected missing domain error")
	}
}

func TestParseRelayFlagsNormalizesDomain(t *testing.T) {
	clearRelayEnv(t)

	cfg, err := ParseRelayFlags([]string{"-domain", "https://Relay.Example.COM:443/path"})
	if err != nil {
		t.Fatalf("ParseRelayFlags: %v", err)
	}
	if cfg.BaseDomain != "relay.example.com" {
		t.Fatalf("normalized domain: %q", cfg.BaseDomain)
	}
}

func TestParseRelayFlagsRejectsBadTLSMode(t *testing.T) {
	clearRelayEnv(t)

	if _, err := ParseRelayFlags([]string{"-domain", "relay.test", "-tls", "manual"}); err == nil {
		t.Fatal("expected bad tls mode to be rejected")
	}
}

func TestParseRelayFlagsEnvFallback(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("OUTPOST_DOMAIN", "relay.env.test")
	t.Setenv("OUTPOST_LISTEN", ":9999")

	cfg, err := ParseRelayFlags(nil)
	if err != nil {
		t.Fatalf("ParseRelayFlags: %v", err)
	}
	if cfg.BaseDomain != "relay.env.test" || cfg.ListenAddr != ":9999" {
		t.Fatalf("env fallback not applied: %+v", cfg)
	}
}

func TestParseRelayFlagsRaisesCeilingAboveTimeout(t *testing.T) {
	clearRelayEnv(t)

	cfg, err := ParseRelayFlags([]string{"-domain", "relay.test", "-request-timeout", "45s"})
	if err != nil {
		t.Fatalf("ParseRelayFlags: %v", err)
	}
	if cfg.PendingCeiling < cfg.RequestTimeout {
		t.Fatalf("pending ceiling %v below request timeout %v", cfg.PendingCeiling, cfg.RequestTimeout)
	}
}

func TestParseRelayFlagsConfigFile(t *testing.T) {
	clearRelayEnv(t)

	path := filepath.Join(t.TempDir(), "outpost.yaml")
	data := []byte("listen: \":7070\"\ndomain: relay.file.test\nlog_level: debug\nrequest_timeout_seconds: 12\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	// Flags win over the file; unset fields come from the file.
	cfg, err := ParseRelayFlags([]string{"-config", path, "-listen", ":6060"})
	if err != nil {
		t.Fatalf("ParseRelayFlags: %v", err)
	}
	if cfg.ListenAddr != ":6060" {
		t.Fatalf("flag should beat file, got listen %q", cfg.ListenAddr)
	}
	if cfg.BaseDomain != "relay.file.test" {
		t.Fatalf("file domain not applied: %q", cfg.BaseDomain)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("file log level not applied: %q", cfg.LogLevel)
	}
	if cfg.RequestTimeout != 12*time.Second {
		t.Fatalf("file request timeout not applied: %v", cfg.RequestTimeout)
	}
}

func TestParseRelayFlagsRejectsBadConfigFile(t *testing.T) {
	clearRelayEnv(t)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("listen: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	if _, err := ParseRelayFlags([]string{"-config", path, "-domain", "relay.test"}); err == nil {
		t.Fatal("expected YAML parse error")
	}
}

func TestParseAgentFlags(t *testing.T) {
	clearAgentEnv(t)

	cfg, err := ParseAgentFlags([]string{"-relay", "https://relay.example.com/", "-port", "3000"})
	if err != nil {
		t.Fatalf("ParseAgentFlags: %v", err)
	}
	if cfg.RelayURL != "https://relay.example.com" {
		t.Fatalf("relay url not trimmed: %q", cfg.RelayURL)
	}
	if cfg.TargetPort != 3000 {
		t.Fatalf("target port: %d", cfg.TargetPort)
	}
	if cfg.Transport != "ws" {
		t.Fatalf("default transport: %q", cfg.Transport)
	}
}

func TestParseAgentFlagsValidation(t *testing.T) {
	clearAgentEnv(t)

	cases := map[string][]string{
		"missing relay":  {"-port", "3000"},
		"missing port":   {"-relay", "http://r.test"},
		"port too large": {"-relay", "http://r.test", "-port", "70000"},
		"bad transport":  {"-relay", "http://r.test", "-port", "3000", "-transport", "carrier-pigeon"},
	}
	for name, args := range cases {
		if _, err := ParseAgentFlags(args); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseAgentFlagsEnvFallback(t *testing.T) {
	clearAgentEnv(t)
	t.Setenv("OUTPOST_RELAY", "http://relay.env.test")
	t.Setenv("OUTPOST_PORT", "4321")
	t.Setenv("OUTPOST_TRANSPORT", "sse")

	cfg, err := ParseAgentFlags(nil)
	if err != nil {
		t.Fatalf("ParseAgentFlags: %v", err)
	}
	if cfg.RelayURL != "http://relay.env.test" || cfg.TargetPort != 4321 || cfg.Transport != "sse" {
		t.Fatalf("env fallback not applied: %+v", cfg)
	}
}
