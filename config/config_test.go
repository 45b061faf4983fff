package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cipherpool/crypto"
)

var (
	testAuthority     = crypto.FormatAddress([20]byte{0x42, 19: 0x24})
	testPoolAuthority = crypto.NewAddress(crypto.PoolPrefix, [20]byte{0x42}).String()
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != Default().RPCAddress {
		t.Fatalf("unexpected rpc address %q", cfg.RPCAddress)
	}
	if cfg.KeystorePath != filepath.Join(filepath.Dir(path), "authority.keystore") {
		t.Fatalf("unexpected keystore path %q", cfg.KeystorePath)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not persisted: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Settlement != cfg.Settlement || again.DataDir != cfg.DataDir {
		t.Fatalf("reload mismatch: %+v vs %+v", again, cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `RPCAddress = "0.0.0.0:9000"
DataDir = "/var/lib/cipherpool"
Paused = ["settlement"]

[settlement]
MaxPriceAgeSeconds = 120
MaxDeviationBps = 250

[quota]
MaxIntentsPerEpoch = 10

[[pools]]
SymbolA = "eth"
SymbolB = "usdc"
Authority = "`+testAuthority+`"
SeedA = "1000"
SeedB = "2000000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != "0.0.0.0:9000" || cfg.Settlement.MaxPriceAgeSeconds != 120 || cfg.Settlement.MaxDeviationBps != 250 {
		t.Fatalf("unexpected settlement config: %+v", cfg)
	}
	if cfg.Quota.MaxIntentsPerEpoch != 10 || cfg.Quota.EpochSeconds != 3600 {
		t.Fatalf("quota defaults not applied: %+v", cfg.Quota)
	}
	if cfg.EventLogDSN != filepath.Join("/var/lib/cipherpool", "events.db") {
		t.Fatalf("unexpected event log dsn %q", cfg.EventLogDSN)
	}
	if len(cfg.Pools) != 1 || cfg.Pools[0].SymbolB != "usdc" {
		t.Fatalf("pools not decoded: %+v", cfg.Pools)
	}
	if !cfg.Auth.Enabled {
		t.Fatalf("auth must default to enabled")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `rpc_address: "127.0.0.1:7000"
auth:
  enabled: false
settlement:
  max_deviation_bps: 100
telemetry:
  traces: true
  sample_ratio: 0.25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != "127.0.0.1:7000" || cfg.Auth.Enabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Settlement.MaxDeviationBps != 100 || cfg.Settlement.MaxPriceAgeSeconds != 600 {
		t.Fatalf("unexpected settlement: %+v", cfg.Settlement)
	}
	if !cfg.Telemetry.Traces || cfg.Telemetry.SampleRatio != 0.25 {
		t.Fatalf("unexpected telemetry: %+v", cfg.Telemetry)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "Bogus = 1\n",
		"deviation":       "[settlement]\nMaxDeviationBps = 10000\n",
		"paused module":   `Paused = ["lending"]` + "\n",
		"pool authority":  "[[pools]]\nSymbolA = \"A\"\nSymbolB = \"B\"\nAuthority = \"nope\"\n",
		"pool account":    "[[pools]]\nSymbolA = \"A\"\nSymbolB = \"B\"\nAuthority = \"" + testPoolAuthority + "\"\n",
		"pool seed":       "[[pools]]\nSymbolA = \"A\"\nSymbolB = \"B\"\nAuthority = \"" + testAuthority + "\"\nSeedA = \"-1\"\n",
		"oracle endpoint": "[oracle]\n[[oracle.Sources]]\nName = \"x\"\n",
	}
	for name, contents := range cases {
		path := writeFile(t, "config.toml", contents)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseAmount(t *testing.T) {
	if v, err := ParseAmount(" "); err != nil || v.Sign() != 0 {
		t.Fatalf("empty amount should be zero")
	}
	if v, err := ParseAmount("123456789012345678901234567890"); err != nil || !strings.HasPrefix(v.String(), "1234") {
		t.Fatalf("large amount: %v %v", v, err)
	}
	if _, err := ParseAmount("1.5"); err == nil {
		t.Fatalf("fractions must be rejected")
	}
}

func TestSecretFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv(cfg.Auth.HMACSecretEnv, "  s3cret ")
	if cfg.Secret() != "s3cret" {
		t.Fatalf("unexpected secret %q", cfg.Secret())
	}
}
