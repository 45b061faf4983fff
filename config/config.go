package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EventLogDisabled as EventLogDSN keeps recent events in memory instead of a
// database.
const EventLogDisabled = "off"

// Config is the cipherpoold node configuration.
type Config struct {
	Env          string `toml:"Env" yaml:"env"`
	RPCAddress   string `toml:"RPCAddress" yaml:"rpc_address"`
	DataDir      string `toml:"DataDir" yaml:"data_dir"`
	EventLogDSN  string `toml:"EventLogDSN" yaml:"event_log_dsn"`
	KeystorePath string `toml:"KeystorePath" yaml:"keystore_path"`
	// PassphraseEnv names the variable holding the keystore passphrase.
	PassphraseEnv string `toml:"PassphraseEnv" yaml:"passphrase_env"`
	// Paused lists sub-modules whose pause guard is engaged at startup.
	Paused []string `toml:"Paused" yaml:"paused"`

	Log        Log        `toml:"log" yaml:"log"`
	Auth       Auth       `toml:"auth" yaml:"auth"`
	RateLimit  RateLimit  `toml:"rate_limit" yaml:"rate_limit"`
	Settlement Settlement `toml:"settlement" yaml:"settlement"`
	Quota      Quota      `toml:"quota" yaml:"quota"`
	Oracle     Oracle     `toml:"oracle" yaml:"oracle"`
	Exchange   Exchange   `toml:"exchange" yaml:"exchange"`
	Telemetry  Telemetry  `toml:"telemetry" yaml:"telemetry"`
	Pools      []Pool     `toml:"pools" yaml:"pools"`
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		Env:           "local",
		RPCAddress:    "127.0.0.1:8645",
		DataDir:       "./cipherpool-data",
		PassphraseEnv: "CIPHERPOOL_KEYSTORE_PASSPHRASE",
		Log:           Log{Level: "info"},
		Auth: Auth{
			Enabled:          true,
			HMACSecretEnv:    "CIPHERPOOL_JWT_SECRET",
			Issuer:           "cipherpool",
			ClockSkewSeconds: 120,
		},
		RateLimit:  RateLimit{RequestsPerMinute: 600, Burst: 60},
		Settlement: Settlement{MaxPriceAgeSeconds: 600, MaxDeviationBps: 500},
		Quota:      Quota{EpochSeconds: 3600},
		Exchange:   Exchange{FeeBps: 30},
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads the configuration at path. TOML is the native format; files
// ending in .yaml or .yml are decoded as YAML. A missing file is created with
// defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.applyDefaults(path)
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg := Default()
	if isYAML(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown key %s in %s", undecoded[0], path)
		}
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(path string) {
	def := Default()
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = def.RPCAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if strings.TrimSpace(c.KeystorePath) == "" {
		c.KeystorePath = filepath.Join(filepath.Dir(path), "authority.keystore")
	}
	if strings.TrimSpace(c.EventLogDSN) == "" {
		c.EventLogDSN = filepath.Join(c.DataDir, "events.db")
	}
	if c.Settlement.MaxPriceAgeSeconds == 0 {
		c.Settlement.MaxPriceAgeSeconds = def.Settlement.MaxPriceAgeSeconds
	}
	if c.Settlement.MaxDeviationBps == 0 {
		c.Settlement.MaxDeviationBps = def.Settlement.MaxDeviationBps
	}
	if c.Quota.EpochSeconds == 0 {
		c.Quota.EpochSeconds = def.Quota.EpochSeconds
	}
	if c.Paused == nil {
		c.Paused = []string{}
	}
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

// Secret resolves the JWT signing secret from the environment.
func (c *Config) Secret() string {
	return strings.TrimSpace(os.Getenv(c.Auth.HMACSecretEnv))
}
