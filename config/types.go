package config

// Log controls the process logger.
type Log struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
}

// Auth configures bearer-token authentication on the RPC server. The caller
// address is taken from the token subject.
type Auth struct {
	Enabled bool `toml:"Enabled" yaml:"enabled"`
	// HMACSecretEnv names the environment variable holding the signing secret.
	HMACSecretEnv    string `toml:"HMACSecretEnv" yaml:"hmac_secret_env"`
	Issuer           string `toml:"Issuer" yaml:"issuer"`
	Audience         string `toml:"Audience" yaml:"audience"`
	ClockSkewSeconds int    `toml:"ClockSkewSeconds" yaml:"clock_skew_seconds"`
}

// RateLimit bounds requests per client address.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute" yaml:"requests_per_minute"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// Settlement holds the settlement engine policy.
type Settlement struct {
	MaxPriceAgeSeconds uint64 `toml:"MaxPriceAgeSeconds" yaml:"max_price_age_seconds"`
	MaxDeviationBps    uint32 `toml:"MaxDeviationBps" yaml:"max_deviation_bps"`
}

// Quota limits one participant per epoch. Zero disables a limit.
type Quota struct {
	MaxIntentsPerEpoch uint32 `toml:"MaxIntentsPerEpoch" yaml:"max_intents_per_epoch"`
	MaxDepositPerEpoch uint64 `toml:"MaxDepositPerEpoch" yaml:"max_deposit_per_epoch"`
	EpochSeconds       uint32 `toml:"EpochSeconds" yaml:"epoch_seconds"`
}

// OracleSource is an HTTP price source.
type OracleSource struct {
	Name      string `toml:"Name" yaml:"name"`
	Endpoint  string `toml:"Endpoint" yaml:"endpoint"`
	APIKeyEnv string `toml:"APIKeyEnv" yaml:"api_key_env"`
}

// Oracle lists external price sources. Prices posted through the RPC are
// always consulted after them.
type Oracle struct {
	Sources []OracleSource `toml:"Sources" yaml:"sources"`
}

// Exchange configures the built-in constant-product net exchange.
type Exchange struct {
	FeeBps uint32 `toml:"FeeBps" yaml:"fee_bps"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sample_ratio"`
}

// Pool is registered at startup when missing. Seed amounts prime the net
// exchange liquidity for the pair.
type Pool struct {
	SymbolA   string `toml:"SymbolA" yaml:"symbol_a"`
	SymbolB   string `toml:"SymbolB" yaml:"symbol_b"`
	Authority string `toml:"Authority" yaml:"authority"`
	FeedID    string `toml:"FeedID" yaml:"feed_id"`
	SeedA     string `toml:"SeedA" yaml:"seed_a"`
	SeedB     string `toml:"SeedB" yaml:"seed_b"`
}
