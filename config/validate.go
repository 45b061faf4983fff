package config

import (
	"fmt"
	"math/big"
	"strings"

	"cipherpool/crypto"
)

const maxBps = 10_000

var knownModules = map[string]struct{}{"pool": {}, "intents": {}, "settlement": {}}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress required")
	}
	if c.Settlement.MaxDeviationBps >= maxBps {
		return fmt.Errorf("settlement: MaxDeviationBps must be below %d", maxBps)
	}
	if c.Exchange.FeeBps >= maxBps {
		return fmt.Errorf("exchange: FeeBps must be below %d", maxBps)
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecretEnv) == "" {
		return fmt.Errorf("auth: HMACSecretEnv required when auth is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0,1]")
	}
	for _, m := range c.Paused {
		if _, ok := knownModules[strings.TrimSpace(m)]; !ok {
			return fmt.Errorf("config: unknown paused module %q", m)
		}
	}
	for i, src := range c.Oracle.Sources {
		if strings.TrimSpace(src.Name) == "" || strings.TrimSpace(src.Endpoint) == "" {
			return fmt.Errorf("oracle: source %d requires name and endpoint", i)
		}
	}
	for i, p := range c.Pools {
		if strings.TrimSpace(p.SymbolA) == "" || strings.TrimSpace(p.SymbolB) == "" {
			return fmt.Errorf("pools[%d]: both symbols required", i)
		}
		if _, err := crypto.ParseParticipant(p.Authority); err != nil {
			return fmt.Errorf("pools[%d]: authority: %w", i, err)
		}
		for _, seed := range []string{p.SeedA, p.SeedB} {
			if _, err := ParseAmount(seed); err != nil {
				return fmt.Errorf("pools[%d]: seed: %w", i, err)
			}
		}
	}
	return nil
}

// ParseAmount parses a non-negative decimal amount. Empty means zero.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}
