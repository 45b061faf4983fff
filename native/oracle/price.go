// Package oracle resolves the reference price used to bound net-order
// execution during settlement.
package oracle

import (
	"errors"
	"math/big"
	"strings"
	"time"
)

var (
	ErrStalePrice    = errors.New("oracle: no price within staleness bound")
	ErrFeedNotFound  = errors.New("oracle: feed not found")
	ErrInvalidPrice  = errors.New("oracle: price must be positive")
	ErrInvalidFeed   = errors.New("oracle: feed id required")
	ErrNotConfigured = errors.New("oracle: not configured")
)

// Price is a quote of instrument1 per unit of instrument0 for a pool feed.
type Price struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the price.
func (p Price) Clone() Price {
	clone := Price{Timestamp: p.Timestamp, Source: p.Source}
	if p.Rate != nil {
		clone.Rate = new(big.Rat).Set(p.Rate)
	}
	return clone
}

// RateString renders the rate with the supplied number of decimals.
func (p Price) RateString(precision int) string {
	if p.Rate == nil {
		return ""
	}
	if precision < 0 {
		precision = 18
	}
	return p.Rate.FloatString(precision)
}

// PriceOracle returns a price for feedID observed no earlier than maxAge ago.
type PriceOracle interface {
	GetPrice(feedID string, maxAge time.Duration) (Price, error)
}

// Source is a single upstream of quotes without staleness filtering.
type Source interface {
	Quote(feedID string) (Price, error)
}

// NormalizeFeed upper-cases and trims a feed identifier.
func NormalizeFeed(feedID string) string {
	return strings.ToUpper(strings.TrimSpace(feedID))
}

// ParseRate parses a positive decimal or fractional rate.
func ParseRate(raw string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrInvalidPrice
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok || rat.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	return rat, nil
}
