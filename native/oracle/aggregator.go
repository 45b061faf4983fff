package oracle

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

// FeedHealth summarises recent observations for a feed.
type FeedHealth struct {
	Feed         string
	LastObserved time.Time
	Observations int
	Source       string
	Median       *big.Rat
}

// HealthReporter is implemented by oracles that keep observation history.
type HealthReporter interface {
	Health() []FeedHealth
}

// Aggregator consults registered sources in priority order until one returns
// a price that satisfies the requested staleness bound.
type Aggregator struct {
	mu         sync.RWMutex
	priority   []string
	sources    map[string]Source
	history    map[string][]Price
	historyCap int
	nowFn      func() time.Time
}

// NewAggregator constructs an aggregator consulting sources in the supplied
// priority order.
func NewAggregator(priority []string) *Aggregator {
	prio := make([]string, 0, len(priority))
	for _, name := range priority {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			prio = append(prio, trimmed)
		}
	}
	return &Aggregator{
		priority:   prio,
		sources:    make(map[string]Source),
		history:    make(map[string][]Price),
		historyCap: 64,
		nowFn:      time.Now,
	}
}

// SetNowFunc overrides the clock used for staleness checks.
func (a *Aggregator) SetNowFunc(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	a.nowFn = now
}

// Register adds or replaces a source. Unknown names are appended to the
// priority list.
func (a *Aggregator) Register(name string, source Source) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" || source == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources[trimmed] = source
	for _, entry := range a.priority {
		if entry == trimmed {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// GetPrice implements PriceOracle.
func (a *Aggregator) GetPrice(feedID string, maxAge time.Duration) (Price, error) {
	if a == nil {
		return Price{}, ErrNotConfigured
	}
	feed := NormalizeFeed(feedID)
	if feed == "" {
		return Price{}, ErrInvalidFeed
	}
	a.mu.RLock()
	priority := append([]string(nil), a.priority...)
	now := a.nowFn()
	a.mu.RUnlock()

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = now.Add(-maxAge)
	}
	var lastErr error
	for _, name := range priority {
		a.mu.RLock()
		source := a.sources[name]
		a.mu.RUnlock()
		if source == nil {
			continue
		}
		price, err := source.Quote(feed)
		if err != nil {
			lastErr = err
			continue
		}
		if price.Rate == nil || price.Rate.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle %s returned invalid rate", name)
			continue
		}
		if maxAge > 0 && price.Timestamp.Before(cutoff) {
			lastErr = ErrStalePrice
			continue
		}
		result := price.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = name
		}
		a.record(feed, result)
		return result, nil
	}
	if lastErr == nil {
		lastErr = ErrFeedNotFound
	}
	return Price{}, fmt.Errorf("%w: %s: %v", ErrStalePrice, feed, lastErr)
}

func (a *Aggregator) record(feed string, price Price) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bucket := append(a.history[feed], price.Clone())
	if a.historyCap > 0 && len(bucket) > a.historyCap {
		bucket = append([]Price(nil), bucket[len(bucket)-a.historyCap:]...)
	}
	a.history[feed] = bucket
}

// median returns the median rate of samples, which must be non-empty.
func median(samples []Price) *big.Rat {
	values := make([]*big.Rat, 0, len(samples))
	for _, s := range samples {
		values = append(values, new(big.Rat).Set(s.Rate))
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Cmp(values[j]) < 0 })
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	sum := new(big.Rat).Add(values[mid-1], values[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}

// Health reports the last observation, sample count and median rate of the
// recorded history per feed.
func (a *Aggregator) Health() []FeedHealth {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	feeds := make([]FeedHealth, 0, len(a.history))
	for feed, samples := range a.history {
		if len(samples) == 0 {
			continue
		}
		last := samples[len(samples)-1]
		feeds = append(feeds, FeedHealth{
			Feed:         feed,
			LastObserved: last.Timestamp,
			Observations: len(samples),
			Source:       last.Source,
			Median:       median(samples),
		})
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].Feed < feeds[j].Feed })
	return feeds
}
