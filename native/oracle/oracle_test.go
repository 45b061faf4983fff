package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cipherpool/core/state"
	"cipherpool/storage"
)

type sourceFunc func(feed string) (Price, error)

func (f sourceFunc) Quote(feed string) (Price, error) { return f(feed) }

func newStore() *Store {
	return NewStore(state.NewManager(storage.NewMemDB()))
}

func TestStorePostAndQuote(t *testing.T) {
	store := newStore()
	ts := time.Unix(1_700_000_000, 0)
	rate, err := ParseRate("0.97")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := store.Post("eth/usdc", rate, ts, ""); err != nil {
		t.Fatalf("post: %v", err)
	}
	price, err := store.Quote("ETH/USDC")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if price.RateString(2) != "0.97" || !price.Timestamp.Equal(ts) || price.Source != "posted" {
		t.Fatalf("unexpected price: %+v", price)
	}
	if err := store.Post("ETH/USDC", rate, ts.Add(-time.Second), "manual"); err == nil {
		t.Fatalf("expected older observation to be rejected")
	}
	if _, err := store.Quote("BTC/USDC"); !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("expected ErrFeedNotFound, got %v", err)
	}
	if err := store.Post("ETH/USDC", big.NewRat(-1, 1), ts, ""); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestAggregatorStaleness(t *testing.T) {
	store := newStore()
	now := time.Unix(1_700_000_600, 0)
	agg := NewAggregator([]string{"posted"})
	agg.Register("posted", store)
	agg.SetNowFunc(func() time.Time { return now })

	if err := store.Post("ETH/USDC", big.NewRat(3, 1), now.Add(-601*time.Second), ""); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := agg.GetPrice("ETH/USDC", 600*time.Second); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if err := store.Post("ETH/USDC", big.NewRat(3, 1), now.Add(-600*time.Second), ""); err != nil {
		t.Fatalf("post: %v", err)
	}
	price, err := agg.GetPrice("ETH/USDC", 600*time.Second)
	if err != nil {
		t.Fatalf("price at the bound must be accepted: %v", err)
	}
	if price.Rate.Cmp(big.NewRat(3, 1)) != 0 {
		t.Fatalf("unexpected rate %s", price.Rate)
	}
	if _, err := agg.GetPrice("BTC/USDC", time.Minute); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("missing feed must fail the staleness check, got %v", err)
	}
}

func TestAggregatorPriorityFallback(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	agg := NewAggregator([]string{"primary", "backup"})
	agg.SetNowFunc(func() time.Time { return now })
	agg.Register("primary", sourceFunc(func(string) (Price, error) {
		return Price{}, fmt.Errorf("primary down")
	}))
	agg.Register("backup", sourceFunc(func(string) (Price, error) {
		return Price{Rate: big.NewRat(5, 4), Timestamp: now}, nil
	}))
	price, err := agg.GetPrice("ETH/USDC", time.Minute)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if price.Source != "backup" {
		t.Fatalf("expected backup source, got %s", price.Source)
	}
	health := agg.Health()
	if len(health) != 1 || health[0].Feed != "ETH/USDC" || health[0].Observations != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}
	if health[0].Median.Cmp(big.NewRat(5, 4)) != 0 {
		t.Fatalf("unexpected median %v", health[0].Median)
	}
}

func TestAggregatorHealthMedian(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rates := []*big.Rat{big.NewRat(3, 1), big.NewRat(1, 1), big.NewRat(2, 1), big.NewRat(10, 1)}
	next := 0
	agg := NewAggregator([]string{"feed"})
	agg.SetNowFunc(func() time.Time { return now })
	agg.Register("feed", sourceFunc(func(string) (Price, error) {
		rate := rates[next]
		next++
		return Price{Rate: rate, Timestamp: now}, nil
	}))
	for i := 0; i < 3; i++ {
		if _, err := agg.GetPrice("ETH/USDC", time.Minute); err != nil {
			t.Fatalf("get price %d: %v", i, err)
		}
	}
	health := agg.Health()
	if len(health) != 1 || health[0].Median.Cmp(big.NewRat(2, 1)) != 0 {
		t.Fatalf("odd sample median: %+v", health)
	}
	if _, err := agg.GetPrice("ETH/USDC", time.Minute); err != nil {
		t.Fatalf("get price: %v", err)
	}
	health = agg.Health()
	if health[0].Observations != 4 || health[0].Median.Cmp(big.NewRat(5, 2)) != 0 {
		t.Fatalf("even sample median: %+v", health[0])
	}
	if health[0].Source != "feed" {
		t.Fatalf("unexpected source %q", health[0].Source)
	}
}

func TestHTTPSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("feed"); got != "ETH/USDC" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"rate": "2500.5", "timestamp": 1_700_000_000})
	}))
	defer server.Close()

	source := NewHTTPSource("feedsvc", server.URL, "", server.Client())
	price, err := source.Quote("eth/usdc")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if price.RateString(1) != "2500.5" || price.Source != "feedsvc" {
		t.Fatalf("unexpected price: %+v", price)
	}
	if _, err := source.Quote("BTC/USDC"); !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("expected ErrFeedNotFound, got %v", err)
	}
}
