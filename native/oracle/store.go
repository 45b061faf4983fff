package oracle

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

var postedPrefix = []byte("oracle/posted/")

// Storage abstracts the subset of state manager functionality required by the
// posted price store.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

type storedPrice struct {
	Num       *big.Int
	Denom     *big.Int
	Timestamp uint64
	Source    string
}

// Store keeps prices posted by the settlement authority in state so they are
// replayable and roll back with the operation that posted them.
type Store struct {
	store Storage
}

// NewStore constructs a posted price store.
func NewStore(store Storage) *Store {
	return &Store{store: store}
}

func postedKey(feed string) []byte {
	return append(append([]byte(nil), postedPrefix...), []byte(NormalizeFeed(feed))...)
}

// Post records a price observation for the feed. Observations older than the
// stored one are rejected.
func (s *Store) Post(feedID string, rate *big.Rat, ts time.Time, source string) error {
	if s == nil || s.store == nil {
		return ErrNotConfigured
	}
	feed := NormalizeFeed(feedID)
	if feed == "" {
		return ErrInvalidFeed
	}
	if rate == nil || rate.Sign() <= 0 {
		return ErrInvalidPrice
	}
	if ts.Unix() <= 0 {
		return fmt.Errorf("oracle: timestamp required")
	}
	var prev storedPrice
	ok, err := s.store.KVGet(postedKey(feed), &prev)
	if err != nil {
		return err
	}
	if ok && uint64(ts.Unix()) < prev.Timestamp {
		return fmt.Errorf("oracle: observation for %s older than stored price", feed)
	}
	src := strings.ToLower(strings.TrimSpace(source))
	if src == "" {
		src = "posted"
	}
	return s.store.KVPut(postedKey(feed), storedPrice{
		Num:       new(big.Int).Set(rate.Num()),
		Denom:     new(big.Int).Set(rate.Denom()),
		Timestamp: uint64(ts.Unix()),
		Source:    src,
	})
}

// Quote implements Source.
func (s *Store) Quote(feedID string) (Price, error) {
	if s == nil || s.store == nil {
		return Price{}, ErrNotConfigured
	}
	var stored storedPrice
	ok, err := s.store.KVGet(postedKey(feedID), &stored)
	if err != nil {
		return Price{}, err
	}
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrFeedNotFound, NormalizeFeed(feedID))
	}
	if stored.Num == nil || stored.Denom == nil || stored.Denom.Sign() == 0 {
		return Price{}, ErrInvalidPrice
	}
	return Price{
		Rate:      new(big.Rat).SetFrac(stored.Num, stored.Denom),
		Timestamp: time.Unix(int64(stored.Timestamp), 0).UTC(),
		Source:    stored.Source,
	}, nil
}
