// Package cache memoizes reverse-geocoded addresses by rounded coordinate.
package cache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"checkpoint-tracking/geocode"
	"checkpoint-tracking/models"
)

// Geocoder performs one reverse lookup.
type Geocoder interface {
	Reverse(ctx context.Context, c models.Coordinate) (*geocode.Response, error)
}

// Store is a second-level cache shared across processes.
type Store interface {
	Get(ctx context.Context, key string) (models.AddressInfo, bool, error)
	Put(ctx context.Context, key string, info models.AddressInfo) error
}

// Stats counts cache outcomes since creation.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Failures int64 `json:"failures"`
	Entries  int   `json:"entries"`
}

// AddressCache resolves coordinates to labels, consulting memory, then the
// optional store, then the geocoder. Failed lookups are never cached.
type AddressCache struct {
	geocoder Geocoder
	store    Store
	logger   logrus.FieldLogger

	mu      sync.RWMutex
	entries map[string]models.AddressInfo
	group   singleflight.Group

	hits     atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
}

// NewAddressCache builds a cache. store may be nil.
func NewAddressCache(g Geocoder, store Store, logger logrus.FieldLogger) *AddressCache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AddressCache{
		geocoder: g,
		store:    store,
		logger:   logger,
		entries:  make(map[string]models.AddressInfo),
	}
}

// Key rounds a coordinate to 4 decimals (about 11 m).
func Key(c models.Coordinate) string {
	return fmt.Sprintf("%.4f,%.4f", round4(c.Latitude), round4(c.Longitude))
}

// round4 rounds to 4 decimals and folds -0 into 0 so both sides of the
// equator and the prime meridian share a key.
func round4(v float64) float64 {
	r := math.Round(v*1e4) / 1e4
	if r == 0 {
		return 0
	}
	return r
}

// Fallback is the label used when a lookup fails.
func Fallback(c models.Coordinate) models.AddressInfo {
	text := fmt.Sprintf("%.6f, %.6f", c.Latitude, c.Longitude)
	return models.AddressInfo{PlaceName: text, FullAddress: text}
}

// Resolve returns the label for c. It always returns a usable value.
func (ac *AddressCache) Resolve(ctx context.Context, c models.Coordinate) models.AddressInfo {
	key := Key(c)

	ac.mu.RLock()
	info, ok := ac.entries[key]
	ac.mu.RUnlock()
	if ok {
		ac.hits.Add(1)
		return info
	}

	v, err, _ := ac.group.Do(key, func() (interface{}, error) {
		return ac.load(ctx, key, c)
	})
	if err != nil {
		ac.failures.Add(1)
		ac.logger.WithError(err).WithField("key", key).Warn("reverse geocoding failed")
		return Fallback(c)
	}
	return v.(models.AddressInfo)
}

func (ac *AddressCache) load(ctx context.Context, key string, c models.Coordinate) (models.AddressInfo, error) {
	// Another caller may have filled the entry while we waited for the group.
	ac.mu.RLock()
	info, ok := ac.entries[key]
	ac.mu.RUnlock()
	if ok {
		ac.hits.Add(1)
		return info, nil
	}

	if ac.store != nil {
		info, ok, err := ac.store.Get(ctx, key)
		if err != nil {
			ac.logger.WithError(err).WithField("key", key).Warn("address store read failed")
		} else if ok {
			ac.hits.Add(1)
			ac.remember(key, info)
			return info, nil
		}
	}

	ac.misses.Add(1)
	if ac.geocoder == nil {
		return models.AddressInfo{}, fmt.Errorf("no geocoder configured")
	}
	resp, err := ac.geocoder.Reverse(ctx, c)
	if err != nil {
		return models.AddressInfo{}, err
	}

	info = resp.AddressInfo()
	ac.remember(key, info)
	if ac.store != nil {
		if err := ac.store.Put(ctx, key, info); err != nil {
			ac.logger.WithError(err).WithField("key", key).Warn("address store write failed")
		}
	}
	return info, nil
}

func (ac *AddressCache) remember(key string, info models.AddressInfo) {
	ac.mu.Lock()
	ac.entries[key] = info
	ac.mu.Unlock()
}

// Len reports the number of in-memory entries.
func (ac *AddressCache) Len() int {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return len(ac.entries)
}

func (ac *AddressCache) Stats() Stats {
	return Stats{
		Hits:     ac.hits.Load(),
		Misses:   ac.misses.Load(),
		Failures: ac.failures.Load(),
		Entries:  ac.Len(),
	}
}
