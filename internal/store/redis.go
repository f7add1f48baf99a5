package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fiomkt/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for slow-changing reference data: locations, company codes, price
// lists and base prices. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary. Orders,
// reservations and contracts pass straight through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertLocation(ctx context.Context, loc *model.Location) error {
	if err := s.Store.UpsertLocation(ctx, loc); err != nil {
		return err
	}
	s.rdb.Del(ctx, locationKey(loc.ID))
	return nil
}

func (s *CachedStore) SetCompanyCode(ctx context.Context, code, userID string) error {
	if err := s.Store.SetCompanyCode(ctx, code, userID); err != nil {
		return err
	}
	s.rdb.Del(ctx, companyKey(code))
	return nil
}

func (s *CachedStore) UpsertPriceList(ctx context.Context, pl *model.PriceList) error {
	if err := s.Store.UpsertPriceList(ctx, pl); err != nil {
		return err
	}
	s.rdb.Del(ctx, priceListKey(pl.Code))
	return nil
}

func (s *CachedStore) UpsertPrice(ctx context.Context, p *model.Price) error {
	if err := s.Store.UpsertPrice(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, priceKeyOf(p.PriceListCode, p.Ticker, p.LocationID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetLocation(ctx context.Context, id string) (*model.Location, error) {
	return readThrough(ctx, s, locationKey(id), func() (*model.Location, error) {
		return s.Store.GetLocation(ctx, id)
	})
}

func (s *CachedStore) GetPriceList(ctx context.Context, code string) (*model.PriceList, error) {
	return readThrough(ctx, s, priceListKey(code), func() (*model.PriceList, error) {
		return s.Store.GetPriceList(ctx, code)
	})
}

func (s *CachedStore) GetPrice(ctx context.Context, priceListCode, ticker, locationID string) (*model.Price, error) {
	return readThrough(ctx, s, priceKeyOf(priceListCode, ticker, locationID), func() (*model.Price, error) {
		return s.Store.GetPrice(ctx, priceListCode, ticker, locationID)
	})
}

func (s *CachedStore) UserIDByCompanyCode(ctx context.Context, code string) (string, error) {
	// Try cache.
	if userID, err := s.rdb.Get(ctx, companyKey(code)).Result(); err == nil {
		return userID, nil
	}

	// Cache miss.
	userID, err := s.Store.UserIDByCompanyCode(ctx, code)
	if err != nil {
		return "", err
	}
	s.rdb.Set(ctx, companyKey(code), userID, s.ttl)
	return userID, nil
}

// readThrough returns the cached JSON value at key, or loads it from the
// primary and caches it. Misses on the primary (including not-found) are
// not cached.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (*T, error)) (*T, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return v, nil
}

// --- Cache helpers ---

func locationKey(id string) string { return fmt.Sprintf("location:%s", id) }
func companyKey(code string) string { return fmt.Sprintf("company:%s", strings.ToUpper(code)) }
func priceListKey(code string) string { return fmt.Sprintf("pricelist:%s", code) }
func priceKeyOf(list, ticker, loc string) string {
	return fmt.Sprintf("price:%s:%s:%s", list, ticker, loc)
}
