// Package pricing resolves effective prices for dynamically priced orders.
//
// An effective price starts from the base price of a (price list,
// commodity, location) triple and folds the matching adjustments over it in
// ascending priority. Each step operates on the running price:
//
//	percentage: running += running × value / 100
//	fixed:      running += value
//
// Negative values are discounts.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiomkt/market-engine/internal/metrics"
	"github.com/fiomkt/market-engine/internal/model"
	"github.com/fiomkt/market-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Apply folds adjustments over base in slice order and returns the final
// price with the delta contributed by each step.
func Apply(base decimal.Decimal, adjustments []model.PriceAdjustment) (decimal.Decimal, []model.AppliedAdjustment) {
	running := base
	applied := make([]model.AppliedAdjustment, 0, len(adjustments))
	for _, a := range adjustments {
		var delta decimal.Decimal
		switch a.Kind {
		case model.AdjustPercentage:
			delta = running.Mul(a.Value).Div(hundred)
		case model.AdjustFixed:
			delta = a.Value
		default:
			continue
		}
		running = running.Add(delta)
		applied = append(applied, model.AppliedAdjustment{
			AdjustmentID: a.ID,
			Kind:         a.Kind,
			Value:        a.Value,
			Description:  describe(a),
			Delta:        delta,
		})
	}
	return running, applied
}

// Select filters adjustments that apply to (priceList, ticker, location) at
// t and orders them by ascending priority. Stores pre-filter, but the
// engine re-checks so the fold is reproducible over any adjustment set.
func Select(adjustments []model.PriceAdjustment, priceList, ticker, locationID string, t time.Time) []model.PriceAdjustment {
	var out []model.PriceAdjustment
	for _, a := range adjustments {
		if a.InEffect(t) && a.Matches(priceList, ticker, locationID) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func describe(a model.PriceAdjustment) string {
	if a.Description != "" {
		return a.Description
	}
	switch a.Kind {
	case model.AdjustPercentage:
		return fmt.Sprintf("%s%%", a.Value.String())
	default:
		return fmt.Sprintf("%s fixed", a.Value.String())
	}
}

// Engine looks up base prices and adjustments in the store.
type Engine struct {
	store    store.Store
	fallback bool
	now      func() time.Time
}

// NewEngine creates a pricing engine. fallback enables the retry at the
// price list's default location.
func NewEngine(st store.Store, fallback bool) *Engine {
	return &Engine{store: st, fallback: fallback, now: time.Now}
}

// LookupOption tweaks a single lookup.
type LookupOption func(*lookup)

type lookup struct {
	fallback bool
}

// WithFallback overrides the engine's default-location fallback setting.
func WithFallback(enabled bool) LookupOption {
	return func(l *lookup) { l.fallback = enabled }
}

// EffectivePrice resolves the price of ticker at locationID in priceListCode.
// Adjustments are matched against the requested location even when the
// base price comes from the default location. It returns a model.ErrNotFound
// error when neither the requested nor the default location carries a base
// price.
func (e *Engine) EffectivePrice(ctx context.Context, priceListCode, ticker, locationID string, opts ...LookupOption) (*model.EffectivePrice, error) {
	l := lookup{fallback: e.fallback}
	for _, opt := range opts {
		opt(&l)
	}

	pl, err := e.store.GetPriceList(ctx, priceListCode)
	if err != nil {
		return nil, err
	}

	base, err := e.store.GetPrice(ctx, priceListCode, ticker, locationID)
	isFallback := false
	if errors.Is(err, model.ErrNotFound) && l.fallback && canFallback(pl, locationID) {
		base, err = e.store.GetPrice(ctx, priceListCode, ticker, pl.DefaultLocationID)
		isFallback = err == nil
	}
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			metrics.PriceLookups.WithLabelValues("not_found").Inc()
			return nil, model.NotFoundf("no price for %s at %s in price list %s", ticker, locationID, priceListCode)
		}
		return nil, err
	}

	now := e.now()
	adjustments, err := e.store.ListAdjustments(ctx, store.AdjustmentQuery{
		PriceListCode: priceListCode,
		Ticker:        ticker,
		LocationID:    locationID,
		At:            now,
	})
	if err != nil {
		return nil, fmt.Errorf("load adjustments: %w", err)
	}

	ep := resolve(pl, base, locationID, isFallback, Select(adjustments, priceListCode, ticker, locationID, now))
	metrics.PriceLookups.WithLabelValues(lookupResult(isFallback)).Inc()
	return ep, nil
}

// PricesAtLocation resolves every commodity priced at locationID in one
// pass: one adjustment fetch, applied in memory per commodity. With fallback
// enabled, commodities priced only at the default location are included and
// marked as fallbacks.
func (e *Engine) PricesAtLocation(ctx context.Context, priceListCode, locationID string) ([]model.EffectivePrice, error) {
	pl, err := e.store.GetPriceList(ctx, priceListCode)
	if err != nil {
		return nil, err
	}

	prices, err := e.store.ListPricesAtLocation(ctx, priceListCode, locationID)
	if err != nil {
		return nil, fmt.Errorf("load prices: %w", err)
	}

	type row struct {
		price    model.Price
		fallback bool
	}
	rows := make([]row, 0, len(prices))
	seen := make(map[string]bool, len(prices))
	for _, p := range prices {
		rows = append(rows, row{price: p})
		seen[p.Ticker] = true
	}

	if e.fallback && canFallback(pl, locationID) {
		defaults, err := e.store.ListPricesAtLocation(ctx, priceListCode, pl.DefaultLocationID)
		if err != nil {
			return nil, fmt.Errorf("load default location prices: %w", err)
		}
		for _, p := range defaults {
			if !seen[p.Ticker] {
				rows = append(rows, row{price: p, fallback: true})
			}
		}
	}

	now := e.now()
	adjustments, err := e.store.ListAdjustments(ctx, store.AdjustmentQuery{
		PriceListCode: priceListCode,
		LocationID:    locationID,
		At:            now,
	})
	if err != nil {
		return nil, fmt.Errorf("load adjustments: %w", err)
	}

	out := make([]model.EffectivePrice, 0, len(rows))
	for _, r := range rows {
		price := r.price
		out = append(out, *resolve(pl, &price, locationID, r.fallback,
			Select(adjustments, priceListCode, price.Ticker, locationID, now)))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	slog.Debug("price table resolved",
		"price_list", priceListCode,
		"location", locationID,
		"rows", len(out),
	)
	return out, nil
}

func canFallback(pl *model.PriceList, locationID string) bool {
	return pl.DefaultLocationID != "" && pl.DefaultLocationID != locationID
}

func resolve(pl *model.PriceList, base *model.Price, requestedLocation string, isFallback bool, adjustments []model.PriceAdjustment) *model.EffectivePrice {
	final, applied := Apply(base.Price, adjustments)
	return &model.EffectivePrice{
		PriceListCode:       pl.Code,
		Ticker:              base.Ticker,
		LocationID:          base.LocationID,
		RequestedLocationID: requestedLocation,
		IsFallback:          isFallback,
		BasePrice:           base.Price,
		FinalPrice:          final,
		Currency:            pl.Currency,
		AppliedAdjustments:  applied,
	}
}

func lookupResult(isFallback bool) string {
	if isFallback {
		return "fallback"
	}
	return "exact"
}
