package orderbook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiomkt/market-engine/internal/access"
	"github.com/fiomkt/market-engine/internal/model"
	"github.com/fiomkt/market-engine/internal/pricing"
	"github.com/fiomkt/market-engine/internal/store"
)

var trader = access.NewActor("trader", access.PostInternal, access.PlaceInternal)

func setup(t *testing.T) (*Book, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.UpsertLocation(ctx, &model.Location{ID: "BEN", Name: "Benten Station"}))
	require.NoError(t, ms.UpsertLocation(ctx, &model.Location{ID: "MOR", Name: "Moria"}))
	require.NoError(t, ms.UpsertPriceList(ctx, &model.PriceList{Code: "KAWA", Currency: "CIS", DefaultLocationID: "BEN"}))
	require.NoError(t, ms.UpsertPrice(ctx, &model.Price{PriceListCode: "KAWA", Ticker: "RAT", LocationID: "BEN", Price: decimal.NewFromInt(100)}))
	return New(ms, pricing.NewEngine(ms, true)), ms
}

func fixed(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func TestPost_Validation(t *testing.T) {
	b, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  PostRequest
		kind error
	}{
		{"bad side", PostRequest{Side: "hold", Ticker: "RAT", LocationID: "BEN", FixedPrice: fixed(1), Currency: "CIS"}, model.ErrValidation},
		{"both prices", PostRequest{Side: model.SideSell, Ticker: "RAT", LocationID: "BEN", FixedPrice: fixed(1), Currency: "CIS", PriceListCode: "KAWA"}, model.ErrValidation},
		{"no price", PostRequest{Side: model.SideSell, Ticker: "RAT", LocationID: "BEN"}, model.ErrValidation},
		{"buy without quantity", PostRequest{Side: model.SideBuy, Ticker: "RAT", LocationID: "BEN", FixedPrice: fixed(1), Currency: "CIS"}, model.ErrValidation},
		{"unknown limit", PostRequest{Side: model.SideSell, Ticker: "RAT", LocationID: "BEN", FixedPrice: fixed(1), Currency: "CIS", LimitMode: "all"}, model.ErrValidation},
		{"unknown location", PostRequest{Side: model.SideSell, Ticker: "RAT", LocationID: "XYZ", FixedPrice: fixed(1), Currency: "CIS"}, model.ErrNotFound},
		{"unknown price list", PostRequest{Side: model.SideSell, Ticker: "RAT", LocationID: "BEN", PriceListCode: "NOPE"}, model.ErrNotFound},
		{"partner without permission", PostRequest{Side: model.SideSell, Ticker: "RAT", LocationID: "BEN", FixedPrice: fixed(1), Currency: "CIS", Visibility: model.VisibilityPartner}, model.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Post(ctx, trader, tt.req)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestList_AttachesAvailabilityAndPrice(t *testing.T) {
	b, ms := setup(t)
	ctx := context.Background()

	dynamic, err := b.Post(ctx, trader, PostRequest{
		Side: model.SideSell, Ticker: "RAT", LocationID: "MOR", PriceListCode: "KAWA",
		LimitMode: model.LimitReserve, LimitQuantity: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, model.VisibilityInternal, dynamic.Visibility)

	static, err := b.Post(ctx, trader, PostRequest{
		Side: model.SideSell, Ticker: "H2O", LocationID: "BEN", FixedPrice: fixed(7), Currency: "CIS",
	})
	require.NoError(t, err)
	assert.Equal(t, model.LimitNone, static.LimitMode)

	require.NoError(t, ms.ReplaceInventory(ctx, "trader", []model.InventoryItem{
		{Ticker: "RAT", LocationID: "MOR", Quantity: 100, SyncedAt: time.Now()},
	}))
	require.NoError(t, ms.CreateReservation(ctx, &model.Reservation{
		ID: "r1", Target: dynamic.Ref(), CounterpartyID: "buyer", Quantity: 20, Status: model.StatusPending,
	}))

	entries, err := b.List(ctx, model.SideSell, "trader")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	rat := entries[0]
	assert.Equal(t, dynamic.ID, rat.ID)
	assert.Equal(t, int64(100), rat.Availability.FIOQuantity)
	assert.Equal(t, int64(70), rat.Availability.AvailableQuantity)
	assert.Equal(t, int64(20), rat.Availability.ReservedQuantity)
	assert.Equal(t, int64(50), rat.Availability.RemainingQuantity)
	require.NotNil(t, rat.EffectivePrice)
	assert.True(t, rat.EffectivePrice.IsFallback)
	assert.Equal(t, "MOR", rat.EffectivePrice.RequestedLocationID)

	h2o := entries[1]
	assert.Nil(t, h2o.EffectivePrice)
	assert.Equal(t, int64(0), h2o.Availability.RemainingQuantity)
}

func TestList_MissingPriceIsReportedNotFatal(t *testing.T) {
	b, _ := setup(t)
	ctx := context.Background()

	_, err := b.Post(ctx, trader, PostRequest{Side: model.SideBuy, Ticker: "FEO", LocationID: "MOR", PriceListCode: "KAWA", Quantity: 5})
	require.NoError(t, err)

	entries, err := b.List(ctx, model.SideBuy, "trader")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].EffectivePrice)
	assert.NotEmpty(t, entries[0].PriceError)
	assert.Equal(t, int64(5), entries[0].Availability.AvailableQuantity)
}

func TestDelete_CascadesReservations(t *testing.T) {
	b, ms := setup(t)
	ctx := context.Background()

	o, err := b.Post(ctx, trader, PostRequest{Side: model.SideSell, Ticker: "RAT", LocationID: "BEN", FixedPrice: fixed(5), Currency: "CIS"})
	require.NoError(t, err)
	require.NoError(t, ms.CreateReservation(ctx, &model.Reservation{
		ID: "r1", Target: o.Ref(), CounterpartyID: "buyer", Quantity: 1, Status: model.StatusPending,
	}))

	err = b.Delete(ctx, access.NewActor("someone"), o.Ref())
	assert.True(t, errors.Is(err, model.ErrForbidden))

	require.NoError(t, b.Delete(ctx, trader, o.Ref()))
	_, err = ms.GetReservation(ctx, "r1")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
