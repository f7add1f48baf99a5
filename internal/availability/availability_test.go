package availability

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/fiomkt/market-engine/internal/model"
)

func sellOrder(id string, mode model.LimitMode, limit int64) model.Order {
	return model.Order{
		ID: id, Side: model.SideSell, OwnerID: "seller",
		Ticker: "RAT", LocationID: "BEN",
		LimitMode: mode, LimitQuantity: limit,
	}
}

func res(target model.OrderRef, qty int64, status model.ReservationStatus) model.Reservation {
	return model.Reservation{Target: target, Quantity: qty, Status: status}
}

func TestAvailableQuantity_LimitModes(t *testing.T) {
	none := sellOrder("o1", model.LimitNone, 0)
	maxSell := sellOrder("o2", model.LimitMaxSell, 30)
	reserve := sellOrder("o3", model.LimitReserve, 30)

	assert.Equal(t, int64(100), AvailableQuantity(&none, 100))
	assert.Equal(t, int64(30), AvailableQuantity(&maxSell, 100))
	assert.Equal(t, int64(70), AvailableQuantity(&reserve, 100))

	// Limits larger than stock.
	assert.Equal(t, int64(20), AvailableQuantity(&maxSell, 20))
	assert.Equal(t, int64(0), AvailableQuantity(&reserve, 20))
}

func TestAvailableQuantity_BuyOrderUsesRequestedQuantity(t *testing.T) {
	buy := model.Order{ID: "b1", Side: model.SideBuy, Quantity: 250}
	assert.Equal(t, int64(250), AvailableQuantity(&buy, 3))
}

func TestCompute_Aggregates(t *testing.T) {
	o := sellOrder("o1", model.LimitNone, 0)
	ref := o.Ref()
	reservations := []model.Reservation{
		res(ref, 10, model.StatusPending),
		res(ref, 15, model.StatusConfirmed),
		res(ref, 20, model.StatusFulfilled),
		res(ref, 99, model.StatusRejected),
		res(ref, 99, model.StatusCancelled),
		res(ref, 99, model.StatusExpired),
		res(model.SellOrderRef("other"), 40, model.StatusPending),
	}

	av := Compute(&o, 100, reservations)

	assert.Equal(t, int64(100), av.FIOQuantity)
	assert.Equal(t, int64(100), av.AvailableQuantity)
	assert.Equal(t, 2, av.ActiveReservationCount)
	assert.Equal(t, int64(25), av.ReservedQuantity)
	assert.Equal(t, int64(20), av.FulfilledQuantity)
	assert.Equal(t, int64(55), av.RemainingQuantity)
}

func TestCompute_RemainingClampedAtZero(t *testing.T) {
	o := sellOrder("o1", model.LimitMaxSell, 30)
	av := Compute(&o, 100, []model.Reservation{res(o.Ref(), 50, model.StatusConfirmed)})
	assert.Equal(t, int64(0), av.RemainingQuantity)
}

func TestComputeBatch_SeparatesSellAndBuyWithSameID(t *testing.T) {
	sell := sellOrder("same", model.LimitNone, 0)
	buy := model.Order{ID: "same", Side: model.SideBuy, OwnerID: "buyer", Ticker: "RAT", LocationID: "BEN", Quantity: 40}

	inv := NewSnapshot([]model.InventoryItem{
		{UserID: "seller", Ticker: "RAT", LocationID: "BEN", Quantity: 100},
	})
	reservations := []model.Reservation{
		res(model.SellOrderRef("same"), 30, model.StatusPending),
		res(model.BuyOrderRef("same"), 5, model.StatusFulfilled),
	}

	out := ComputeBatch([]model.Order{sell, buy}, inv, reservations)

	assert.Equal(t, int64(70), out[sell.Ref()].RemainingQuantity)
	assert.Equal(t, int64(30), out[sell.Ref()].ReservedQuantity)
	assert.Equal(t, int64(35), out[buy.Ref()].RemainingQuantity)
	assert.Equal(t, int64(0), out[buy.Ref()].FIOQuantity)
}

func TestCheckCapacity(t *testing.T) {
	av := model.Availability{RemainingQuantity: 50}
	assert.NoError(t, CheckCapacity(av, 50))
	err := CheckCapacity(av, 51)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
}

func TestProperty_RemainingWithinBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mode := rapid.SampledFrom([]model.LimitMode{model.LimitNone, model.LimitMaxSell, model.LimitReserve}).Draw(t, "mode")
		limit := rapid.Int64Range(0, 500).Draw(t, "limit")
		onHand := rapid.Int64Range(0, 1000).Draw(t, "onHand")
		o := sellOrder("o", mode, limit)

		n := rapid.IntRange(0, 20).Draw(t, "n")
		reservations := make([]model.Reservation, n)
		for i := range reservations {
			reservations[i] = res(o.Ref(),
				rapid.Int64Range(1, 300).Draw(t, fmt.Sprintf("qty-%d", i)),
				rapid.SampledFrom([]model.ReservationStatus{
					model.StatusPending, model.StatusConfirmed, model.StatusFulfilled,
					model.StatusRejected, model.StatusCancelled, model.StatusExpired,
				}).Draw(t, fmt.Sprintf("status-%d", i)))
		}

		av := Compute(&o, onHand, reservations)
		if av.RemainingQuantity < 0 {
			t.Fatalf("remaining %d < 0", av.RemainingQuantity)
		}
		if av.RemainingQuantity > av.AvailableQuantity {
			t.Fatalf("remaining %d > available %d", av.RemainingQuantity, av.AvailableQuantity)
		}
		if av.AvailableQuantity > onHand {
			t.Fatalf("available %d > on-hand %d", av.AvailableQuantity, onHand)
		}
	})
}
