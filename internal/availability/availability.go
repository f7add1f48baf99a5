// Package availability computes per-order quantity accounting from an
// order's limit policy, the synced inventory snapshot and the reservations
// held against the order.
//
// Everything here is pure: callers load orders, inventory and reservations
// in bulk and pass them in, so listing N orders costs a fixed number of
// store queries regardless of N.
package availability

import (
	"errors"
	"fmt"

	"github.com/fiomkt/market-engine/internal/model"
)

// ErrCapacityExceeded is returned when a reservation would commit more than
// the order's remaining quantity.
var ErrCapacityExceeded = errors.New("availability: requested quantity exceeds remaining quantity")

// Snapshot maps inventory keys to on-hand quantity. Missing keys read as 0.
type Snapshot map[model.InventoryKey]int64

// NewSnapshot indexes inventory rows.
func NewSnapshot(items []model.InventoryItem) Snapshot {
	s := make(Snapshot, len(items))
	for i := range items {
		s[items[i].Key()] += items[i].Quantity
	}
	return s
}

// AvailableQuantity returns how much of the order is on offer before
// reservations are taken into account.
//
//	none     → onHand
//	max_sell → min(onHand, limit)
//	reserve  → max(0, onHand − limit)
//
// Buy orders have no limit policy; their available quantity is the
// requested quantity.
func AvailableQuantity(o *model.Order, onHand int64) int64 {
	if o.Side == model.SideBuy {
		return max(0, o.Quantity)
	}
	onHand = max(0, onHand)
	switch o.LimitMode {
	case model.LimitMaxSell:
		return min(onHand, max(0, o.LimitQuantity))
	case model.LimitReserve:
		return max(0, onHand-o.LimitQuantity)
	default:
		return onHand
	}
}

// Totals aggregates the reservations held against one order.
type Totals struct {
	ActiveCount int
	Reserved    int64 // pending + confirmed
	Fulfilled   int64
}

// Add folds one reservation into the totals. Rejected, cancelled and
// expired reservations do not count.
func (t *Totals) Add(r *model.Reservation) {
	switch {
	case r.Status.Active():
		t.ActiveCount++
		t.Reserved += r.Quantity
	case r.Status == model.StatusFulfilled:
		t.Fulfilled += r.Quantity
	}
}

// Compute returns the availability of one order.
func Compute(o *model.Order, onHand int64, reservations []model.Reservation) model.Availability {
	var t Totals
	for i := range reservations {
		if reservations[i].Target == o.Ref() {
			t.Add(&reservations[i])
		}
	}
	return fromTotals(o, onHand, t)
}

// ComputeBatch computes availability for many orders in one pass over the
// reservation set. Reservations whose target is not among orders are ignored.
func ComputeBatch(orders []model.Order, inv Snapshot, reservations []model.Reservation) map[model.OrderRef]model.Availability {
	totals := make(map[model.OrderRef]*Totals, len(orders))
	for i := range orders {
		totals[orders[i].Ref()] = &Totals{}
	}
	for i := range reservations {
		if t, ok := totals[reservations[i].Target]; ok {
			t.Add(&reservations[i])
		}
	}

	out := make(map[model.OrderRef]model.Availability, len(orders))
	for i := range orders {
		o := &orders[i]
		out[o.Ref()] = fromTotals(o, inv[o.InventoryKey()], *totals[o.Ref()])
	}
	return out
}

// CheckCapacity validates that quantity fits in the remaining quantity.
func CheckCapacity(av model.Availability, quantity int64) error {
	if quantity > av.RemainingQuantity {
		return fmt.Errorf("%w: requested %d, remaining %d", ErrCapacityExceeded, quantity, av.RemainingQuantity)
	}
	return nil
}

func fromTotals(o *model.Order, onHand int64, t Totals) model.Availability {
	available := AvailableQuantity(o, onHand)
	return model.Availability{
		FIOQuantity:            onHand,
		AvailableQuantity:      available,
		ActiveReservationCount: t.ActiveCount,
		ReservedQuantity:       t.Reserved,
		FulfilledQuantity:      t.Fulfilled,
		RemainingQuantity:      max(0, available-t.Reserved-t.Fulfilled),
	}
}
