// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
// Commodity quantities are whole units (int64).
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side distinguishes the two order variants.
type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// Valid reports whether s is a known order side.
func (s Side) Valid() bool {
	return s == SideSell || s == SideBuy
}

// Visibility controls which members may see and reserve against an order.
type Visibility string

const (
	VisibilityInternal Visibility = "internal"
	VisibilityPartner  Visibility = "partner"
)

// LimitMode is a sell order's rule for capping how much on-hand inventory
// is offered.
type LimitMode string

const (
	LimitNone    LimitMode = "none"
	LimitMaxSell LimitMode = "max_sell"
	LimitReserve LimitMode = "reserve"
)

// Order is a standing offer to sell or buy one commodity at one location.
// Price terms are either FixedPrice or PriceListCode, never both.
type Order struct {
	ID            string           `json:"id"`
	Side          Side             `json:"side"`
	OwnerID       string           `json:"owner_id"`
	Ticker        string           `json:"ticker"`
	LocationID    string           `json:"location_id"`
	Currency      string           `json:"currency"`
	FixedPrice    *decimal.Decimal `json:"fixed_price,omitempty"`
	PriceListCode string           `json:"price_list_code,omitempty"`
	Visibility    Visibility       `json:"visibility"`

	// Sell orders only.
	LimitMode     LimitMode `json:"limit_mode,omitempty"`
	LimitQuantity int64     `json:"limit_quantity,omitempty"`

	// Buy orders only: the quantity the owner wants to acquire.
	Quantity int64 `json:"quantity,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Ref returns the reservation target that points at this order.
func (o *Order) Ref() OrderRef {
	return OrderRef{Side: o.Side, OrderID: o.ID}
}

// DynamicPrice reports whether the order is priced from a price list.
func (o *Order) DynamicPrice() bool {
	return o.PriceListCode != ""
}

// OrderRef is the tagged target of a reservation: exactly one sell order or
// exactly one buy order.
type OrderRef struct {
	Side    Side   `json:"side"`
	OrderID string `json:"order_id"`
}

// SellOrderRef targets a sell order.
func SellOrderRef(id string) OrderRef { return OrderRef{Side: SideSell, OrderID: id} }

// BuyOrderRef targets a buy order.
func BuyOrderRef(id string) OrderRef { return OrderRef{Side: SideBuy, OrderID: id} }

// Valid reports whether the ref names exactly one order.
func (r OrderRef) Valid() bool {
	return r.Side.Valid() && r.OrderID != ""
}

// Columns splits the ref into the nullable (sell_order_id, buy_order_id)
// column pair used by relational storage.
func (r OrderRef) Columns() (sellOrderID, buyOrderID *string) {
	id := r.OrderID
	if r.Side == SideSell {
		return &id, nil
	}
	return nil, &id
}

// OrderRefFromColumns rebuilds a ref from the nullable column pair. ok is
// false unless exactly one column is set.
func OrderRefFromColumns(sellOrderID, buyOrderID *string) (OrderRef, bool) {
	switch {
	case sellOrderID != nil && buyOrderID == nil:
		return SellOrderRef(*sellOrderID), true
	case buyOrderID != nil && sellOrderID == nil:
		return BuyOrderRef(*buyOrderID), true
	}
	return OrderRef{}, false
}

// ReservationStatus is a node of the reservation lifecycle.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "pending"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusFulfilled ReservationStatus = "fulfilled"
	StatusRejected  ReservationStatus = "rejected"
	StatusCancelled ReservationStatus = "cancelled"
	StatusExpired   ReservationStatus = "expired"
)

// Active reports whether the reservation still holds quantity.
func (s ReservationStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Terminal reports whether no further transition is possible.
func (s ReservationStatus) Terminal() bool {
	switch s {
	case StatusFulfilled, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Reservation is a counterparty's commitment against one order.
type Reservation struct {
	ID             string            `json:"id"`
	Target         OrderRef          `json:"target"`
	CounterpartyID string            `json:"counterparty_id"`
	Quantity       int64             `json:"quantity"`
	Status         ReservationStatus `json:"status"`
	Notes          string            `json:"notes,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`

	// ExternalConditionID links a reservation created by contract matching
	// back to its originating condition.
	ExternalConditionID string `json:"external_condition_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location is a known trading location.
type Location struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// InventoryItem is one row of a user's synced inventory snapshot.
type InventoryItem struct {
	UserID     string    `json:"user_id"`
	Ticker     string    `json:"ticker"`
	LocationID string    `json:"location_id"`
	Quantity   int64     `json:"quantity"`
	SyncedAt   time.Time `json:"synced_at"`
}

// InventoryKey addresses one on-hand quantity in the inventory snapshot.
type InventoryKey struct {
	UserID     string
	Ticker     string
	LocationID string
}

// Key returns the snapshot key of the item.
func (i *InventoryItem) Key() InventoryKey {
	return InventoryKey{UserID: i.UserID, Ticker: i.Ticker, LocationID: i.LocationID}
}

// InventoryKey returns the snapshot key the order's availability reads.
func (o *Order) InventoryKey() InventoryKey {
	return InventoryKey{UserID: o.OwnerID, Ticker: o.Ticker, LocationID: o.LocationID}
}

// Availability is the quantity accounting attached to order read responses.
type Availability struct {
	FIOQuantity            int64 `json:"fioQuantity"`
	AvailableQuantity      int64 `json:"availableQuantity"`
	ActiveReservationCount int   `json:"activeReservationCount"`
	ReservedQuantity       int64 `json:"reservedQuantity"`
	FulfilledQuantity      int64 `json:"fulfilledQuantity"`
	RemainingQuantity      int64 `json:"remainingQuantity"`
}

// PriceList is a named pricing context.
type PriceList struct {
	Code              string `json:"code"`
	Currency          string `json:"currency"`
	DefaultLocationID string `json:"default_location_id,omitempty"`
}

// Price is a base price for one (price list, commodity, location) triple.
type Price struct {
	PriceListCode string          `json:"price_list_code"`
	Ticker        string          `json:"ticker"`
	LocationID    string          `json:"location_id"`
	Price         decimal.Decimal `json:"price"`
}

// AdjustmentKind selects how an adjustment value is applied.
type AdjustmentKind string

const (
	AdjustPercentage AdjustmentKind = "percentage"
	AdjustFixed      AdjustmentKind = "fixed"
)

// PriceAdjustment modifies a base price. A nil filter matches any value.
type PriceAdjustment struct {
	ID             string          `json:"id"`
	PriceListCode  *string         `json:"price_list_code,omitempty"`
	Ticker         *string         `json:"ticker,omitempty"`
	LocationID     *string         `json:"location_id,omitempty"`
	Kind           AdjustmentKind  `json:"kind"`
	Value          decimal.Decimal `json:"value"`
	Priority       int             `json:"priority"`
	Active         bool            `json:"active"`
	EffectiveFrom  *time.Time      `json:"effective_from,omitempty"`
	EffectiveUntil *time.Time      `json:"effective_until,omitempty"`
	Description    string          `json:"description,omitempty"`
}

// Matches reports whether every filter is either nil or equal to the
// corresponding argument.
func (a *PriceAdjustment) Matches(priceList, ticker, locationID string) bool {
	return matchFilter(a.PriceListCode, priceList) &&
		matchFilter(a.Ticker, ticker) &&
		matchFilter(a.LocationID, locationID)
}

// InEffect reports whether the adjustment is active at t.
func (a *PriceAdjustment) InEffect(t time.Time) bool {
	if !a.Active {
		return false
	}
	if a.EffectiveFrom != nil && t.Before(*a.EffectiveFrom) {
		return false
	}
	if a.EffectiveUntil != nil && !t.Before(*a.EffectiveUntil) {
		return false
	}
	return true
}

func matchFilter(filter *string, v string) bool {
	return filter == nil || *filter == v
}

// AppliedAdjustment records one step of the price fold.
type AppliedAdjustment struct {
	AdjustmentID string          `json:"adjustment_id"`
	Kind         AdjustmentKind  `json:"kind"`
	Value        decimal.Decimal `json:"value"`
	Description  string          `json:"description"`
	Delta        decimal.Decimal `json:"delta"`
}

// EffectivePrice is a resolved price for one commodity at one location.
type EffectivePrice struct {
	PriceListCode       string              `json:"price_list_code"`
	Ticker              string              `json:"ticker"`
	LocationID          string              `json:"location_id"`
	RequestedLocationID string              `json:"requested_location_id"`
	IsFallback          bool                `json:"is_fallback"`
	BasePrice           decimal.Decimal     `json:"base_price"`
	FinalPrice          decimal.Decimal     `json:"final_price"`
	Currency            string              `json:"currency"`
	AppliedAdjustments  []AppliedAdjustment `json:"applied_adjustments"`
}
