// Package orderbook is the order read/write surface: posting and deleting
// orders, and listing a user's orders with availability and effective
// prices attached.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fiomkt/market-engine/internal/access"
	"github.com/fiomkt/market-engine/internal/availability"
	"github.com/fiomkt/market-engine/internal/model"
	"github.com/fiomkt/market-engine/internal/pricing"
	"github.com/fiomkt/market-engine/internal/store"
)

// Book posts, lists and deletes orders.
type Book struct {
	store   store.Store
	pricing *pricing.Engine
	now     func() time.Time
}

// New creates an order book.
func New(st store.Store, pe *pricing.Engine) *Book {
	return &Book{store: st, pricing: pe, now: time.Now}
}

// PostRequest is the body of an order post.
type PostRequest struct {
	Side          model.Side       `json:"side"`
	Ticker        string           `json:"ticker"`
	LocationID    string           `json:"location_id"`
	Currency      string           `json:"currency"`
	FixedPrice    *decimal.Decimal `json:"fixed_price,omitempty"`
	PriceListCode string           `json:"price_list_code,omitempty"`
	Visibility    model.Visibility `json:"visibility"`
	LimitMode     model.LimitMode  `json:"limit_mode,omitempty"`
	LimitQuantity int64            `json:"limit_quantity,omitempty"`
	Quantity      int64            `json:"quantity,omitempty"`
}

// Entry is an order with its read-side enrichments.
type Entry struct {
	model.Order
	Availability   model.Availability    `json:"availability"`
	EffectivePrice *model.EffectivePrice `json:"effective_price,omitempty"`
	PriceError     string                `json:"price_error,omitempty"`
}

// Post validates and stores a new order owned by actor.
func (b *Book) Post(ctx context.Context, actor access.Actor, req PostRequest) (*model.Order, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	if perm := access.PostPermission(req.Visibility); !actor.HasPermission(perm) {
		return nil, model.Forbiddenf("missing permission %s", perm)
	}
	if _, err := b.store.GetLocation(ctx, req.LocationID); err != nil {
		return nil, err
	}
	if req.PriceListCode != "" {
		if _, err := b.store.GetPriceList(ctx, req.PriceListCode); err != nil {
			return nil, err
		}
	}

	o := &model.Order{
		ID:            uuid.New().String(),
		Side:          req.Side,
		OwnerID:       actor.UserID,
		Ticker:        req.Ticker,
		LocationID:    req.LocationID,
		Currency:      req.Currency,
		FixedPrice:    req.FixedPrice,
		PriceListCode: req.PriceListCode,
		Visibility:    req.Visibility,
		CreatedAt:     b.now().UTC(),
	}
	if req.Side == model.SideSell {
		o.LimitMode = req.LimitMode
		o.LimitQuantity = req.LimitQuantity
	} else {
		o.Quantity = req.Quantity
	}

	if err := b.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	slog.Info("order posted",
		"id", o.ID,
		"side", o.Side,
		"owner", o.OwnerID,
		"ticker", o.Ticker,
		"location", o.LocationID,
	)
	return o, nil
}

func validate(req *PostRequest) error {
	if !req.Side.Valid() {
		return model.Validationf("side must be sell or buy")
	}
	if req.Ticker == "" || req.LocationID == "" {
		return model.Validationf("ticker and location_id are required")
	}
	if (req.FixedPrice == nil) == (req.PriceListCode == "") {
		return model.Validationf("exactly one of fixed_price or price_list_code is required")
	}
	if req.FixedPrice != nil && req.FixedPrice.IsNegative() {
		return model.Validationf("fixed_price must not be negative")
	}
	if req.FixedPrice != nil && req.Currency == "" {
		return model.Validationf("currency is required with a fixed price")
	}
	if req.Visibility == "" {
		req.Visibility = model.VisibilityInternal
	}
	if req.Visibility != model.VisibilityInternal && req.Visibility != model.VisibilityPartner {
		return model.Validationf("unknown visibility %q", req.Visibility)
	}

	if req.Side == model.SideBuy {
		if req.Quantity <= 0 {
			return model.Validationf("buy orders need a positive quantity")
		}
		return nil
	}
	switch req.LimitMode {
	case "":
		req.LimitMode = model.LimitNone
	case model.LimitNone:
	case model.LimitMaxSell, model.LimitReserve:
		if req.LimitQuantity < 0 {
			return model.Validationf("limit_quantity must not be negative")
		}
	default:
		return model.Validationf("unknown limit_mode %q", req.LimitMode)
	}
	return nil
}

// List returns the owner's orders of side with availability and, for
// dynamically priced orders, the effective price. Availability costs two
// store queries for the whole list; prices are resolved once per distinct
// (price list, ticker, location).
func (b *Book) List(ctx context.Context, side model.Side, ownerID string) ([]Entry, error) {
	if !side.Valid() {
		return nil, model.Validationf("side must be sell or buy")
	}
	orders, err := b.store.ListOrdersByOwner(ctx, side, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if len(orders) == 0 {
		return []Entry{}, nil
	}

	refs := make([]model.OrderRef, len(orders))
	for i := range orders {
		refs[i] = orders[i].Ref()
	}
	inv, err := b.store.ListInventory(ctx, []string{ownerID})
	if err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}
	reservations, err := b.store.ListReservationsByTargets(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("load reservations: %w", err)
	}
	avail := availability.ComputeBatch(orders, availability.NewSnapshot(inv), reservations)

	type priceKey struct{ list, ticker, location string }
	type priceResult struct {
		ep  *model.EffectivePrice
		err error
	}
	prices := make(map[priceKey]priceResult)

	out := make([]Entry, len(orders))
	for i := range orders {
		o := orders[i]
		out[i] = Entry{Order: o, Availability: avail[o.Ref()]}
		if !o.DynamicPrice() {
			continue
		}
		k := priceKey{o.PriceListCode, o.Ticker, o.LocationID}
		pr, ok := prices[k]
		if !ok {
			pr.ep, pr.err = b.pricing.EffectivePrice(ctx, k.list, k.ticker, k.location)
			prices[k] = pr
		}
		switch {
		case pr.err == nil:
			out[i].EffectivePrice = pr.ep
		case errors.Is(pr.err, model.ErrNotFound):
			out[i].PriceError = pr.err.Error()
		default:
			return nil, pr.err
		}
	}
	return out, nil
}

// Delete removes an order and, by cascade, its reservations. Owner only.
func (b *Book) Delete(ctx context.Context, actor access.Actor, ref model.OrderRef) error {
	o, err := b.store.GetOrder(ctx, ref)
	if err != nil {
		return err
	}
	if o.OwnerID != actor.UserID && !actor.HasPermission(access.Admin) {
		return model.Forbiddenf("only the owner can delete %s order %s", ref.Side, ref.OrderID)
	}
	if err := b.store.DeleteOrder(ctx, ref); err != nil {
		return err
	}
	slog.Info("order deleted", "id", ref.OrderID, "side", ref.Side, "actor", actor.UserID)
	return nil
}
