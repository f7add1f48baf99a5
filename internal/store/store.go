// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/fiomkt/market-engine/internal/model"
)

// AdjustmentQuery selects price adjustments for a price lookup. Adjustments
// whose filters are NULL match any value. An empty Ticker selects
// adjustments for every ticker (used by batched lookups).
type AdjustmentQuery struct {
	PriceListCode string
	Ticker        string
	LocationID    string
	At            time.Time
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Every mutating method is
// atomic on its own.
type Store interface {
	// --- Locations and users ---

	UpsertLocation(ctx context.Context, loc *model.Location) error
	GetLocation(ctx context.Context, id string) (*model.Location, error)
	// FindLocationByName matches names case-insensitively.
	FindLocationByName(ctx context.Context, name string) (*model.Location, error)

	SetCompanyCode(ctx context.Context, code, userID string) error
	// UserIDByCompanyCode resolves an external company code to a member.
	UserIDByCompanyCode(ctx context.Context, code string) (string, error)

	// --- Inventory snapshot ---

	// ReplaceInventory swaps a user's whole snapshot for items.
	ReplaceInventory(ctx context.Context, userID string, items []model.InventoryItem) error
	// OnHandQuantity returns 0 when no row exists.
	OnHandQuantity(ctx context.Context, userID, ticker, locationID string) (int64, error)
	ListInventory(ctx context.Context, userIDs []string) ([]model.InventoryItem, error)

	// --- Orders ---

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, ref model.OrderRef) (*model.Order, error)
	ListOrdersByOwner(ctx context.Context, side model.Side, ownerID string) ([]model.Order, error)
	// FindOrder returns the oldest order of side for (ticker, location).
	// An empty ownerID matches any owner.
	FindOrder(ctx context.Context, side model.Side, ownerID, ticker, locationID string) (*model.Order, error)
	// DeleteOrder removes the order and every reservation against it.
	DeleteOrder(ctx context.Context, ref model.OrderRef) error

	// --- Reservations ---

	CreateReservation(ctx context.Context, r *model.Reservation) error
	GetReservation(ctx context.Context, id string) (*model.Reservation, error)
	ListReservationsByTargets(ctx context.Context, refs []model.OrderRef) ([]model.Reservation, error)
	// ListReservationsForUser returns reservations where the user is the
	// counterparty or owns the target order.
	ListReservationsForUser(ctx context.Context, userID string) ([]model.Reservation, error)
	// UpdateReservationStatus sets the status only if it currently equals
	// from; otherwise it returns *model.StatusMismatchError.
	UpdateReservationStatus(ctx context.Context, id string, from, to model.ReservationStatus, at time.Time) error
	// DeletePendingReservation deletes the reservation only while pending.
	DeletePendingReservation(ctx context.Context, id string) error
	// ListExpiredReservations returns active reservations whose expiry is
	// at or before now.
	ListExpiredReservations(ctx context.Context, now time.Time) ([]model.Reservation, error)

	// --- Pricing ---

	UpsertPriceList(ctx context.Context, pl *model.PriceList) error
	GetPriceList(ctx context.Context, code string) (*model.PriceList, error)
	UpsertPrice(ctx context.Context, p *model.Price) error
	GetPrice(ctx context.Context, priceListCode, ticker, locationID string) (*model.Price, error)
	ListPricesAtLocation(ctx context.Context, priceListCode, locationID string) ([]model.Price, error)
	CreateAdjustment(ctx context.Context, a *model.PriceAdjustment) error
	// ListAdjustments returns adjustments in effect at q.At that match q,
	// ordered by ascending priority.
	ListAdjustments(ctx context.Context, q AdjustmentQuery) ([]model.PriceAdjustment, error)

	// --- External contracts ---

	// UpsertContract inserts or updates the contract by external id.
	// Conditions on c are ignored.
	UpsertContract(ctx context.Context, c *model.ExternalContract) (inserted bool, err error)
	// UpsertCondition inserts or updates the condition by external id. An
	// existing reservation link is preserved and copied into c.
	UpsertCondition(ctx context.Context, c *model.ExternalContractCondition) (inserted bool, err error)
	// ClaimCondition inserts r and links the condition to it in one
	// transaction. It fails with model.ErrConflict if the condition is
	// already linked.
	ClaimCondition(ctx context.Context, conditionExternalID string, r *model.Reservation) error
	ListContracts(ctx context.Context, userID string) ([]model.ExternalContract, error)
}
