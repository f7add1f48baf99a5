// Package reservation owns the reservation lifecycle between a buyer and a
// seller.
//
//	pending ──confirm (seller)──▶ confirmed ──fulfill (either)──▶ fulfilled
//	   │
//	   ├──reject (seller)──▶ rejected
//	   ├──cancel (buyer)───▶ cancelled
//	   └──(expiry)─────────▶ expired   (also from confirmed)
//
// Every transition is a check-and-set on the current status, so two
// concurrent requests for the same reservation cannot both succeed.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fiomkt/market-engine/internal/access"
	"github.com/fiomkt/market-engine/internal/availability"
	"github.com/fiomkt/market-engine/internal/metrics"
	"github.com/fiomkt/market-engine/internal/model"
	"github.com/fiomkt/market-engine/internal/store"
)

// Notification types.
const (
	NotifyCreated   = "reservation_created"
	NotifyConfirmed = "reservation_confirmed"
	NotifyRejected  = "reservation_rejected"
	NotifyFulfilled = "reservation_fulfilled"
	NotifyCancelled = "reservation_cancelled"
	NotifyExpired   = "reservation_expired"
)

// Notification is a user-facing event emitted by the engine.
type Notification struct {
	UserID   string         `json:"user_id"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Notifier delivers notifications. Delivery is fire-and-forget from the
// engine's point of view.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}

// Action is a user-triggered transition.
type Action string

const (
	ActionConfirm Action = "confirm"
	ActionReject  Action = "reject"
	ActionFulfill Action = "fulfill"
	ActionCancel  Action = "cancel"
)

type party int

const (
	partySeller party = 1 << iota
	partyBuyer
	partyEither = partySeller | partyBuyer
)

type rule struct {
	from, to model.ReservationStatus
	allowed  party
	notify   party // who hears about it; partyEither means "the other party"
	kind     string
	title    string
}

var rules = map[Action]rule{
	ActionConfirm: {model.StatusPending, model.StatusConfirmed, partySeller, partyBuyer, NotifyConfirmed, "Reservation confirmed"},
	ActionReject:  {model.StatusPending, model.StatusRejected, partySeller, partyBuyer, NotifyRejected, "Reservation rejected"},
	ActionFulfill: {model.StatusConfirmed, model.StatusFulfilled, partyEither, partyEither, NotifyFulfilled, "Reservation fulfilled"},
	ActionCancel:  {model.StatusPending, model.StatusCancelled, partyBuyer, partySeller, NotifyCancelled, "Reservation cancelled"},
}

// Engine applies reservation operations against the store.
type Engine struct {
	store         store.Store
	notifier      Notifier
	checkCapacity bool
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCapacityCheck toggles the remaining-quantity check on direct
// reservation creation.
func WithCapacityCheck(enabled bool) Option {
	return func(e *Engine) { e.checkCapacity = enabled }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a reservation engine. A nil notifier discards
// notifications. The capacity check is on by default.
func NewEngine(st store.Store, n Notifier, opts ...Option) *Engine {
	if n == nil {
		n = NopNotifier{}
	}
	e := &Engine{store: st, notifier: n, checkCapacity: true, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRequest is a buyer's request to reserve against a sell order using
// one of their own buy orders.
type CreateRequest struct {
	BuyOrderID  string     `json:"buy_order_id"`
	SellOrderID string     `json:"sell_order_id"`
	Quantity    int64      `json:"quantity"`
	Notes       string     `json:"notes,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Parties names the two sides of a reservation.
type Parties struct {
	Buyer  string
	Seller string
}

// PartiesOf resolves buyer and seller from the target order's owner and
// the counterparty.
func PartiesOf(r *model.Reservation, order *model.Order) Parties {
	if r.Target.Side == model.SideSell {
		return Parties{Buyer: r.CounterpartyID, Seller: order.OwnerID}
	}
	return Parties{Buyer: order.OwnerID, Seller: r.CounterpartyID}
}

func (p Parties) roleOf(userID string) party {
	var role party
	if userID == p.Seller {
		role |= partySeller
	}
	if userID == p.Buyer {
		role |= partyBuyer
	}
	return role
}

func (p Parties) other(userID string) string {
	if userID == p.Seller {
		return p.Buyer
	}
	return p.Seller
}

// Create places a pending reservation on the sell order, with the caller
// as counterparty, and notifies the seller.
func (e *Engine) Create(ctx context.Context, actor access.Actor, req CreateRequest) (*model.Reservation, error) {
	buy, err := e.store.GetOrder(ctx, model.BuyOrderRef(req.BuyOrderID))
	if err != nil {
		return nil, err
	}
	sell, err := e.store.GetOrder(ctx, model.SellOrderRef(req.SellOrderID))
	if err != nil {
		return nil, err
	}

	if buy.OwnerID != actor.UserID {
		return nil, model.Forbiddenf("you can only reserve against your own buy order")
	}
	if buy.Ticker != sell.Ticker || buy.LocationID != sell.LocationID {
		return nil, model.Validationf("orders do not match: %s@%s vs %s@%s",
			buy.Ticker, buy.LocationID, sell.Ticker, sell.LocationID)
	}
	if sell.OwnerID == actor.UserID {
		return nil, model.Validationf("cannot reserve against your own sell order")
	}
	if req.Quantity <= 0 {
		return nil, model.Validationf("quantity must be positive, got %d", req.Quantity)
	}
	if perm := access.PlacePermission(sell.Visibility); !actor.HasPermission(perm) {
		return nil, model.Forbiddenf("missing permission %s", perm)
	}

	if e.checkCapacity {
		if err := e.ensureCapacity(ctx, sell, req.Quantity); err != nil {
			return nil, err
		}
	}

	now := e.now().UTC()
	r := &model.Reservation{
		ID:             uuid.New().String(),
		Target:         sell.Ref(),
		CounterpartyID: actor.UserID,
		Quantity:       req.Quantity,
		Status:         model.StatusPending,
		Notes:          req.Notes,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateReservation(ctx, r); err != nil {
		return nil, fmt.Errorf("create reservation: %w", err)
	}

	metrics.ReservationsCreated.WithLabelValues("direct").Inc()
	slog.Info("reservation created",
		"id", r.ID,
		"sell_order", sell.ID,
		"buyer", actor.UserID,
		"seller", sell.OwnerID,
		"qty", r.Quantity,
	)

	e.notifier.Notify(ctx, Notification{
		UserID:   sell.OwnerID,
		Type:     NotifyCreated,
		Title:    "New reservation",
		Body:     fmt.Sprintf("%d %s at %s reserved against your sell order", r.Quantity, sell.Ticker, sell.LocationID),
		Metadata: metadata(r),
	})
	return r, nil
}

func (e *Engine) ensureCapacity(ctx context.Context, sell *model.Order, qty int64) error {
	onHand, err := e.store.OnHandQuantity(ctx, sell.OwnerID, sell.Ticker, sell.LocationID)
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	existing, err := e.store.ListReservationsByTargets(ctx, []model.OrderRef{sell.Ref()})
	if err != nil {
		return fmt.Errorf("load reservations: %w", err)
	}
	if err := availability.CheckCapacity(availability.Compute(sell, onHand, existing), qty); err != nil {
		return fmt.Errorf("%w: %w", model.ErrValidation, err)
	}
	return nil
}

// RecordMatched inserts a reservation created by contract matching and
// links it to its condition in one store transaction. No capacity check is
// made: the reservation records a trade that already happened elsewhere.
func (e *Engine) RecordMatched(ctx context.Context, order *model.Order, counterpartyID string, qty int64, status model.ReservationStatus, conditionID, notes string) (*model.Reservation, error) {
	now := e.now().UTC()
	r := &model.Reservation{
		ID:                  uuid.New().String(),
		Target:              order.Ref(),
		CounterpartyID:      counterpartyID,
		Quantity:            qty,
		Status:              status,
		Notes:               notes,
		ExternalConditionID: conditionID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.store.ClaimCondition(ctx, conditionID, r); err != nil {
		return nil, err
	}

	metrics.ReservationsCreated.WithLabelValues("contract").Inc()
	slog.Info("reservation matched from contract",
		"id", r.ID,
		"condition", conditionID,
		"order", order.ID,
		"side", order.Side,
		"status", r.Status,
	)

	e.notifier.Notify(ctx, Notification{
		UserID:   counterpartyID,
		Type:     NotifyCreated,
		Title:    "Reservation created from contract",
		Body:     fmt.Sprintf("%d %s at %s linked to a synced contract", qty, order.Ticker, order.LocationID),
		Metadata: metadata(r),
	})
	return r, nil
}

// Transition applies action to the reservation on behalf of actor.
func (e *Engine) Transition(ctx context.Context, actor access.Actor, id string, action Action) (*model.Reservation, error) {
	rl, ok := rules[action]
	if !ok {
		return nil, model.Validationf("unknown action %q", action)
	}

	r, order, parties, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	role := parties.roleOf(actor.UserID)
	if role == 0 {
		return nil, model.Forbiddenf("not a party to reservation %s", id)
	}
	if role&rl.allowed == 0 {
		return nil, model.Forbiddenf("%s is not allowed to %s reservation %s", roleName(role), action, id)
	}
	if r.Status != rl.from {
		metrics.ReservationConflicts.Inc()
		return nil, &model.TransitionError{From: r.Status, To: rl.to}
	}

	now := e.now().UTC()
	if err := e.store.UpdateReservationStatus(ctx, id, rl.from, rl.to, now); err != nil {
		var mismatch *model.StatusMismatchError
		if errors.As(err, &mismatch) {
			metrics.ReservationConflicts.Inc()
			return nil, &model.TransitionError{From: mismatch.Actual, To: rl.to}
		}
		return nil, fmt.Errorf("update reservation: %w", err)
	}
	r.Status = rl.to
	r.UpdatedAt = now

	metrics.ReservationTransitions.WithLabelValues(string(rl.from), string(rl.to)).Inc()
	slog.Info("reservation transitioned",
		"id", id,
		"from", rl.from,
		"to", rl.to,
		"actor", actor.UserID,
	)

	recipient := parties.Buyer
	switch rl.notify {
	case partySeller:
		recipient = parties.Seller
	case partyEither:
		recipient = parties.other(actor.UserID)
	}
	e.notifier.Notify(ctx, Notification{
		UserID:   recipient,
		Type:     rl.kind,
		Title:    rl.title,
		Body:     fmt.Sprintf("%d %s at %s is now %s", r.Quantity, order.Ticker, order.LocationID, r.Status),
		Metadata: metadata(r),
	})
	return r, nil
}

// Confirm moves a pending reservation to confirmed. Seller only.
func (e *Engine) Confirm(ctx context.Context, actor access.Actor, id string) (*model.Reservation, error) {
	return e.Transition(ctx, actor, id, ActionConfirm)
}

// Reject moves a pending reservation to rejected. Seller only.
func (e *Engine) Reject(ctx context.Context, actor access.Actor, id string) (*model.Reservation, error) {
	return e.Transition(ctx, actor, id, ActionReject)
}

// Fulfill moves a confirmed reservation to fulfilled. Either party.
func (e *Engine) Fulfill(ctx context.Context, actor access.Actor, id string) (*model.Reservation, error) {
	return e.Transition(ctx, actor, id, ActionFulfill)
}

// Cancel moves a pending reservation to cancelled. Buyer only.
func (e *Engine) Cancel(ctx context.Context, actor access.Actor, id string) (*model.Reservation, error) {
	return e.Transition(ctx, actor, id, ActionCancel)
}

// Delete hard-deletes a pending reservation. Buyer only.
func (e *Engine) Delete(ctx context.Context, actor access.Actor, id string) error {
	r, _, parties, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if parties.roleOf(actor.UserID)&partyBuyer == 0 {
		return model.Forbiddenf("only the buyer can delete reservation %s", id)
	}
	if r.Status != model.StatusPending {
		return fmt.Errorf("%w: only pending reservations can be deleted, status is %s", model.ErrConflict, r.Status)
	}
	if err := e.store.DeletePendingReservation(ctx, id); err != nil {
		return err
	}
	slog.Info("reservation deleted", "id", id, "actor", actor.UserID)
	return nil
}

// Get returns a reservation visible to actor.
func (e *Engine) Get(ctx context.Context, actor access.Actor, id string) (*model.Reservation, error) {
	r, _, parties, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if parties.roleOf(actor.UserID) == 0 && !actor.HasPermission(access.Admin) {
		return nil, model.Forbiddenf("not a party to reservation %s", id)
	}
	return r, nil
}

// List returns reservations where actor is buyer or seller.
func (e *Engine) List(ctx context.Context, actor access.Actor) ([]model.Reservation, error) {
	return e.store.ListReservationsForUser(ctx, actor.UserID)
}

// ExpireDue moves active reservations whose expiry is at or before now to
// expired and returns how many moved. Rows that change status concurrently
// are skipped.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := e.store.ListExpiredReservations(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	expired := 0
	for i := range due {
		r := &due[i]
		err := e.store.UpdateReservationStatus(ctx, r.ID, r.Status, model.StatusExpired, now.UTC())
		if errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expire reservation %s: %w", r.ID, err)
		}
		metrics.ReservationTransitions.WithLabelValues(string(r.Status), string(model.StatusExpired)).Inc()
		from := r.Status
		r.Status = model.StatusExpired
		expired++

		order, err := e.store.GetOrder(ctx, r.Target)
		if err != nil {
			continue
		}
		p := PartiesOf(r, order)
		for _, uid := range []string{p.Buyer, p.Seller} {
			e.notifier.Notify(ctx, Notification{
				UserID:   uid,
				Type:     NotifyExpired,
				Title:    "Reservation expired",
				Body:     fmt.Sprintf("%d %s at %s expired while %s", r.Quantity, order.Ticker, order.LocationID, from),
				Metadata: metadata(r),
			})
		}
	}

	if expired > 0 {
		slog.Info("reservations expired", "count", expired)
	}
	return expired, nil
}

func (e *Engine) load(ctx context.Context, id string) (*model.Reservation, *model.Order, Parties, error) {
	r, err := e.store.GetReservation(ctx, id)
	if err != nil {
		return nil, nil, Parties{}, err
	}
	order, err := e.store.GetOrder(ctx, r.Target)
	if err != nil {
		return nil, nil, Parties{}, fmt.Errorf("load target of reservation %s: %w", id, err)
	}
	return r, order, PartiesOf(r, order), nil
}

func roleName(p party) string {
	switch p {
	case partySeller:
		return "seller"
	case partyBuyer:
		return "buyer"
	}
	return "party"
}

func metadata(r *model.Reservation) map[string]any {
	return map[string]any{
		"reservation_id": r.ID,
		"status":         r.Status,
		"quantity":       r.Quantity,
	}
}
