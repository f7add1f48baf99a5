package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiomkt/market-engine/internal/access"
	"github.com/fiomkt/market-engine/internal/availability"
	"github.com/fiomkt/market-engine/internal/model"
	"github.com/fiomkt/market-engine/internal/store"
)

// recorder captures notifications.
type recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recorder) last() Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

var (
	seller   = access.NewActor("seller", access.PlaceInternal, access.PostInternal)
	buyer    = access.NewActor("buyer", access.PlaceInternal, access.PostInternal)
	stranger = access.NewActor("stranger", access.PlaceInternal, access.PlacePartner)
)

type env struct {
	ms    *store.MemoryStore
	eng   *Engine
	notes *recorder
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, ms.CreateOrder(ctx, &model.Order{
		ID: "s1", Side: model.SideSell, OwnerID: "seller", Ticker: "RAT", LocationID: "BEN",
		Currency: "CIS", Visibility: model.VisibilityInternal, LimitMode: model.LimitNone, CreatedAt: now,
	}))
	require.NoError(t, ms.CreateOrder(ctx, &model.Order{
		ID: "b1", Side: model.SideBuy, OwnerID: "buyer", Ticker: "RAT", LocationID: "BEN",
		Currency: "CIS", Visibility: model.VisibilityInternal, Quantity: 200, CreatedAt: now,
	}))
	require.NoError(t, ms.ReplaceInventory(ctx, "seller", []model.InventoryItem{
		{Ticker: "RAT", LocationID: "BEN", Quantity: 100, SyncedAt: now},
	}))

	rec := &recorder{}
	return &env{ms: ms, eng: NewEngine(ms, rec, opts...), notes: rec}
}

func (e *env) sellAvailability(t *testing.T) model.Availability {
	t.Helper()
	ctx := context.Background()
	sell, err := e.ms.GetOrder(ctx, model.SellOrderRef("s1"))
	require.NoError(t, err)
	onHand, err := e.ms.OnHandQuantity(ctx, "seller", "RAT", "BEN")
	require.NoError(t, err)
	rs, err := e.ms.ListReservationsByTargets(ctx, []model.OrderRef{sell.Ref()})
	require.NoError(t, err)
	return availability.Compute(sell, onHand, rs)
}

func (e *env) create(t *testing.T, qty int64) *model.Reservation {
	t.Helper()
	r, err := e.eng.Create(context.Background(), buyer, CreateRequest{BuyOrderID: "b1", SellOrderID: "s1", Quantity: qty})
	require.NoError(t, err)
	return r
}

func TestLifecycle_EndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	r := e.create(t, 50)
	assert.Equal(t, model.StatusPending, r.Status)
	assert.Equal(t, model.SellOrderRef("s1"), r.Target)
	assert.Equal(t, "buyer", r.CounterpartyID)
	assert.Equal(t, int64(50), e.sellAvailability(t).RemainingQuantity)
	assert.Equal(t, "seller", e.notes.last().UserID)
	assert.Equal(t, NotifyCreated, e.notes.last().Type)

	r, err := e.eng.Confirm(ctx, seller, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, r.Status)
	assert.Equal(t, "buyer", e.notes.last().UserID)

	r, err = e.eng.Fulfill(ctx, buyer, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFulfilled, r.Status)
	assert.Equal(t, "seller", e.notes.last().UserID, "fulfill notifies the other party")

	av := e.sellAvailability(t)
	assert.Equal(t, int64(50), av.FulfilledQuantity)
	assert.Equal(t, int64(0), av.ReservedQuantity)
	assert.Equal(t, int64(50), av.RemainingQuantity)
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		actor access.Actor
		req   CreateRequest
		kind  error
	}{
		{"missing buy order", buyer, CreateRequest{BuyOrderID: "nope", SellOrderID: "s1", Quantity: 1}, model.ErrNotFound},
		{"missing sell order", buyer, CreateRequest{BuyOrderID: "b1", SellOrderID: "nope", Quantity: 1}, model.ErrNotFound},
		{"not own buy order", stranger, CreateRequest{BuyOrderID: "b1", SellOrderID: "s1", Quantity: 1}, model.ErrForbidden},
		{"zero quantity", buyer, CreateRequest{BuyOrderID: "b1", SellOrderID: "s1", Quantity: 0}, model.ErrValidation},
		{"negative quantity", buyer, CreateRequest{BuyOrderID: "b1", SellOrderID: "s1", Quantity: -5}, model.ErrValidation},
		{"missing permission", access.NewActor("buyer"), CreateRequest{BuyOrderID: "b1", SellOrderID: "s1", Quantity: 1}, model.ErrForbidden},
		{"over capacity", buyer, CreateRequest{BuyOrderID: "b1", SellOrderID: "s1", Quantity: 101}, model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			_, err := e.eng.Create(ctx, tt.actor, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestCreate_MismatchAndSelfDealing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, e.ms.CreateOrder(ctx, &model.Order{
		ID: "b2", Side: model.SideBuy, OwnerID: "buyer", Ticker: "H2O", LocationID: "BEN",
		Visibility: model.VisibilityInternal, Quantity: 10, CreatedAt: now,
	}))
	_, err := e.eng.Create(ctx, buyer, CreateRequest{BuyOrderID: "b2", SellOrderID: "s1", Quantity: 1})
	assert.True(t, errors.Is(err, model.ErrValidation), "commodity mismatch: %v", err)

	require.NoError(t, e.ms.CreateOrder(ctx, &model.Order{
		ID: "b3", Side: model.SideBuy, OwnerID: "seller", Ticker: "RAT", LocationID: "BEN",
		Visibility: model.VisibilityInternal, Quantity: 10, CreatedAt: now,
	}))
	_, err = e.eng.Create(ctx, seller, CreateRequest{BuyOrderID: "b3", SellOrderID: "s1", Quantity: 1})
	assert.True(t, errors.Is(err, model.ErrValidation), "self dealing: %v", err)
}

func TestCreate_PartnerVisibilityNeedsPartnerPermission(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, e.ms.CreateOrder(ctx, &model.Order{
		ID: "s2", Side: model.SideSell, OwnerID: "seller", Ticker: "RAT", LocationID: "BEN",
		Visibility: model.VisibilityPartner, LimitMode: model.LimitNone, CreatedAt: now,
	}))

	_, err := e.eng.Create(ctx, buyer, CreateRequest{BuyOrderID: "b1", SellOrderID: "s2", Quantity: 1})
	assert.True(t, errors.Is(err, model.ErrForbidden))

	partnerBuyer := access.NewActor("buyer", access.PlacePartner)
	_, err = e.eng.Create(ctx, partnerBuyer, CreateRequest{BuyOrderID: "b1", SellOrderID: "s2", Quantity: 1})
	assert.NoError(t, err)
}

func TestCreate_CapacityCheckDisabled(t *testing.T) {
	e := newEnv(t, WithCapacityCheck(false))

	r := e.create(t, 150)
	assert.Equal(t, int64(150), r.Quantity)
	assert.Equal(t, int64(0), e.sellAvailability(t).RemainingQuantity, "remaining is clamped at zero")
}

func TestTransition_IllegalStateNamesBothStates(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 10)

	_, err := e.eng.Fulfill(context.Background(), seller, r.ID)
	require.Error(t, err)

	var te *model.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, model.StatusPending, te.From)
	assert.Equal(t, model.StatusFulfilled, te.To)
	assert.True(t, errors.Is(err, model.ErrConflict))
	assert.Equal(t, "cannot transition from pending to fulfilled", err.Error())
}

func TestTransition_TerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	rejected := e.create(t, 5)
	_, err := e.eng.Reject(ctx, seller, rejected.ID)
	require.NoError(t, err)

	cancelled := e.create(t, 5)
	_, err = e.eng.Cancel(ctx, buyer, cancelled.ID)
	require.NoError(t, err)

	for _, id := range []string{rejected.ID, cancelled.ID} {
		_, err := e.eng.Confirm(ctx, seller, id)
		assert.True(t, errors.Is(err, model.ErrConflict))
		_, err = e.eng.Fulfill(ctx, seller, id)
		assert.True(t, errors.Is(err, model.ErrConflict))
	}
}

func TestTransition_Authorization(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	r := e.create(t, 10)

	_, err := e.eng.Confirm(ctx, buyer, r.ID)
	assert.True(t, errors.Is(err, model.ErrForbidden), "buyer cannot confirm")

	_, err = e.eng.Reject(ctx, buyer, r.ID)
	assert.True(t, errors.Is(err, model.ErrForbidden), "buyer cannot reject")

	_, err = e.eng.Cancel(ctx, seller, r.ID)
	assert.True(t, errors.Is(err, model.ErrForbidden), "seller cannot cancel")

	_, err = e.eng.Confirm(ctx, stranger, r.ID)
	assert.True(t, errors.Is(err, model.ErrForbidden), "stranger cannot act")

	_, err = e.eng.Transition(ctx, seller, r.ID, Action("teleport"))
	assert.True(t, errors.Is(err, model.ErrValidation))

	_, err = e.eng.Confirm(ctx, seller, "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestTransition_ConcurrentConfirmsOnlyOneWins(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 10)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.eng.Confirm(context.Background(), seller, r.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.True(t, errors.Is(err, model.ErrConflict), "got %v", err)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	r := e.create(t, 10)

	assert.True(t, errors.Is(e.eng.Delete(ctx, seller, r.ID), model.ErrForbidden))
	require.NoError(t, e.eng.Delete(ctx, buyer, r.ID))

	_, err := e.ms.GetReservation(ctx, r.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	confirmed := e.create(t, 10)
	_, err = e.eng.Confirm(ctx, seller, confirmed.ID)
	require.NoError(t, err)
	assert.True(t, errors.Is(e.eng.Delete(ctx, buyer, confirmed.ID), model.ErrConflict))
}

func TestBuyTargetParties(t *testing.T) {
	order := &model.Order{ID: "b1", Side: model.SideBuy, OwnerID: "alice"}
	r := &model.Reservation{Target: order.Ref(), CounterpartyID: "bob"}

	p := PartiesOf(r, order)
	assert.Equal(t, "alice", p.Buyer)
	assert.Equal(t, "bob", p.Seller)
}

func TestExpireDue(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := newEnv(t, WithClock(func() time.Time { return base }))

	past := base.Add(-time.Minute)
	future := base.Add(time.Hour)

	due, err := e.eng.Create(ctx, buyer, CreateRequest{BuyOrderID: "b1", SellOrderID: "s1", Quantity: 10, ExpiresAt: &past})
	require.NoError(t, err)
	later, err := e.eng.Create(ctx, buyer, CreateRequest{BuyOrderID: "b1", SellOrderID: "s1", Quantity: 10, ExpiresAt: &future})
	require.NoError(t, err)
	done := e.create(t, 10)
	_, err = e.eng.Confirm(ctx, seller, done.ID)
	require.NoError(t, err)
	_, err = e.eng.Fulfill(ctx, seller, done.ID)
	require.NoError(t, err)

	n, err := e.eng.ExpireDue(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.ms.GetReservation(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)

	got, err = e.ms.GetReservation(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	assert.Equal(t, NotifyExpired, e.notes.last().Type)

	n, err = e.eng.ExpireDue(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second sweep is a no-op")
}

func TestGetAndList(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	r := e.create(t, 10)

	_, err := e.eng.Get(ctx, stranger, r.ID)
	assert.True(t, errors.Is(err, model.ErrForbidden))

	got, err := e.eng.Get(ctx, seller, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	for _, a := range []access.Actor{buyer, seller} {
		list, err := e.eng.List(ctx, a)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	}
	list, err := e.eng.List(ctx, stranger)
	require.NoError(t, err)
	assert.Empty(t, list)
}
