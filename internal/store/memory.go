package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fiomkt/market-engine/internal/model"
)

type priceKey struct {
	list, ticker, location string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu sync.RWMutex

	locations    map[string]*model.Location
	companyCodes map[string]string
	inventory    map[string][]model.InventoryItem

	orders   map[model.OrderRef]*model.Order
	orderSeq map[model.OrderRef]int
	seq      int

	reservations map[string]*model.Reservation
	resOrder     []string

	priceLists  map[string]*model.PriceList
	prices      map[priceKey]*model.Price
	adjustments []model.PriceAdjustment

	contracts      map[string]*model.ExternalContract
	contractOrder  []string
	conditions     map[string]*model.ExternalContractCondition
	conditionOrder []string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locations:    make(map[string]*model.Location),
		companyCodes: make(map[string]string),
		inventory:    make(map[string][]model.InventoryItem),
		orders:       make(map[model.OrderRef]*model.Order),
		orderSeq:     make(map[model.OrderRef]int),
		reservations: make(map[string]*model.Reservation),
		priceLists:   make(map[string]*model.PriceList),
		prices:       make(map[priceKey]*model.Price),
		contracts:    make(map[string]*model.ExternalContract),
		conditions:   make(map[string]*model.ExternalContractCondition),
	}
}

// --- Locations and users ---

func (s *MemoryStore) UpsertLocation(_ context.Context, loc *model.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *loc
	s.locations[loc.ID] = &copy
	return nil
}

func (s *MemoryStore) GetLocation(_ context.Context, id string) (*model.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.locations[id]
	if !ok {
		return nil, model.NotFoundf("location %s", id)
	}
	copy := *loc
	return &copy, nil
}

func (s *MemoryStore) FindLocationByName(_ context.Context, name string) (*model.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, loc := range s.locations {
		if strings.EqualFold(loc.Name, name) {
			copy := *loc
			return &copy, nil
		}
	}
	return nil, model.NotFoundf("location named %q", name)
}

func (s *MemoryStore) SetCompanyCode(_ context.Context, code, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.companyCodes[strings.ToUpper(code)] = userID
	return nil
}

func (s *MemoryStore) UserIDByCompanyCode(_ context.Context, code string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.companyCodes[strings.ToUpper(code)]
	if !ok {
		return "", model.NotFoundf("company code %s", code)
	}
	return id, nil
}

// --- Inventory ---

func (s *MemoryStore) ReplaceInventory(_ context.Context, userID string, items []model.InventoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]model.InventoryItem, len(items))
	for i, it := range items {
		it.UserID = userID
		snapshot[i] = it
	}
	s.inventory[userID] = snapshot
	return nil
}

func (s *MemoryStore) OnHandQuantity(_ context.Context, userID, ticker, locationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var qty int64
	for _, it := range s.inventory[userID] {
		if it.Ticker == ticker && it.LocationID == locationID {
			qty += it.Quantity
		}
	}
	return qty, nil
}

func (s *MemoryStore) ListInventory(_ context.Context, userIDs []string) ([]model.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.InventoryItem
	for _, uid := range userIDs {
		result = append(result, s.inventory[uid]...)
	}
	return result, nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := o.Ref()
	if _, exists := s.orders[ref]; exists {
		return fmt.Errorf("%w: %s order %s already exists", model.ErrConflict, o.Side, o.ID)
	}
	copy := *o
	s.orders[ref] = &copy
	s.seq++
	s.orderSeq[ref] = s.seq
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, ref model.OrderRef) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[ref]
	if !ok {
		return nil, model.NotFoundf("%s order %s", ref.Side, ref.OrderID)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrdersByOwner(_ context.Context, side model.Side, ownerID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, ref := range s.sortedOrderRefs() {
		o := s.orders[ref]
		if o.Side == side && o.OwnerID == ownerID {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (s *MemoryStore) FindOrder(_ context.Context, side model.Side, ownerID, ticker, locationID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ref := range s.sortedOrderRefs() {
		o := s.orders[ref]
		if o.Side != side || o.Ticker != ticker || o.LocationID != locationID {
			continue
		}
		if ownerID != "" && o.OwnerID != ownerID {
			continue
		}
		copy := *o
		return &copy, nil
	}
	return nil, model.NotFoundf("%s order for %s at %s", side, ticker, locationID)
}

func (s *MemoryStore) DeleteOrder(_ context.Context, ref model.OrderRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[ref]; !ok {
		return model.NotFoundf("%s order %s", ref.Side, ref.OrderID)
	}
	delete(s.orders, ref)
	delete(s.orderSeq, ref)

	kept := s.resOrder[:0]
	for _, id := range s.resOrder {
		if s.reservations[id].Target == ref {
			delete(s.reservations, id)
			continue
		}
		kept = append(kept, id)
	}
	s.resOrder = kept
	return nil
}

// sortedOrderRefs returns refs oldest first. Caller holds the lock.
func (s *MemoryStore) sortedOrderRefs() []model.OrderRef {
	refs := make([]model.OrderRef, 0, len(s.orders))
	for ref := range s.orders {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		a, b := s.orders[refs[i]], s.orders[refs[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return s.orderSeq[refs[i]] < s.orderSeq[refs[j]]
	})
	return refs
}

// --- Reservations ---

func (s *MemoryStore) CreateReservation(_ context.Context, r *model.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertReservation(r)
}

// insertReservation enforces the same constraints as the Postgres schema.
// Caller holds the write lock.
func (s *MemoryStore) insertReservation(r *model.Reservation) error {
	if !r.Target.Valid() {
		return model.Validationf("reservation must reference exactly one order")
	}
	if _, ok := s.orders[r.Target]; !ok {
		return model.NotFoundf("%s order %s", r.Target.Side, r.Target.OrderID)
	}
	if _, exists := s.reservations[r.ID]; exists {
		return fmt.Errorf("%w: reservation %s already exists", model.ErrConflict, r.ID)
	}
	copy := *r
	s.reservations[r.ID] = &copy
	s.resOrder = append(s.resOrder, r.ID)
	return nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id string) (*model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, model.NotFoundf("reservation %s", id)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) ListReservationsByTargets(_ context.Context, refs []model.OrderRef) ([]model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[model.OrderRef]bool, len(refs))
	for _, ref := range refs {
		want[ref] = true
	}

	var result []model.Reservation
	for _, id := range s.resOrder {
		r := s.reservations[id]
		if want[r.Target] {
			result = append(result, *r)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListReservationsForUser(_ context.Context, userID string) ([]model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Reservation
	for _, id := range s.resOrder {
		r := s.reservations[id]
		if r.CounterpartyID == userID {
			result = append(result, *r)
			continue
		}
		if o, ok := s.orders[r.Target]; ok && o.OwnerID == userID {
			result = append(result, *r)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateReservationStatus(_ context.Context, id string, from, to model.ReservationStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return model.NotFoundf("reservation %s", id)
	}
	if r.Status != from {
		return &model.StatusMismatchError{Expected: from, Actual: r.Status}
	}
	r.Status = to
	r.UpdatedAt = at
	return nil
}

func (s *MemoryStore) DeletePendingReservation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return model.NotFoundf("reservation %s", id)
	}
	if r.Status != model.StatusPending {
		return &model.StatusMismatchError{Expected: model.StatusPending, Actual: r.Status}
	}
	delete(s.reservations, id)
	for i, rid := range s.resOrder {
		if rid == id {
			s.resOrder = append(s.resOrder[:i], s.resOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) ListExpiredReservations(_ context.Context, now time.Time) ([]model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Reservation
	for _, id := range s.resOrder {
		r := s.reservations[id]
		if r.Status.Active() && r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			result = append(result, *r)
		}
	}
	return result, nil
}

// --- Pricing ---

func (s *MemoryStore) UpsertPriceList(_ context.Context, pl *model.PriceList) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *pl
	s.priceLists[pl.Code] = &copy
	return nil
}

func (s *MemoryStore) GetPriceList(_ context.Context, code string) (*model.PriceList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pl, ok := s.priceLists[code]
	if !ok {
		return nil, model.NotFoundf("price list %s", code)
	}
	copy := *pl
	return &copy, nil
}

func (s *MemoryStore) UpsertPrice(_ context.Context, p *model.Price) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.priceLists[p.PriceListCode]; !ok {
		return model.NotFoundf("price list %s", p.PriceListCode)
	}
	copy := *p
	s.prices[priceKey{p.PriceListCode, p.Ticker, p.LocationID}] = &copy
	return nil
}

func (s *MemoryStore) GetPrice(_ context.Context, priceListCode, ticker, locationID string) (*model.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[priceKey{priceListCode, ticker, locationID}]
	if !ok {
		return nil, model.NotFoundf("price for %s at %s in %s", ticker, locationID, priceListCode)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPricesAtLocation(_ context.Context, priceListCode, locationID string) ([]model.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Price
	for k, p := range s.prices {
		if k.list == priceListCode && k.location == locationID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Ticker < result[j].Ticker })
	return result, nil
}

func (s *MemoryStore) CreateAdjustment(_ context.Context, a *model.PriceAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.adjustments = append(s.adjustments, *a)
	return nil
}

func (s *MemoryStore) ListAdjustments(_ context.Context, q AdjustmentQuery) ([]model.PriceAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceAdjustment
	for _, a := range s.adjustments {
		if !a.InEffect(q.At) {
			continue
		}
		ticker := q.Ticker
		if ticker == "" && a.Ticker != nil {
			ticker = *a.Ticker
		}
		if a.Matches(q.PriceListCode, ticker, q.LocationID) {
			result = append(result, a)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Priority < result[j].Priority })
	return result, nil
}

// --- External contracts ---

func (s *MemoryStore) UpsertContract(_ context.Context, c *model.ExternalContract) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *c
	copy.Conditions = nil
	_, exists := s.contracts[c.ExternalID]
	if !exists {
		s.contractOrder = append(s.contractOrder, c.ExternalID)
	}
	s.contracts[c.ExternalID] = &copy
	return !exists, nil
}

func (s *MemoryStore) UpsertCondition(_ context.Context, c *model.ExternalContractCondition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[c.ContractExternalID]; !ok {
		return false, model.NotFoundf("contract %s", c.ContractExternalID)
	}

	// The claim link is only ever set by ClaimCondition.
	existing, exists := s.conditions[c.ExternalID]
	if exists {
		c.ReservationID = existing.ReservationID
	} else {
		c.ReservationID = ""
		s.conditionOrder = append(s.conditionOrder, c.ExternalID)
	}
	copy := *c
	s.conditions[c.ExternalID] = &copy
	return !exists, nil
}

func (s *MemoryStore) ClaimCondition(_ context.Context, conditionExternalID string, r *model.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cond, ok := s.conditions[conditionExternalID]
	if !ok {
		return model.NotFoundf("condition %s", conditionExternalID)
	}
	if cond.Linked() {
		return fmt.Errorf("%w: condition %s already linked to reservation %s",
			model.ErrConflict, conditionExternalID, cond.ReservationID)
	}
	if err := s.insertReservation(r); err != nil {
		return err
	}
	cond.ReservationID = r.ID
	return nil
}

func (s *MemoryStore) ListContracts(_ context.Context, userID string) ([]model.ExternalContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ExternalContract
	for _, id := range s.contractOrder {
		c := s.contracts[id]
		if c.UserID != userID {
			continue
		}
		copy := *c
		for _, cid := range s.conditionOrder {
			if cond := s.conditions[cid]; cond.ContractExternalID == id {
				copy.Conditions = append(copy.Conditions, *cond)
			}
		}
		result = append(result, copy)
	}
	return result, nil
}
