// Package api provides the HTTP handlers for the marketplace: orders,
// reservations, contract sync, inventory snapshots and price lists.
//
// Callers are identified by the X-User-ID header and authorized through
// the roles in X-User-Roles, resolved against the configured policy.
// Session handling lives in front of this service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fiomkt/market-engine/internal/access"
	"github.com/fiomkt/market-engine/internal/availability"
	"github.com/fiomkt/market-engine/internal/contract"
	"github.com/fiomkt/market-engine/internal/model"
	"github.com/fiomkt/market-engine/internal/orderbook"
	"github.com/fiomkt/market-engine/internal/pricing"
	"github.com/fiomkt/market-engine/internal/reservation"
	"github.com/fiomkt/market-engine/internal/store"
)

// Identity headers.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRoles = "X-User-Roles"
)

// Service wires the engines to HTTP.
type Service struct {
	store        store.Store
	orders       *orderbook.Book
	reservations *reservation.Engine
	contracts    *contract.Matcher
	pricing      *pricing.Engine
	policy       access.Policy
}

// Options configures NewService.
type Options struct {
	Policy        access.Policy
	PriceFallback bool
	CapacityCheck bool
}

// NewService creates the API service. Pass nil for hub if WebSocket
// notifications are not needed.
func NewService(st store.Store, hub *WSHub, opts Options) *Service {
	var notifier reservation.Notifier = reservation.NopNotifier{}
	if hub != nil {
		notifier = hub
	}
	if opts.Policy == nil {
		opts.Policy = access.DefaultPolicy()
	}

	pe := pricing.NewEngine(st, opts.PriceFallback)
	re := reservation.NewEngine(st, notifier, reservation.WithCapacityCheck(opts.CapacityCheck))
	return &Service{
		store:        st,
		orders:       orderbook.New(st, pe),
		reservations: re,
		contracts:    contract.NewMatcher(st, re),
		pricing:      pe,
		policy:       opts.Policy,
	}
}

// Reservations exposes the reservation engine for background callers.
func (s *Service) Reservations() *reservation.Engine {
	return s.reservations
}

// Routes mounts the REST handlers on r. The WebSocket endpoint is mounted
// separately by the caller.
func (s *Service) Routes(r chi.Router) {
	r.Get("/locations/{locationID}", s.GetLocation)
	r.Put("/locations/{locationID}", s.PutLocation)
	r.Put("/company-codes/{code}", s.PutCompanyCode)

	r.Put("/inventory", s.ReplaceInventory)

	r.Get("/orders", s.ListOrders)
	r.Post("/orders", s.PostOrder)
	r.Delete("/orders/{side}/{orderID}", s.DeleteOrder)

	r.Get("/reservations", s.ListReservations)
	r.Post("/reservations", s.CreateReservation)
	r.Post("/reservations/expire", s.ExpireReservations)
	r.Get("/reservations/{reservationID}", s.GetReservation)
	r.Delete("/reservations/{reservationID}", s.DeleteReservation)
	r.Post("/reservations/{reservationID}/{action}", s.TransitionReservation)

	r.Get("/contracts", s.ListContracts)
	r.Post("/contracts/sync", s.SyncContracts)

	r.Put("/price-lists/{code}", s.PutPriceList)
	r.Post("/price-adjustments", s.CreateAdjustment)
	r.Get("/prices/{code}/{locationID}", s.GetPriceTable)
	r.Get("/prices/{code}/{locationID}/{ticker}", s.GetEffectivePrice)
	r.Put("/prices/{code}/{locationID}/{ticker}", s.PutPrice)
}

// --- Request types ---

// LocationRequest is the JSON body for PUT /locations/{locationID}.
type LocationRequest struct {
	Name string `json:"name"`
}

// CompanyCodeRequest is the JSON body for PUT /company-codes/{code}.
type CompanyCodeRequest struct {
	UserID string `json:"user_id"`
}

// InventoryRow is one entry of PUT /inventory.
type InventoryRow struct {
	Ticker     string `json:"ticker"`
	LocationID string `json:"location_id"`
	Quantity   int64  `json:"quantity"`
}

// PriceRequest is the JSON body for PUT /prices/{code}/{locationID}/{ticker}.
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// AdjustmentRequest is the JSON body for POST /price-adjustments.
type AdjustmentRequest struct {
	PriceListCode  *string              `json:"price_list_code,omitempty"`
	Ticker         *string              `json:"ticker,omitempty"`
	LocationID     *string              `json:"location_id,omitempty"`
	Kind           model.AdjustmentKind `json:"kind"`
	Value          decimal.Decimal      `json:"value"`
	Priority       int                  `json:"priority"`
	Active         *bool                `json:"active,omitempty"` // default true
	EffectiveFrom  *time.Time           `json:"effective_from,omitempty"`
	EffectiveUntil *time.Time           `json:"effective_until,omitempty"`
	Description    string               `json:"description,omitempty"`
}

// ExpireResponse is returned from POST /reservations/expire.
type ExpireResponse struct {
	Expired int `json:"expired"`
}

// --- Identity ---

// actor resolves the caller. It writes a 401 and returns false when the
// caller is anonymous.
func (s *Service) actor(w http.ResponseWriter, r *http.Request) (access.Actor, bool) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		writeError(w, "missing "+HeaderUserID+" header", http.StatusUnauthorized)
		return access.Actor{}, false
	}
	var roles []string
	if h := r.Header.Get(HeaderUserRoles); h != "" {
		roles = strings.Split(h, ",")
	}
	return s.policy.Actor(userID, roles), true
}

func (s *Service) admin(w http.ResponseWriter, r *http.Request) (access.Actor, bool) {
	a, ok := s.actor(w, r)
	if !ok {
		return a, false
	}
	if !a.HasPermission(access.Admin) {
		writeError(w, "admin permission required", http.StatusForbidden)
		return a, false
	}
	return a, true
}

// --- Locations and company codes ---

// GetLocation handles GET /api/v1/locations/{locationID}
func (s *Service) GetLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.store.GetLocation(r.Context(), chi.URLParam(r, "locationID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// PutLocation handles PUT /api/v1/locations/{locationID}
func (s *Service) PutLocation(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.admin(w, r); !ok {
		return
	}
	var req LocationRequest
	if !decode(w, r, &req) {
		return
	}
	loc := &model.Location{ID: chi.URLParam(r, "locationID"), Name: strings.TrimSpace(req.Name)}
	if loc.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if err := s.store.UpsertLocation(r.Context(), loc); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// PutCompanyCode handles PUT /api/v1/company-codes/{code}
func (s *Service) PutCompanyCode(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.admin(w, r); !ok {
		return
	}
	var req CompanyCodeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	code := chi.URLParam(r, "code")
	if err := s.store.SetCompanyCode(r.Context(), code, req.UserID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": strings.ToUpper(code), "user_id": req.UserID})
}

// --- Inventory ---

// ReplaceInventory handles PUT /api/v1/inventory
// Replaces the caller's whole inventory snapshot.
func (s *Service) ReplaceInventory(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	var rows []InventoryRow
	if !decode(w, r, &rows) {
		return
	}

	now := time.Now().UTC()
	items := make([]model.InventoryItem, 0, len(rows))
	for i, row := range rows {
		if row.Ticker == "" || row.LocationID == "" {
			writeError(w, "row "+strconv.Itoa(i)+": ticker and location_id are required", http.StatusBadRequest)
			return
		}
		if row.Quantity < 0 {
			writeError(w, "row "+strconv.Itoa(i)+": quantity must not be negative", http.StatusBadRequest)
			return
		}
		items = append(items, model.InventoryItem{
			UserID:     a.UserID,
			Ticker:     row.Ticker,
			LocationID: row.LocationID,
			Quantity:   row.Quantity,
			SyncedAt:   now,
		})
	}

	if err := s.store.ReplaceInventory(r.Context(), a.UserID, items); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("inventory replaced", "user", a.UserID, "rows", len(items))
	writeJSON(w, http.StatusOK, map[string]int{"rows": len(items)})
}

// --- Orders ---

// PostOrder handles POST /api/v1/orders
func (s *Service) PostOrder(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req orderbook.PostRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := s.orders.Post(r.Context(), a, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOrders handles GET /api/v1/orders?side=sell|buy&owner=<userID>
// Defaults to the caller's sell orders.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	side := model.Side(r.URL.Query().Get("side"))
	if side == "" {
		side = model.SideSell
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = a.UserID
	}

	entries, err := s.orders.List(r.Context(), side, owner)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// DeleteOrder handles DELETE /api/v1/orders/{side}/{orderID}
func (s *Service) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	ref := model.OrderRef{Side: model.Side(chi.URLParam(r, "side")), OrderID: chi.URLParam(r, "orderID")}
	if !ref.Valid() {
		writeError(w, "side must be sell or buy", http.StatusBadRequest)
		return
	}
	if err := s.orders.Delete(r.Context(), a, ref); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Reservations ---

// CreateReservation handles POST /api/v1/reservations
func (s *Service) CreateReservation(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req reservation.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.reservations.Create(r.Context(), a, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListReservations handles GET /api/v1/reservations
func (s *Service) ListReservations(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	list, err := s.reservations.List(r.Context(), a)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []model.Reservation{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetReservation handles GET /api/v1/reservations/{reservationID}
func (s *Service) GetReservation(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	res, err := s.reservations.Get(r.Context(), a, chi.URLParam(r, "reservationID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TransitionReservation handles POST /api/v1/reservations/{reservationID}/{action}
// where action is confirm, reject, fulfill or cancel.
func (s *Service) TransitionReservation(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "reservationID")
	action := reservation.Action(chi.URLParam(r, "action"))

	res, err := s.reservations.Transition(r.Context(), a, id, action)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteReservation handles DELETE /api/v1/reservations/{reservationID}
func (s *Service) DeleteReservation(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	if err := s.reservations.Delete(r.Context(), a, chi.URLParam(r, "reservationID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExpireReservations handles POST /api/v1/reservations/expire
// Expires every active reservation past its expiry. Admin only; meant to be
// driven by an external scheduler.
func (s *Service) ExpireReservations(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.admin(w, r); !ok {
		return
	}
	n, err := s.reservations.ExpireDue(r.Context(), time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExpireResponse{Expired: n})
}

// --- Contracts ---

// SyncContracts handles POST /api/v1/contracts/sync
// The body is the caller's externally fetched contract feed.
func (s *Service) SyncContracts(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	var feed []model.ExternalContract
	if !decode(w, r, &feed) {
		return
	}
	result, err := s.contracts.Sync(r.Context(), a.UserID, feed)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListContracts handles GET /api/v1/contracts
func (s *Service) ListContracts(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	list, err := s.contracts.List(r.Context(), a.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []model.ExternalContract{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- Pricing ---

// PutPriceList handles PUT /api/v1/price-lists/{code}
func (s *Service) PutPriceList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.admin(w, r); !ok {
		return
	}
	var pl model.PriceList
	if !decode(w, r, &pl) {
		return
	}
	pl.Code = chi.URLParam(r, "code")
	if pl.Currency == "" {
		writeError(w, "currency is required", http.StatusBadRequest)
		return
	}
	if err := s.store.UpsertPriceList(r.Context(), &pl); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pl)
}

// PutPrice handles PUT /api/v1/prices/{code}/{locationID}/{ticker}
func (s *Service) PutPrice(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.admin(w, r); !ok {
		return
	}
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Price.IsNegative() {
		writeError(w, "price must not be negative", http.StatusBadRequest)
		return
	}
	p := &model.Price{
		PriceListCode: chi.URLParam(r, "code"),
		Ticker:        chi.URLParam(r, "ticker"),
		LocationID:    chi.URLParam(r, "locationID"),
		Price:         req.Price,
	}
	if err := s.store.UpsertPrice(r.Context(), p); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreateAdjustment handles POST /api/v1/price-adjustments
func (s *Service) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.admin(w, r); !ok {
		return
	}
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Kind != model.AdjustPercentage && req.Kind != model.AdjustFixed {
		writeError(w, "kind must be percentage or fixed", http.StatusBadRequest)
		return
	}
	if req.EffectiveFrom != nil && req.EffectiveUntil != nil && !req.EffectiveFrom.Before(*req.EffectiveUntil) {
		writeError(w, "effective_from must be before effective_until", http.StatusBadRequest)
		return
	}

	adj := &model.PriceAdjustment{
		ID:             uuid.New().String(),
		PriceListCode:  req.PriceListCode,
		Ticker:         req.Ticker,
		LocationID:     req.LocationID,
		Kind:           req.Kind,
		Value:          req.Value,
		Priority:       req.Priority,
		Active:         req.Active == nil || *req.Active,
		EffectiveFrom:  req.EffectiveFrom,
		EffectiveUntil: req.EffectiveUntil,
		Description:    req.Description,
	}
	if err := s.store.CreateAdjustment(r.Context(), adj); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, adj)
}

// GetEffectivePrice handles GET /api/v1/prices/{code}/{locationID}/{ticker}
// ?fallback=false disables the default-location retry.
func (s *Service) GetEffectivePrice(w http.ResponseWriter, r *http.Request) {
	var opts []pricing.LookupOption
	if v := r.URL.Query().Get("fallback"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "fallback must be a boolean", http.StatusBadRequest)
			return
		}
		opts = append(opts, pricing.WithFallback(b))
	}

	ep, err := s.pricing.EffectivePrice(r.Context(),
		chi.URLParam(r, "code"), chi.URLParam(r, "ticker"), chi.URLParam(r, "locationID"), opts...)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// GetPriceTable handles GET /api/v1/prices/{code}/{locationID}
func (s *Service) GetPriceTable(w http.ResponseWriter, r *http.Request) {
	table, err := s.pricing.PricesAtLocation(r.Context(), chi.URLParam(r, "code"), chi.URLParam(r, "locationID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps an engine error to its HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, availability.ErrCapacityExceeded):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
