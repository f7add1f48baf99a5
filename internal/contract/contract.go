// Package contract reconciles externally synced contracts into local
// reservations.
//
// A sync upserts every contract and condition by external id and then tries
// to match each unclaimed material condition to one of the syncing user's
// orders. A successful match creates a reservation and claims the condition
// in the same store transaction, so repeated or concurrent syncs of the same
// feed never create a second reservation for a condition.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/fiomkt/market-engine/internal/metrics"
	"github.com/fiomkt/market-engine/internal/model"
	"github.com/fiomkt/market-engine/internal/store"
)

// locationRegex matches "Name (ID)", e.g. "Benten Station (BEN)".
var locationRegex = regexp.MustCompile(`^\s*(.*?)\s*\(([^()]+)\)\s*$`)

// ParsedLocation is a raw external location string split into its parts.
type ParsedLocation struct {
	Name string
	ID   string
}

// ParseLocation splits "Name (ID)" into name and id. A string without a
// parenthesized suffix is returned as both the candidate id and name.
func ParseLocation(raw string) ParsedLocation {
	raw = strings.TrimSpace(raw)
	if m := locationRegex.FindStringSubmatch(raw); m != nil {
		return ParsedLocation{Name: m[1], ID: strings.TrimSpace(m[2])}
	}
	return ParsedLocation{Name: raw, ID: raw}
}

// ReservationStatusFor derives the initial status of a reservation created
// from cond. ok is false for conditions that never produce reservations.
//
//	PENDING                                    → pending
//	FULFILLED + DELIVERY/COMEX_PURCHASE_PICKUP → fulfilled
//	FULFILLED + PROVISION                      → confirmed
func ReservationStatusFor(cond *model.ExternalContractCondition) (model.ReservationStatus, bool) {
	switch cond.Type {
	case model.ConditionProvision:
		if cond.Status == model.ConditionFulfilled {
			return model.StatusConfirmed, true
		}
		return model.StatusPending, true
	case model.ConditionDelivery, model.ConditionComexPurchasePickup:
		if cond.Status == model.ConditionFulfilled {
			return model.StatusFulfilled, true
		}
		return model.StatusPending, true
	}
	return "", false
}

// OrderSideFor returns which of the syncing user's orders a condition is
// matched against, given the user's role in the contract.
func OrderSideFor(party model.ContractParty, typ model.ConditionType) (model.Side, bool) {
	switch {
	case party == model.PartyProvider && typ == model.ConditionProvision:
		return model.SideSell, true
	case party == model.PartyCustomer && (typ == model.ConditionDelivery || typ == model.ConditionComexPurchasePickup):
		return model.SideBuy, true
	}
	return "", false
}

// Recorder creates a reservation for a matched condition and claims the
// condition atomically. reservation.Engine implements it.
type Recorder interface {
	RecordMatched(ctx context.Context, order *model.Order, counterpartyID string, qty int64, status model.ReservationStatus, conditionID, notes string) (*model.Reservation, error)
}

// Matcher runs contract syncs.
type Matcher struct {
	store    store.Store
	recorder Recorder
	now      func() time.Time
}

// NewMatcher creates a contract matcher.
func NewMatcher(st store.Store, rec Recorder) *Matcher {
	return &Matcher{store: st, recorder: rec, now: time.Now}
}

// Condition outcomes, used as metric labels.
const (
	outcomeMatched         = "matched"
	outcomeAlreadyLinked   = "already_linked"
	outcomeExternalPartner = "external_partner"
	outcomePayment         = "payment"
	outcomeMissingData     = "missing_data"
	outcomeUnknownLocation = "unknown_location"
	outcomeRoleMismatch    = "role_mismatch"
	outcomeNoMatch         = "no_match"
	outcomeError           = "error"
)

// syncRun holds the state of one Sync call.
type syncRun struct {
	m         *Matcher
	userID    string
	result    *model.ContractSyncResult
	locations map[string]string // raw string → location id ("" = unknown)
}

// Sync upserts contracts for userID and auto-matches their conditions.
// External-data problems are recorded in the result and never abort the
// batch; only a cancelled context stops processing early.
func (m *Matcher) Sync(ctx context.Context, userID string, contracts []model.ExternalContract) (*model.ContractSyncResult, error) {
	start := time.Now()
	defer func() { metrics.ContractSyncDuration.Observe(time.Since(start).Seconds()) }()

	s := &syncRun{
		m:         m,
		userID:    userID,
		result:    &model.ContractSyncResult{Errors: []string{}},
		locations: make(map[string]string),
	}
	for i := range contracts {
		if err := ctx.Err(); err != nil {
			return s.result, err
		}
		s.contract(ctx, &contracts[i])
	}

	r := s.result
	slog.Info("contract sync completed",
		"user", userID,
		"contracts", r.ContractsProcessed,
		"conditions", r.ConditionsProcessed,
		"reservations_created", r.ReservationsCreated,
		"already_linked", r.SkippedAlreadyLinked,
		"no_match", r.SkippedNoMatch,
		"errors", len(r.Errors),
	)
	return r, nil
}

// List returns the user's synced contracts with their conditions.
func (m *Matcher) List(ctx context.Context, userID string) ([]model.ExternalContract, error) {
	return m.store.ListContracts(ctx, userID)
}

func (s *syncRun) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.result.Errors = append(s.result.Errors, msg)
	metrics.ContractSyncErrors.Inc()
	slog.Warn("contract sync record skipped", "user", s.userID, "reason", msg)
}

func (s *syncRun) contract(ctx context.Context, c *model.ExternalContract) {
	s.result.ContractsProcessed++
	if c.ExternalID == "" {
		s.fail("contract %q: missing external id", c.LocalID)
		return
	}

	partner, err := s.resolvePartner(ctx, c.PartnerCompanyCode)
	if err != nil {
		s.fail("contract %s: resolve partner %s: %v", c.ExternalID, c.PartnerCompanyCode, err)
		return
	}

	c.UserID = s.userID
	c.PartnerUserID = partner
	c.SyncedAt = s.m.now().UTC()
	inserted, err := s.m.store.UpsertContract(ctx, c)
	if err != nil {
		s.fail("contract %s: upsert: %v", c.ExternalID, err)
		return
	}
	if inserted {
		s.result.ContractsInserted++
	} else {
		s.result.ContractsUpdated++
	}

	for i := range c.Conditions {
		s.condition(ctx, c, &c.Conditions[i])
	}
}

// resolvePartner maps a company code to a member id. Unknown codes and
// codes that resolve to the syncing user yield "" (external partner).
func (s *syncRun) resolvePartner(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", nil
	}
	id, err := s.m.store.UserIDByCompanyCode(ctx, code)
	if errors.Is(err, model.ErrNotFound) || id == s.userID {
		return "", nil
	}
	return id, err
}

func (s *syncRun) condition(ctx context.Context, c *model.ExternalContract, cond *model.ExternalContractCondition) {
	s.result.ConditionsProcessed++
	if cond.ExternalID == "" {
		s.fail("contract %s condition %d: missing external id", c.ExternalID, cond.Index)
		metrics.ContractConditions.WithLabelValues(outcomeError).Inc()
		return
	}

	cond.ContractExternalID = c.ExternalID
	cond.ReservationID = "" // feed data never carries a claim
	inserted, err := s.m.store.UpsertCondition(ctx, cond)
	if err != nil {
		s.fail("condition %s: upsert: %v", cond.ExternalID, err)
		metrics.ContractConditions.WithLabelValues(outcomeError).Inc()
		return
	}
	if inserted {
		s.result.ConditionsInserted++
	} else {
		s.result.ConditionsUpdated++
	}

	outcome := s.match(ctx, c, cond)
	metrics.ContractConditions.WithLabelValues(outcome).Inc()
}

// match applies the skip rules in order and creates the reservation when
// none applies. It returns the outcome label.
func (s *syncRun) match(ctx context.Context, c *model.ExternalContract, cond *model.ExternalContractCondition) string {
	r := s.result
	switch {
	case cond.Linked():
		r.SkippedAlreadyLinked++
		return outcomeAlreadyLinked
	case c.PartnerUserID == "":
		r.SkippedExternalPartner++
		return outcomeExternalPartner
	case cond.Type == model.ConditionPayment:
		r.SkippedPayment++
		return outcomePayment
	case cond.MaterialTicker == "" || cond.MaterialAmount <= 0 || strings.TrimSpace(cond.Location) == "":
		r.SkippedMissingData++
		return outcomeMissingData
	}

	side, ok := OrderSideFor(c.Party, cond.Type)
	if !ok {
		r.SkippedRoleMismatch++
		return outcomeRoleMismatch
	}
	status, ok := ReservationStatusFor(cond)
	if !ok {
		r.SkippedRoleMismatch++
		return outcomeRoleMismatch
	}

	locationID, err := s.resolveLocation(ctx, cond.Location)
	if err != nil {
		s.fail("condition %s: resolve location %q: %v", cond.ExternalID, cond.Location, err)
		return outcomeError
	}
	if locationID == "" {
		r.SkippedUnknownLocation++
		return outcomeUnknownLocation
	}

	order, err := s.m.store.FindOrder(ctx, side, s.userID, cond.MaterialTicker, locationID)
	if errors.Is(err, model.ErrNotFound) {
		r.SkippedNoMatch++
		return outcomeNoMatch
	}
	if err != nil {
		s.fail("condition %s: find %s order: %v", cond.ExternalID, side, err)
		return outcomeError
	}

	notes := fmt.Sprintf("Contract %s condition %d", contractLabel(c), cond.Index)
	res, err := s.m.recorder.RecordMatched(ctx, order, c.PartnerUserID, cond.MaterialAmount, status, cond.ExternalID, notes)
	if errors.Is(err, model.ErrConflict) {
		// Claimed by a concurrent sync between upsert and claim.
		r.SkippedAlreadyLinked++
		return outcomeAlreadyLinked
	}
	if err != nil {
		s.fail("condition %s: create reservation: %v", cond.ExternalID, err)
		return outcomeError
	}

	cond.ReservationID = res.ID
	r.ReservationsCreated++
	return outcomeMatched
}

// resolveLocation returns the known location id for raw, or "" when no
// location matches. Results are memoized for the duration of the sync.
func (s *syncRun) resolveLocation(ctx context.Context, raw string) (string, error) {
	if id, ok := s.locations[raw]; ok {
		return id, nil
	}

	p := ParseLocation(raw)
	id := ""
	loc, err := s.m.store.GetLocation(ctx, p.ID)
	switch {
	case err == nil:
		id = loc.ID
	case !errors.Is(err, model.ErrNotFound):
		return "", err
	case p.Name != "":
		loc, err = s.m.store.FindLocationByName(ctx, p.Name)
		if err == nil {
			id = loc.ID
		} else if !errors.Is(err, model.ErrNotFound) {
			return "", err
		}
	}

	s.locations[raw] = id
	return id, nil
}

func contractLabel(c *model.ExternalContract) string {
	if c.LocalID != "" {
		return c.LocalID
	}
	return c.ExternalID
}
