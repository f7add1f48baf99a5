package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fiomkt/market-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// --- Locations and users ---

func (s *PostgresStore) UpsertLocation(ctx context.Context, loc *model.Location) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO locations (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		loc.ID, loc.Name)
	return err
}

func (s *PostgresStore) GetLocation(ctx context.Context, id string) (*model.Location, error) {
	var loc model.Location
	err := s.pool.QueryRow(ctx, `SELECT id, name FROM locations WHERE id = $1`, id).
		Scan(&loc.ID, &loc.Name)
	if err != nil {
		return nil, notFound(err, "location %s", id)
	}
	return &loc, nil
}

func (s *PostgresStore) FindLocationByName(ctx context.Context, name string) (*model.Location, error) {
	var loc model.Location
	err := s.pool.QueryRow(ctx,
		`SELECT id, name FROM locations WHERE lower(name) = lower($1) ORDER BY id LIMIT 1`, name).
		Scan(&loc.ID, &loc.Name)
	if err != nil {
		return nil, notFound(err, "location named %q", name)
	}
	return &loc, nil
}

func (s *PostgresStore) SetCompanyCode(ctx context.Context, code, userID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO company_codes (code, user_id) VALUES (upper($1), $2)
		 ON CONFLICT (code) DO UPDATE SET user_id = EXCLUDED.user_id`,
		code, userID)
	return err
}

func (s *PostgresStore) UserIDByCompanyCode(ctx context.Context, code string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM company_codes WHERE code = upper($1)`, code).Scan(&userID)
	if err != nil {
		return "", notFound(err, "company code %s", code)
	}
	return userID, nil
}

// --- Inventory ---

func (s *PostgresStore) ReplaceInventory(ctx context.Context, userID string, items []model.InventoryItem) error {
	merged := make(map[model.InventoryKey]model.InventoryItem, len(items))
	for _, it := range items {
		it.UserID = userID
		if prev, ok := merged[it.Key()]; ok {
			it.Quantity += prev.Quantity
		}
		merged[it.Key()] = it
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM inventory WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear inventory for %s: %w", userID, err)
	}

	rows := make([][]any, 0, len(merged))
	for _, it := range merged {
		rows = append(rows, []any{it.UserID, it.Ticker, it.LocationID, it.Quantity, it.SyncedAt})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"inventory"},
		[]string{"user_id", "ticker", "location_id", "quantity", "synced_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("copy inventory for %s: %w", userID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) OnHandQuantity(ctx context.Context, userID, ticker, locationID string) (int64, error) {
	var qty int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM inventory
		 WHERE user_id = $1 AND ticker = $2 AND location_id = $3`,
		userID, ticker, locationID).Scan(&qty)
	return qty, err
}

func (s *PostgresStore) ListInventory(ctx context.Context, userIDs []string) ([]model.InventoryItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, ticker, location_id, quantity, synced_at
		 FROM inventory WHERE user_id = ANY($1::TEXT[])`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.InventoryItem
	for rows.Next() {
		var it model.InventoryItem
		if err := rows.Scan(&it.UserID, &it.Ticker, &it.LocationID, &it.Quantity, &it.SyncedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// --- Orders ---

// orderSelect returns the table and a column list that scans identically
// for both sides.
func orderSelect(side model.Side) (table, cols string) {
	const common = `id::TEXT, owner_id, ticker, location_id, currency,
		fixed_price::TEXT, COALESCE(price_list_code, ''), visibility, created_at`
	if side == model.SideBuy {
		return "buy_orders", common + `, 'none', 0::BIGINT, quantity`
	}
	return "sell_orders", common + `, limit_mode, limit_quantity, 0::BIGINT`
}

func scanOrder(row scanner, side model.Side) (*model.Order, error) {
	o := model.Order{Side: side}
	var fixedPrice *string
	if err := row.Scan(&o.ID, &o.OwnerID, &o.Ticker, &o.LocationID, &o.Currency,
		&fixedPrice, &o.PriceListCode, &o.Visibility, &o.CreatedAt,
		&o.LimitMode, &o.LimitQuantity, &o.Quantity); err != nil {
		return nil, err
	}
	if fixedPrice != nil {
		p, err := decimal.NewFromString(*fixedPrice)
		if err != nil {
			return nil, fmt.Errorf("parse fixed price of order %s: %w", o.ID, err)
		}
		o.FixedPrice = &p
	}
	if side == model.SideBuy {
		o.LimitMode = ""
	}
	return &o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	var fixedPrice, priceList *string
	if o.FixedPrice != nil {
		v := o.FixedPrice.String()
		fixedPrice = &v
	}
	if o.PriceListCode != "" {
		priceList = &o.PriceListCode
	}

	var err error
	switch o.Side {
	case model.SideSell:
		_, err = s.pool.Exec(ctx,
			`INSERT INTO sell_orders (id, owner_id, ticker, location_id, currency, fixed_price,
			                          price_list_code, visibility, limit_mode, limit_quantity, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11)`,
			o.ID, o.OwnerID, o.Ticker, o.LocationID, o.Currency, fixedPrice,
			priceList, o.Visibility, o.LimitMode, o.LimitQuantity, o.CreatedAt)
	case model.SideBuy:
		_, err = s.pool.Exec(ctx,
			`INSERT INTO buy_orders (id, owner_id, ticker, location_id, currency, fixed_price,
			                         price_list_code, visibility, quantity, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)`,
			o.ID, o.OwnerID, o.Ticker, o.LocationID, o.Currency, fixedPrice,
			priceList, o.Visibility, o.Quantity, o.CreatedAt)
	default:
		return model.Validationf("unknown order side %q", o.Side)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s order %s already exists", model.ErrConflict, o.Side, o.ID)
	}
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, ref model.OrderRef) (*model.Order, error) {
	table, cols := orderSelect(ref.Side)
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+cols+` FROM `+table+` WHERE id = $1`, ref.OrderID), ref.Side)
	if err != nil {
		return nil, notFound(err, "%s order %s", ref.Side, ref.OrderID)
	}
	return o, nil
}

func (s *PostgresStore) ListOrdersByOwner(ctx context.Context, side model.Side, ownerID string) ([]model.Order, error) {
	table, cols := orderSelect(side)
	rows, err := s.pool.Query(ctx,
		`SELECT `+cols+` FROM `+table+` WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows, side)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) FindOrder(ctx context.Context, side model.Side, ownerID, ticker, locationID string) (*model.Order, error) {
	table, cols := orderSelect(side)
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+cols+` FROM `+table+`
		 WHERE ticker = $1 AND location_id = $2 AND ($3::TEXT = '' OR owner_id = $3)
		 ORDER BY created_at, id LIMIT 1`,
		ticker, locationID, ownerID), side)
	if err != nil {
		return nil, notFound(err, "%s order for %s at %s", side, ticker, locationID)
	}
	return o, nil
}

// DeleteOrder relies on ON DELETE CASCADE to remove reservations in the
// same statement.
func (s *PostgresStore) DeleteOrder(ctx context.Context, ref model.OrderRef) error {
	table, _ := orderSelect(ref.Side)
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, ref.OrderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("%s order %s", ref.Side, ref.OrderID)
	}
	return nil
}

// --- Reservations ---

const reservationCols = `r.id::TEXT, r.sell_order_id::TEXT, r.buy_order_id::TEXT, r.counterparty_id,
	r.quantity, r.status, r.notes, r.expires_at, COALESCE(r.external_condition_id, ''),
	r.created_at, r.updated_at`

func scanReservation(row scanner) (*model.Reservation, error) {
	var r model.Reservation
	var sellID, buyID *string
	if err := row.Scan(&r.ID, &sellID, &buyID, &r.CounterpartyID,
		&r.Quantity, &r.Status, &r.Notes, &r.ExpiresAt, &r.ExternalConditionID,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	target, ok := model.OrderRefFromColumns(sellID, buyID)
	if !ok {
		return nil, fmt.Errorf("reservation %s does not reference exactly one order", r.ID)
	}
	r.Target = target
	return &r, nil
}

func scanReservations(rows pgx.Rows) ([]model.Reservation, error) {
	defer rows.Close()

	var result []model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

// insertReservation runs on either the pool or a transaction.
func insertReservation(ctx context.Context, db interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}, r *model.Reservation) error {
	if !r.Target.Valid() {
		return model.Validationf("reservation must reference exactly one order")
	}
	sellID, buyID := r.Target.Columns()
	var conditionID *string
	if r.ExternalConditionID != "" {
		conditionID = &r.ExternalConditionID
	}
	_, err := db.Exec(ctx,
		`INSERT INTO reservations (id, sell_order_id, buy_order_id, counterparty_id, quantity,
		                           status, notes, expires_at, external_condition_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, sellID, buyID, r.CounterpartyID, r.Quantity,
		r.Status, r.Notes, r.ExpiresAt, conditionID, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: reservation %s already exists", model.ErrConflict, r.ID)
	}
	if isForeignKeyViolation(err) {
		return model.NotFoundf("%s order %s", r.Target.Side, r.Target.OrderID)
	}
	return err
}

func (s *PostgresStore) CreateReservation(ctx context.Context, r *model.Reservation) error {
	return insertReservation(ctx, s.pool, r)
}

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx,
		`SELECT `+reservationCols+` FROM reservations r WHERE r.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "reservation %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListReservationsByTargets(ctx context.Context, refs []model.OrderRef) ([]model.Reservation, error) {
	var sellIDs, buyIDs []string
	for _, ref := range refs {
		if ref.Side == model.SideSell {
			sellIDs = append(sellIDs, ref.OrderID)
		} else {
			buyIDs = append(buyIDs, ref.OrderID)
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+reservationCols+` FROM reservations r
		 WHERE r.sell_order_id = ANY($1::TEXT[]::UUID[])
		    OR r.buy_order_id = ANY($2::TEXT[]::UUID[])
		 ORDER BY r.created_at, r.id`, sellIDs, buyIDs)
	if err != nil {
		return nil, err
	}
	return scanReservations(rows)
}

func (s *PostgresStore) ListReservationsForUser(ctx context.Context, userID string) ([]model.Reservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reservationCols+` FROM reservations r
		 LEFT JOIN sell_orders so ON so.id = r.sell_order_id
		 LEFT JOIN buy_orders bo ON bo.id = r.buy_order_id
		 WHERE r.counterparty_id = $1 OR so.owner_id = $1 OR bo.owner_id = $1
		 ORDER BY r.created_at, r.id`, userID)
	if err != nil {
		return nil, err
	}
	return scanReservations(rows)
}

// UpdateReservationStatus is a check-and-set: the status-equality predicate
// makes concurrent transitions of the same reservation mutually exclusive.
func (s *PostgresStore) UpdateReservationStatus(ctx context.Context, id string, from, to model.ReservationStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reservations SET status = $3, updated_at = $4
		 WHERE id = $1 AND status = $2`, id, from, to, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.statusMismatch(ctx, id, from)
}

func (s *PostgresStore) DeletePendingReservation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM reservations WHERE id = $1 AND status = $2`, id, model.StatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.statusMismatch(ctx, id, model.StatusPending)
}

// statusMismatch explains why a conditional write touched no row.
func (s *PostgresStore) statusMismatch(ctx context.Context, id string, expected model.ReservationStatus) error {
	var current model.ReservationStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM reservations WHERE id = $1`, id).Scan(&current)
	if err != nil {
		return notFound(err, "reservation %s", id)
	}
	return &model.StatusMismatchError{Expected: expected, Actual: current}
}

func (s *PostgresStore) ListExpiredReservations(ctx context.Context, now time.Time) ([]model.Reservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reservationCols+` FROM reservations r
		 WHERE r.status IN ('pending', 'confirmed') AND r.expires_at IS NOT NULL AND r.expires_at <= $1
		 ORDER BY r.expires_at`, now)
	if err != nil {
		return nil, err
	}
	return scanReservations(rows)
}

// --- Pricing ---

func (s *PostgresStore) UpsertPriceList(ctx context.Context, pl *model.PriceList) error {
	var defaultLoc *string
	if pl.DefaultLocationID != "" {
		defaultLoc = &pl.DefaultLocationID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_lists (code, currency, default_location_id) VALUES ($1, $2, $3)
		 ON CONFLICT (code) DO UPDATE
		 SET currency = EXCLUDED.currency, default_location_id = EXCLUDED.default_location_id`,
		pl.Code, pl.Currency, defaultLoc)
	return err
}

func (s *PostgresStore) GetPriceList(ctx context.Context, code string) (*model.PriceList, error) {
	var pl model.PriceList
	err := s.pool.QueryRow(ctx,
		`SELECT code, currency, COALESCE(default_location_id, '') FROM price_lists WHERE code = $1`, code).
		Scan(&pl.Code, &pl.Currency, &pl.DefaultLocationID)
	if err != nil {
		return nil, notFound(err, "price list %s", code)
	}
	return &pl, nil
}

func (s *PostgresStore) UpsertPrice(ctx context.Context, p *model.Price) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prices (price_list_code, ticker, location_id, price) VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (price_list_code, ticker, location_id) DO UPDATE SET price = EXCLUDED.price`,
		p.PriceListCode, p.Ticker, p.LocationID, p.Price.String())
	if isForeignKeyViolation(err) {
		return model.NotFoundf("price list %s", p.PriceListCode)
	}
	return err
}

func (s *PostgresStore) GetPrice(ctx context.Context, priceListCode, ticker, locationID string) (*model.Price, error) {
	p := model.Price{PriceListCode: priceListCode, Ticker: ticker, LocationID: locationID}
	var priceS string
	err := s.pool.QueryRow(ctx,
		`SELECT price::TEXT FROM prices WHERE price_list_code = $1 AND ticker = $2 AND location_id = $3`,
		priceListCode, ticker, locationID).Scan(&priceS)
	if err != nil {
		return nil, notFound(err, "price for %s at %s in %s", ticker, locationID, priceListCode)
	}
	if p.Price, err = decimal.NewFromString(priceS); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPricesAtLocation(ctx context.Context, priceListCode, locationID string) ([]model.Price, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ticker, price::TEXT FROM prices
		 WHERE price_list_code = $1 AND location_id = $2 ORDER BY ticker`,
		priceListCode, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []model.Price
	for rows.Next() {
		p := model.Price{PriceListCode: priceListCode, LocationID: locationID}
		var priceS string
		if err := rows.Scan(&p.Ticker, &priceS); err != nil {
			return nil, err
		}
		if p.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("parse price of %s: %w", p.Ticker, err)
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

func (s *PostgresStore) CreateAdjustment(ctx context.Context, a *model.PriceAdjustment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_adjustments (id, price_list_code, ticker, location_id, kind, value,
		                                priority, active, effective_from, effective_until, description)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11)`,
		a.ID, a.PriceListCode, a.Ticker, a.LocationID, a.Kind, a.Value.String(),
		a.Priority, a.Active, a.EffectiveFrom, a.EffectiveUntil, a.Description)
	return err
}

func (s *PostgresStore) ListAdjustments(ctx context.Context, q AdjustmentQuery) ([]model.PriceAdjustment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, price_list_code, ticker, location_id, kind, value::TEXT,
		        priority, active, effective_from, effective_until, description
		 FROM price_adjustments
		 WHERE active
		   AND (price_list_code IS NULL OR price_list_code = $1)
		   AND ($2::TEXT = '' OR ticker IS NULL OR ticker = $2)
		   AND (location_id IS NULL OR location_id = $3)
		   AND (effective_from IS NULL OR effective_from <= $4)
		   AND (effective_until IS NULL OR effective_until > $4)
		 ORDER BY priority, id`,
		q.PriceListCode, q.Ticker, q.LocationID, q.At)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PriceAdjustment
	for rows.Next() {
		var a model.PriceAdjustment
		var valueS string
		if err := rows.Scan(&a.ID, &a.PriceListCode, &a.Ticker, &a.LocationID, &a.Kind, &valueS,
			&a.Priority, &a.Active, &a.EffectiveFrom, &a.EffectiveUntil, &a.Description); err != nil {
			return nil, err
		}
		if a.Value, err = decimal.NewFromString(valueS); err != nil {
			return nil, fmt.Errorf("parse adjustment %s value: %w", a.ID, err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// --- External contracts ---

func (s *PostgresStore) UpsertContract(ctx context.Context, c *model.ExternalContract) (bool, error) {
	var partnerUserID *string
	if c.PartnerUserID != "" {
		partnerUserID = &c.PartnerUserID
	}
	var inserted bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO external_contracts (external_id, user_id, local_id, party, partner_company_code,
		                                 partner_name, partner_user_id, status, name, contract_date,
		                                 due_date, external_updated_at, synced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (external_id) DO UPDATE SET
		     user_id = EXCLUDED.user_id,
		     local_id = EXCLUDED.local_id,
		     party = EXCLUDED.party,
		     partner_company_code = EXCLUDED.partner_company_code,
		     partner_name = EXCLUDED.partner_name,
		     partner_user_id = EXCLUDED.partner_user_id,
		     status = EXCLUDED.status,
		     name = EXCLUDED.name,
		     contract_date = EXCLUDED.contract_date,
		     due_date = EXCLUDED.due_date,
		     external_updated_at = EXCLUDED.external_updated_at,
		     synced_at = EXCLUDED.synced_at
		 RETURNING (xmax = 0)`,
		c.ExternalID, c.UserID, c.LocalID, c.Party, c.PartnerCompanyCode,
		c.PartnerName, partnerUserID, c.Status, c.Name, c.ContractDate,
		c.DueDate, c.ExternalUpdatedAt, c.SyncedAt).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert contract %s: %w", c.ExternalID, err)
	}
	return inserted, nil
}

// UpsertCondition never touches reservation_id on update; the stored link is
// returned into c.
func (s *PostgresStore) UpsertCondition(ctx context.Context, c *model.ExternalContractCondition) (bool, error) {
	var inserted bool
	var link string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO external_contract_conditions (external_id, contract_external_id, idx, type, status,
		                                           party, material_ticker, material_amount,
		                                           payment_amount, payment_currency, location)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10, $11)
		 ON CONFLICT (external_id) DO UPDATE SET
		     contract_external_id = EXCLUDED.contract_external_id,
		     idx = EXCLUDED.idx,
		     type = EXCLUDED.type,
		     status = EXCLUDED.status,
		     party = EXCLUDED.party,
		     material_ticker = EXCLUDED.material_ticker,
		     material_amount = EXCLUDED.material_amount,
		     payment_amount = EXCLUDED.payment_amount,
		     payment_currency = EXCLUDED.payment_currency,
		     location = EXCLUDED.location
		 RETURNING (xmax = 0), COALESCE(reservation_id::TEXT, '')`,
		c.ExternalID, c.ContractExternalID, c.Index, c.Type, c.Status,
		c.Party, c.MaterialTicker, c.MaterialAmount,
		c.PaymentAmount.String(), c.PaymentCurrency, c.Location).Scan(&inserted, &link)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, model.NotFoundf("contract %s", c.ContractExternalID)
		}
		return false, fmt.Errorf("upsert condition %s: %w", c.ExternalID, err)
	}
	c.ReservationID = link
	return inserted, nil
}

// ClaimCondition locks the condition row, so two syncs racing on the same
// condition serialize and the loser sees the link.
func (s *PostgresStore) ClaimCondition(ctx context.Context, conditionExternalID string, r *model.Reservation) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var link *string
	err = tx.QueryRow(ctx,
		`SELECT reservation_id::TEXT FROM external_contract_conditions
		 WHERE external_id = $1 FOR UPDATE`, conditionExternalID).Scan(&link)
	if err != nil {
		return notFound(err, "condition %s", conditionExternalID)
	}
	if link != nil {
		return fmt.Errorf("%w: condition %s already linked to reservation %s",
			model.ErrConflict, conditionExternalID, *link)
	}

	if err := insertReservation(ctx, tx, r); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE external_contract_conditions SET reservation_id = $2 WHERE external_id = $1`,
		conditionExternalID, r.ID); err != nil {
		return fmt.Errorf("link condition %s: %w", conditionExternalID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListContracts(ctx context.Context, userID string) ([]model.ExternalContract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT external_id, user_id, local_id, party, partner_company_code, partner_name,
		        COALESCE(partner_user_id, ''), status, name, contract_date, due_date,
		        external_updated_at, synced_at
		 FROM external_contracts WHERE user_id = $1 ORDER BY synced_at, external_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []model.ExternalContract
	index := make(map[string]int)
	for rows.Next() {
		var c model.ExternalContract
		if err := rows.Scan(&c.ExternalID, &c.UserID, &c.LocalID, &c.Party, &c.PartnerCompanyCode,
			&c.PartnerName, &c.PartnerUserID, &c.Status, &c.Name, &c.ContractDate, &c.DueDate,
			&c.ExternalUpdatedAt, &c.SyncedAt); err != nil {
			return nil, err
		}
		index[c.ExternalID] = len(contracts)
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return contracts, nil
	}

	condRows, err := s.pool.Query(ctx,
		`SELECT cc.external_id, cc.contract_external_id, cc.idx, cc.type, cc.status, cc.party,
		        cc.material_ticker, cc.material_amount, cc.payment_amount::TEXT, cc.payment_currency,
		        cc.location, COALESCE(cc.reservation_id::TEXT, '')
		 FROM external_contract_conditions cc
		 JOIN external_contracts c ON c.external_id = cc.contract_external_id
		 WHERE c.user_id = $1 ORDER BY cc.contract_external_id, cc.idx`, userID)
	if err != nil {
		return nil, err
	}
	defer condRows.Close()

	for condRows.Next() {
		cc, err := scanCondition(condRows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[cc.ContractExternalID]; ok {
			contracts[i].Conditions = append(contracts[i].Conditions, *cc)
		}
	}
	return contracts, condRows.Err()
}

func scanCondition(row scanner) (*model.ExternalContractCondition, error) {
	var cc model.ExternalContractCondition
	var amountS string
	if err := row.Scan(&cc.ExternalID, &cc.ContractExternalID, &cc.Index, &cc.Type, &cc.Status,
		&cc.Party, &cc.MaterialTicker, &cc.MaterialAmount, &amountS, &cc.PaymentCurrency,
		&cc.Location, &cc.ReservationID); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(amountS)
	if err != nil {
		return nil, fmt.Errorf("parse payment amount of condition %s: %w", cc.ExternalID, err)
	}
	cc.PaymentAmount = amount
	return &cc, nil
}

// --- Error helpers ---

// notFound maps a missing row, or an id that is not a valid uuid, to
// model.ErrNotFound.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
		return model.NotFoundf(format, args...)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
