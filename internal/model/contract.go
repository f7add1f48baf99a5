package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractParty is the syncing user's role in an external contract.
type ContractParty string

const (
	PartyProvider ContractParty = "PROVIDER"
	PartyCustomer ContractParty = "CUSTOMER"
)

// ConditionType is the kind of obligation a contract condition describes.
type ConditionType string

const (
	ConditionProvision           ConditionType = "PROVISION"
	ConditionDelivery            ConditionType = "DELIVERY"
	ConditionComexPurchasePickup ConditionType = "COMEX_PURCHASE_PICKUP"
	ConditionPayment             ConditionType = "PAYMENT"
)

// ConditionStatus is the external fulfillment status of a condition.
type ConditionStatus string

const (
	ConditionPending   ConditionStatus = "PENDING"
	ConditionFulfilled ConditionStatus = "FULFILLED"
)

// ExternalContract mirrors a contract synced from the external trade
// tracker for one user.
type ExternalContract struct {
	ExternalID         string        `json:"external_id"`
	UserID             string        `json:"user_id"`
	LocalID            string        `json:"local_id"`
	Party              ContractParty `json:"party"`
	PartnerCompanyCode string        `json:"partner_company_code"`
	PartnerName        string        `json:"partner_name,omitempty"`
	PartnerUserID      string        `json:"partner_user_id,omitempty"`
	Status             string        `json:"status"`
	Name               string        `json:"name,omitempty"`
	ContractDate       *time.Time    `json:"contract_date,omitempty"`
	DueDate            *time.Time    `json:"due_date,omitempty"`
	ExternalUpdatedAt  *time.Time    `json:"external_updated_at,omitempty"`
	SyncedAt           time.Time     `json:"synced_at"`

	Conditions []ExternalContractCondition `json:"conditions"`
}

// ExternalContractCondition mirrors one condition of an external contract.
// ReservationID is the one-way claim set when matching creates a
// reservation; upserts never clear it.
type ExternalContractCondition struct {
	ExternalID         string          `json:"external_id"`
	ContractExternalID string          `json:"contract_external_id"`
	Index              int             `json:"index"`
	Type               ConditionType   `json:"type"`
	Status             ConditionStatus `json:"status"`
	Party              ContractParty   `json:"party"`
	MaterialTicker     string          `json:"material_ticker,omitempty"`
	MaterialAmount     int64           `json:"material_amount,omitempty"`
	PaymentAmount      decimal.Decimal `json:"payment_amount"`
	PaymentCurrency    string          `json:"payment_currency,omitempty"`
	Location           string          `json:"location,omitempty"`
	ReservationID      string          `json:"reservation_id,omitempty"`
}

// Linked reports whether a reservation has already claimed the condition.
func (c *ExternalContractCondition) Linked() bool {
	return c.ReservationID != ""
}

// ContractSyncResult summarizes one contract sync call.
type ContractSyncResult struct {
	ContractsProcessed  int `json:"contracts_processed"`
	ContractsInserted   int `json:"contracts_inserted"`
	ContractsUpdated    int `json:"contracts_updated"`
	ConditionsProcessed int `json:"conditions_processed"`
	ConditionsInserted  int `json:"conditions_inserted"`
	ConditionsUpdated   int `json:"conditions_updated"`
	ReservationsCreated int `json:"reservations_created"`

	SkippedAlreadyLinked   int `json:"skipped_already_linked"`
	SkippedExternalPartner int `json:"skipped_external_partner"`
	SkippedPayment         int `json:"skipped_payment"`
	SkippedMissingData     int `json:"skipped_missing_data"`
	SkippedUnknownLocation int `json:"skipped_unknown_location"`
	SkippedNoMatch         int `json:"skipped_no_match"`
	SkippedRoleMismatch    int `json:"skipped_role_mismatch"`

	Errors []string `json:"errors"`
}
