package storage

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus represents a state in the payment order lifecycle. Transitions
// only ever move forward.
type OrderStatus string

// Order lifecycle states.
const (
	OrderAwaitingAddresses OrderStatus = "AWAITING_ADDRESS_GENERATION"
	OrderInProgress        OrderStatus = "IN_PROGRESS"
	OrderCompleted         OrderStatus = "COMPLETED"
)

// DeployStatus tracks the disbursement lifecycle of a burner candidate.
// SUCCEEDED is terminal; FAILED may re-enter INITIATED on retry.
type DeployStatus string

// Disbursement states.
const (
	DeployNotDeployed DeployStatus = "NOT_DEPLOYED"
	DeployInitiated   DeployStatus = "INITIATED"
	DeploySucceeded   DeployStatus = "SUCCEEDED"
	DeployFailed      DeployStatus = "FAILED"
)

// CurrencyKind distinguishes chain-native assets from ERC-20 tokens and fiat
// reference currencies.
type CurrencyKind string

// Currency kinds.
const (
	KindNative CurrencyKind = "native"
	KindERC20  CurrencyKind = "erc20"
	KindFiat   CurrencyKind = "fiat"
)

// ChainNetwork holds reference data for one supported blockchain.
type ChainNetwork struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"size:100"`
	ChainID   string    `gorm:"size:100;uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Currency holds reference data for one accepted token or fiat currency.
type Currency struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Name           string       `gorm:"size:100"`
	Symbol         string       `gorm:"size:16;index"`
	CoingeckoID    string       `gorm:"size:100"`
	Kind           CurrencyKind `gorm:"size:16;index"`
	ChainNetworkID *uuid.UUID   `gorm:"type:uuid;index"`
	ChainNetwork   *ChainNetwork
	TokenAddress   string `gorm:"size:128"`
	Decimals       int
	LogoURL        string `gorm:"size:512"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FactoryContract is the deterministic-deployment factory configured per
// chain. Only active rows are eligible for derivation and disbursement.
type FactoryContract struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name           string    `gorm:"size:128"`
	Address        string    `gorm:"size:128"`
	ChainNetworkID uuid.UUID `gorm:"type:uuid;index"`
	ABI            string    `gorm:"type:text"`
	Verified       bool
	Audited        bool
	Active         bool `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MultisigContract is the governance multisig configured per chain; its
// address is part of the burner derivation preimage and the disbursement
// call arguments.
type MultisigContract struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name           string    `gorm:"size:128"`
	Address        string    `gorm:"size:128"`
	ChainNetworkID uuid.UUID `gorm:"type:uuid;index"`
	Active         bool      `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Merchant maps an API key to a payout smart-contract wallet. Key issuance
// and rotation are handled elsewhere; this service only reads the mapping.
type Merchant struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name          string    `gorm:"size:200"`
	APIKey        string    `gorm:"size:128;uniqueIndex"`
	PayoutAddress string    `gorm:"size:128"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Payment is the order aggregate root. Rows are never deleted.
type Payment struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	MerchantID     uuid.UUID `gorm:"type:uuid;index"`
	OrderReference string    `gorm:"size:200"`
	FiatAmount     float64
	FiatCurrency   string      `gorm:"size:16"`
	ChainID        string      `gorm:"size:100;index"`
	PayoutAddress  string      `gorm:"size:128"`
	Status         OrderStatus `gorm:"size:40;index"`

	// Settlement outcome, populated by the winner path.
	SettledCurrencyID *uuid.UUID `gorm:"type:uuid"`
	SettledAddress    string     `gorm:"size:128"`
	SenderAddress     *string    `gorm:"size:128"`
	TransactionHash   *string    `gorm:"size:512"`
	TxBlockNumber     *string    `gorm:"size:128"`
	TxBlockHash       *string    `gorm:"size:512"`

	// Block height observed at creation; scopes explorer scans.
	InitialBlockNumber uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BurnerCandidate is one derived deposit address for a payment+token pair.
// Rows are created atomically with the Payment and never deleted.
type BurnerCandidate struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	PaymentID  uuid.UUID `gorm:"type:uuid;index"`
	CurrencyID uuid.UUID `gorm:"type:uuid"`
	Currency   *Currency
	Address    string `gorm:"size:128"`

	// Position fixes the evaluation order across polls: first funded
	// candidate by position wins.
	Position int `gorm:"index"`

	// Expected amount in the token's smallest unit, stored as a decimal
	// string to survive values beyond int64.
	TokenAmount string `gorm:"size:128"`

	// Rate snapshot at creation: token units per one fiat unit.
	ConversionRate float64

	Status         OrderStatus `gorm:"size:40"`
	UsedForPayment bool        `gorm:"index"`

	DeployStatus        DeployStatus `gorm:"size:32"`
	DeployFailureReason string       `gorm:"size:512"`
	DisburseTxHash      string       `gorm:"size:512"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
