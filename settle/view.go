package settle

import (
	"math/big"

	"settlepay/storage"
)

// SettlementKind discriminates the settlement shapes: a direct payment to
// the merchant wallet versus a burner-address settlement.
type SettlementKind string

// Settlement kinds.
const (
	KindNative SettlementKind = "native"
	KindBurner SettlementKind = "burner"
)

// CandidateView is one deposit option as returned to callers.
type CandidateView struct {
	Symbol              string  `json:"symbol"`
	TokenAddress        string  `json:"token_address"`
	ChainID             string  `json:"chain_id"`
	ChainName           string  `json:"chain_name"`
	Decimals            int     `json:"decimals"`
	LogoURL             string  `json:"image_url,omitempty"`
	DepositAddress      string  `json:"deposit_address"`
	Amount              float64 `json:"amount"`
	AmountSmallestUnit  string  `json:"amount_smallest_unit"`
	UsedForPayment      bool    `json:"used_for_payment"`
	DisbursementStatus  string  `json:"disbursement_status"`
	DisbursementTxHash  string  `json:"disbursement_tx_hash,omitempty"`
	DisbursementFailure string  `json:"disbursement_failure,omitempty"`
}

// SettledView describes the winning candidate once an order completes.
type SettledView struct {
	Symbol          string  `json:"symbol"`
	TokenAddress    string  `json:"token_address"`
	DepositAddress  string  `json:"deposit_address"`
	SenderAddress   *string `json:"sender_address"`
	TransactionHash *string `json:"transaction_hash"`
	BlockNumber     *string `json:"block_number,omitempty"`
	BlockHash       *string `json:"block_hash,omitempty"`
}

// SettlementView is the full status-check payload. Completion is a data
// value, never a transport error.
type SettlementView struct {
	OrderID    string              `json:"id"`
	Kind       SettlementKind      `json:"kind"`
	Status     storage.OrderStatus `json:"status"`
	ChainID    string              `json:"chain_id"`
	Settled    *SettledView        `json:"settled,omitempty"`
	Candidates []CandidateView     `json:"tokens"`
}

func candidateView(candidate storage.BurnerCandidate) CandidateView {
	view := CandidateView{
		DepositAddress:      candidate.Address,
		AmountSmallestUnit:  candidate.TokenAmount,
		UsedForPayment:      candidate.UsedForPayment,
		DisbursementStatus:  string(candidate.DeployStatus),
		DisbursementTxHash:  candidate.DisburseTxHash,
		DisbursementFailure: candidate.DeployFailureReason,
	}
	if currency := candidate.Currency; currency != nil {
		view.Symbol = currency.Symbol
		view.TokenAddress = currency.TokenAddress
		view.Decimals = currency.Decimals
		view.LogoURL = currency.LogoURL
		if currency.ChainNetwork != nil {
			view.ChainID = currency.ChainNetwork.ChainID
			view.ChainName = currency.ChainNetwork.Name
		}
		view.Amount = displayAmount(candidate.TokenAmount, currency.Decimals)
	}
	return view
}

// displayAmount converts a smallest-unit decimal string back to token units
// for presentation only; comparisons always stay in integer space.
func displayAmount(smallestUnit string, decimals int) float64 {
	amount, ok := new(big.Int).SetString(smallestUnit, 10)
	if !ok {
		return 0
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), scale).Float64()
	return value
}
