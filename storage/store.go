package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store wraps the gorm handle with the queries the settlement engine needs.
type Store struct {
	db *gorm.DB
}

// New runs migrations and returns a ready store.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&ChainNetwork{},
		&Currency{},
		&FactoryContract{},
		&MultisigContract{},
		&Merchant{},
		&Payment{},
		&BurnerCandidate{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for admin tooling.
func (s *Store) DB() *gorm.DB { return s.db }

// MerchantByAPIKey resolves the merchant owning an API key.
func (s *Store) MerchantByAPIKey(ctx context.Context, key string) (*Merchant, error) {
	var merchant Merchant
	err := s.db.WithContext(ctx).Where("api_key = ?", key).First(&merchant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

// NetworkByChainID resolves a chain network row by its chain id string.
func (s *Store) NetworkByChainID(ctx context.Context, chainID string) (*ChainNetwork, error) {
	var network ChainNetwork
	err := s.db.WithContext(ctx).Where("chain_id = ?", chainID).First(&network).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &network, nil
}

// CurrenciesForNetwork lists the non-fiat currencies accepted on a network in
// creation order. Candidate iteration order derives from this ordering.
func (s *Store) CurrenciesForNetwork(ctx context.Context, networkID uuid.UUID) ([]Currency, error) {
	var currencies []Currency
	err := s.db.WithContext(ctx).
		Where("chain_network_id = ? AND kind <> ?", networkID, KindFiat).
		Order("created_at ASC, id ASC").
		Find(&currencies).Error
	if err != nil {
		return nil, err
	}
	return currencies, nil
}

// ActiveFactory returns the active factory contract for a network.
func (s *Store) ActiveFactory(ctx context.Context, networkID uuid.UUID) (*FactoryContract, error) {
	var factory FactoryContract
	err := s.db.WithContext(ctx).
		Where("chain_network_id = ? AND active = ?", networkID, true).
		First(&factory).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &factory, nil
}

// ActiveMultisig returns the active multisig contract for a network.
func (s *Store) ActiveMultisig(ctx context.Context, networkID uuid.UUID) (*MultisigContract, error) {
	var multisig MultisigContract
	err := s.db.WithContext(ctx).
		Where("chain_network_id = ? AND active = ?", networkID, true).
		First(&multisig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &multisig, nil
}

// CreateOrder persists a payment and all of its burner candidates in one
// transaction. Either everything lands or nothing does.
func (s *Store) CreateOrder(ctx context.Context, payment *Payment, candidates []BurnerCandidate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(payment).Error; err != nil {
			return err
		}
		for i := range candidates {
			if err := tx.Create(&candidates[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// PaymentByID loads one payment.
func (s *Store) PaymentByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	var payment Payment
	err := s.db.WithContext(ctx).First(&payment, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// CandidatesByPayment lists every burner candidate for a payment in stable
// creation order.
func (s *Store) CandidatesByPayment(ctx context.Context, paymentID uuid.UUID) ([]BurnerCandidate, error) {
	var candidates []BurnerCandidate
	err := s.db.WithContext(ctx).
		Preload("Currency").
		Preload("Currency.ChainNetwork").
		Where("payment_id = ?", paymentID).
		Order("position ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// CandidateByID loads one burner candidate with its currency metadata.
func (s *Store) CandidateByID(ctx context.Context, id uuid.UUID) (*BurnerCandidate, error) {
	var candidate BurnerCandidate
	err := s.db.WithContext(ctx).
		Preload("Currency").
		Preload("Currency.ChainNetwork").
		First(&candidate, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &candidate, nil
}

// WinningCandidate returns the candidate marked used for payment, or nil when
// no candidate has been funded yet.
func (s *Store) WinningCandidate(ctx context.Context, paymentID uuid.UUID) (*BurnerCandidate, error) {
	var candidate BurnerCandidate
	err := s.db.WithContext(ctx).
		Preload("Currency").
		Preload("Currency.ChainNetwork").
		Where("payment_id = ? AND used_for_payment = ?", paymentID, true).
		First(&candidate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &candidate, nil
}

// ClaimCandidate flips used_for_payment with compare-and-swap semantics. The
// claim is scoped to the whole payment: it fails when any candidate of the
// payment already holds the win, so pollers with divergent balance views
// cannot each claim a different candidate. Returns false on a lost race; the
// caller should re-read the winner.
func (s *Store) ClaimCandidate(ctx context.Context, paymentID, candidateID uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).Model(&BurnerCandidate{}).
		Where("id = ? AND used_for_payment = ?", candidateID, false).
		Where("NOT EXISTS (SELECT 1 FROM burner_candidates w WHERE w.payment_id = ? AND w.used_for_payment = ?)", paymentID, true).
		Updates(map[string]any{
			"used_for_payment": true,
			"status":           OrderCompleted,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CompletePayment transitions a payment to Completed and records the winning
// candidate. The status guard keeps the transition forward-only; the returned
// bool is true only for the poll that performed the transition, so completion
// side effects fire exactly once.
func (s *Store) CompletePayment(ctx context.Context, paymentID, currencyID uuid.UUID, settledAddress string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Payment{}).
		Where("id = ? AND status <> ?", paymentID, OrderCompleted).
		Updates(map[string]any{
			"status":              OrderCompleted,
			"settled_currency_id": currencyID,
			"settled_address":     settledAddress,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecordInboundTransfer backfills sender and transaction metadata discovered
// via the block explorer. Safe to call again once the explorer catches up.
func (s *Store) RecordInboundTransfer(ctx context.Context, paymentID uuid.UUID, sender, txHash, blockNumber, blockHash string) error {
	updates := map[string]any{}
	if sender != "" {
		updates["sender_address"] = sender
	}
	if txHash != "" {
		updates["transaction_hash"] = txHash
	}
	if blockNumber != "" {
		updates["tx_block_number"] = blockNumber
	}
	if blockHash != "" {
		updates["tx_block_hash"] = blockHash
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&Payment{}).
		Where("id = ?", paymentID).
		Updates(updates).Error
}

// MarkDisbursementInitiated claims a candidate for disbursement. The guard
// admits only NOT_DEPLOYED and FAILED rows, which both bounds retries to
// explicit re-enqueues and keeps at most one worker active per candidate.
func (s *Store) MarkDisbursementInitiated(ctx context.Context, candidateID uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).Model(&BurnerCandidate{}).
		Where("id = ? AND deploy_status IN ?", candidateID, []DeployStatus{DeployNotDeployed, DeployFailed}).
		Update("deploy_status", DeployInitiated)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkDisbursementSucceeded records a broadcast disbursement transaction and
// clears any prior failure reason. SUCCEEDED is terminal.
func (s *Store) MarkDisbursementSucceeded(ctx context.Context, candidateID uuid.UUID, txHash string) error {
	return s.db.WithContext(ctx).Model(&BurnerCandidate{}).
		Where("id = ?", candidateID).
		Updates(map[string]any{
			"deploy_status":         DeploySucceeded,
			"disburse_tx_hash":      txHash,
			"deploy_failure_reason": "",
		}).Error
}

// MarkDisbursementFailed records a failed disbursement attempt with the
// reason capped at 500 characters. The next status check may re-enqueue it.
func (s *Store) MarkDisbursementFailed(ctx context.Context, candidateID uuid.UUID, reason string) error {
	const maxReason = 500
	if runes := []rune(reason); len(runes) > maxReason {
		reason = string(runes[:maxReason])
	}
	return s.db.WithContext(ctx).Model(&BurnerCandidate{}).
		Where("id = ?", candidateID).
		Updates(map[string]any{
			"deploy_status":         DeployFailed,
			"deploy_failure_reason": reason,
		}).Error
}
