package settle

import "errors"

// Order-level failures abort creation before anything is persisted.
var (
	// ErrChainUnsupported indicates the requested chain id is not in the
	// active configuration set.
	ErrChainUnsupported = errors.New("settle: chain unsupported")

	// ErrFiatUnsupported indicates a pricing currency other than USD, which
	// is the only anchor the rate oracle supports.
	ErrFiatUnsupported = errors.New("settle: fiat currency unsupported")

	// ErrContractUnavailable indicates no active factory or multisig
	// contract is configured for the chain.
	ErrContractUnavailable = errors.New("settle: contract unavailable")

	// ErrChainUnavailable indicates a transient RPC failure; callers may
	// retry.
	ErrChainUnavailable = errors.New("settle: chain unavailable")

	// ErrRateUnavailable indicates no exchange rate could be fetched at
	// all; per-token gaps degrade instead of failing.
	ErrRateUnavailable = errors.New("settle: rates unavailable")

	// ErrNoCandidates indicates every accepted token was excluded, leaving
	// nothing to derive.
	ErrNoCandidates = errors.New("settle: no eligible payment tokens")

	// ErrInvalidOrder indicates an unknown order id on a status check.
	ErrInvalidOrder = errors.New("settle: invalid order")
)
