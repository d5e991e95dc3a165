package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultFactoryABI is the deterministic-deployment factory interface. The
// per-chain ABI stored with the contract row takes precedence; this is the
// fallback for rows without one.
const DefaultFactoryABI = `[
  {"inputs":[{"name":"paymentId","type":"string"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"merchant","type":"address"},{"name":"multisig","type":"address"}],"name":"predictAddress","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"paymentId","type":"string"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"merchant","type":"address"},{"name":"multisig","type":"address"}],"name":"deploy","outputs":[{"name":"","type":"address"}],"stateMutability":"nonpayable","type":"function"}
]`

// Factory wraps the on-chain factory contract that derives and deploys
// single-use burner deposit contracts.
type Factory struct {
	caller  Caller
	address common.Address
	abi     abi.ABI
}

// NewFactory parses the contract ABI and binds it to an address. An empty
// abiJSON selects DefaultFactoryABI.
func NewFactory(caller Caller, address common.Address, abiJSON string) (*Factory, error) {
	if caller == nil {
		return nil, fmt.Errorf("factory caller required")
	}
	if (address == common.Address{}) {
		return nil, fmt.Errorf("factory address required")
	}
	raw := strings.TrimSpace(abiJSON)
	if raw == "" {
		raw = DefaultFactoryABI
	}
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse factory abi: %w", err)
	}
	if _, ok := parsed.Methods["predictAddress"]; !ok {
		return nil, fmt.Errorf("factory abi missing predictAddress")
	}
	if _, ok := parsed.Methods["deploy"]; !ok {
		return nil, fmt.Errorf("factory abi missing deploy")
	}
	return &Factory{caller: caller, address: address, abi: parsed}, nil
}

// Address returns the bound factory contract address.
func (f *Factory) Address() common.Address { return f.address }

// PredictAddress computes the deterministic burner address for the given
// preimage via a read-only call. Identical inputs always yield the identical
// address; no chain state is touched.
func (f *Factory) PredictAddress(ctx context.Context, paymentID string, token common.Address, amount *big.Int, merchant, multisig common.Address) (common.Address, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Address{}, fmt.Errorf("amount must be positive")
	}
	data, err := f.abi.Pack("predictAddress", paymentID, token, amount, merchant, multisig)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack predictAddress: %w", err)
	}
	out, err := f.caller.CallContract(ctx, f.address, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("call predictAddress: %w", err)
	}
	results, err := f.abi.Unpack("predictAddress", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack predictAddress: %w", err)
	}
	derived, ok := results[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected predictAddress result type %T", results[0])
	}
	return derived, nil
}

// DeployCallData encodes the deploy-and-disburse call for the same preimage
// used at derivation time.
func (f *Factory) DeployCallData(paymentID string, token common.Address, amount *big.Int, merchant, multisig common.Address) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	data, err := f.abi.Pack("deploy", paymentID, token, amount, merchant, multisig)
	if err != nil {
		return nil, fmt.Errorf("pack deploy: %w", err)
	}
	return data, nil
}
