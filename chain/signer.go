package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// OperatorKey holds the service's on-chain signing identity. The raw key is
// sourced from an environment variable so it never lands in config files.
type OperatorKey struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// LoadOperatorKey parses a hex-encoded secp256k1 private key.
func LoadOperatorKey(hexKey string) (*OperatorKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("operator key required")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	return &OperatorKey{
		key:     key,
		address: gethcrypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the operator's account address.
func (k *OperatorKey) Address() common.Address { return k.address }

// SignTx signs a transaction for the given chain using EIP-155 replay
// protection.
func (k *OperatorKey) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id required for signing")
	}
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), k.key)
}
