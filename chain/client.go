package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABIJSON = `[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"}]`

// Caller is the read-only contract call surface needed for deterministic
// address derivation.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Gateway is the per-chain RPC surface the settlement engine and
// disbursement worker depend on.
type Gateway interface {
	Caller
	ChainID() *big.Int
	BlockNumber(ctx context.Context) (uint64, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// RPCGateway implements Gateway against an Ethereum JSON-RPC endpoint.
type RPCGateway struct {
	client   *ethclient.Client
	chainID  *big.Int
	erc20ABI abi.ABI
}

// Dial connects to an RPC endpoint and caches the remote chain id for
// transaction signing.
func Dial(ctx context.Context, endpoint string) (*RPCGateway, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", trimmed, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id for %s: %w", trimmed, err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		client.Close()
		return nil, err
	}
	return &RPCGateway{client: client, chainID: chainID, erc20ABI: parsed}, nil
}

// Close releases the underlying RPC connection.
func (g *RPCGateway) Close() { g.client.Close() }

// ChainID returns the cached EIP-155 chain id.
func (g *RPCGateway) ChainID() *big.Int { return new(big.Int).Set(g.chainID) }

// BlockNumber returns the latest block height.
func (g *RPCGateway) BlockNumber(ctx context.Context) (uint64, error) {
	return g.client.BlockNumber(ctx)
}

// NativeBalance reads the native-asset balance of an account.
func (g *RPCGateway) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return g.client.BalanceAt(ctx, account, nil)
}

// TokenBalance reads an ERC-20 balance via balanceOf.
func (g *RPCGateway) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := g.erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}
	out, err := g.CallContract(ctx, token, data)
	if err != nil {
		return nil, err
	}
	results, err := g.erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return balance, nil
}

// CallContract performs a read-only contract call at the latest block.
func (g *RPCGateway) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// SuggestGasPrice returns the node's gas price suggestion.
func (g *RPCGateway) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return g.client.SuggestGasPrice(ctx)
}

// EstimateGas estimates gas for a contract call.
func (g *RPCGateway) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	return g.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
}

// PendingNonceAt returns the next nonce for an account including pending
// transactions.
func (g *RPCGateway) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return g.client.PendingNonceAt(ctx, account)
}

// SendTransaction broadcasts a signed transaction.
func (g *RPCGateway) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	return g.client.SendTransaction(ctx, tx)
}
