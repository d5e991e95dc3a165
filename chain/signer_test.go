package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "7b9ea6629926e9eb34d6355a08b9923c9e38c37d5299444767547641123b791d"

func TestLoadOperatorKey(t *testing.T) {
	key, err := LoadOperatorKey(testKeyHex)
	require.NoError(t, err)
	require.NotEqual(t, common.Address{}, key.Address())

	prefixed, err := LoadOperatorKey("0x" + testKeyHex)
	require.NoError(t, err)
	require.Equal(t, key.Address(), prefixed.Address())

	_, err = LoadOperatorKey("")
	require.Error(t, err)
	_, err = LoadOperatorKey("not-hex")
	require.Error(t, err)
}

func TestSignTxUsesEIP155(t *testing.T) {
	key, err := LoadOperatorKey(testKeyHex)
	require.NoError(t, err)

	to := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	tx := gethtypes.NewTransaction(7, to, big.NewInt(0), 21000, big.NewInt(1), []byte{0x01})

	chainID := big.NewInt(137)
	signed, err := key.SignTx(tx, chainID)
	require.NoError(t, err)

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	require.Equal(t, key.Address(), sender)

	_, err = key.SignTx(tx, nil)
	require.Error(t, err)
}
