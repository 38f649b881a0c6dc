package erc20

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerReadsAndCopies(t *testing.T) {
	ctx := context.Background()
	token := common.HexToAddress("0xa0")
	user := common.HexToAddress("0xb0")
	spender := common.HexToAddress("0xc0")

	l := NewLedger()

	bal, err := l.BalanceOf(ctx, token, user)
	require.NoError(t, err)
	assert.Zero(t, bal.Sign(), "unset balance reads as zero")

	funded := big.NewInt(1000)
	l.SetBalance(token, user, funded)
	l.Approve(token, user, spender, big.NewInt(250))
	funded.SetInt64(1)

	bal, err = l.BalanceOf(ctx, token, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Int64(), "ledger keeps its own copy")

	bal.SetInt64(0)
	again, _ := l.BalanceOf(ctx, token, user)
	assert.Equal(t, int64(1000), again.Int64(), "callers get a copy")

	allowance, err := l.Allowance(ctx, token, user, spender)
	require.NoError(t, err)
	assert.Equal(t, int64(250), allowance.Int64())

	other, _ := l.Allowance(ctx, token, spender, user)
	assert.Zero(t, other.Sign())
}
