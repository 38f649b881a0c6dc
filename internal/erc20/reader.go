package erc20

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// Reader answers balance and allowance queries against live ERC20 contracts.
type Reader struct {
	client *ethclient.Client
	abi    abi.ABI
}

func NewReader(ctx context.Context, rpcURL string) (*Reader, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	return &Reader{client: cli, abi: parsed}, nil
}

func (r *Reader) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return r.callUint(ctx, token, "balanceOf", account)
}

func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return r.callUint(ctx, token, "allowance", owner, spender)
}

func (r *Reader) Ping(ctx context.Context) error {
	_, err := r.client.BlockNumber(ctx)
	return err
}

func (r *Reader) Close() {
	r.client.Close()
}

func (r *Reader) callUint(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	contract := bind.NewBoundContract(token, r.abi, r.client, r.client, r.client)

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, token.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s on %s: unexpected output count %d", method, token.Hex(), len(out))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s on %s: unexpected output type %T", method, token.Hex(), out[0])
	}
	return value, nil
}
