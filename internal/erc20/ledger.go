package erc20

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

type balanceKey struct {
	token   common.Address
	account common.Address
}

// Ledger is an in-memory stand-in for token contracts, used in dev mode and tests.
// Unset entries read as zero.
type Ledger struct {
	mu         sync.RWMutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

func (l *Ledger) SetBalance(token, account common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey{token, account}] = new(big.Int).Set(amount)
}

func (l *Ledger) Approve(token, owner, spender common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{token, owner, spender}] = new(big.Int).Set(amount)
}

func (l *Ledger) BalanceOf(_ context.Context, token, account common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.balances[balanceKey{token, account}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (l *Ledger) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.allowances[allowanceKey{token, owner, spender}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}
