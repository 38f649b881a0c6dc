// Package validator gates intents on the chain/token allow-lists and on the
// user's balance and spending allowance.
package validator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"intentrails/internal/lifecycle"
	"intentrails/internal/notify"
)

// BalanceSource reports token balances. The authoritative ledger lives outside this system.
type BalanceSource interface {
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
}

// AllowanceSource reports ERC20-style spending approvals.
type AllowanceSource interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

type Config struct {
	Owner      common.Address
	Balances   BalanceSource
	Allowances AllowanceSource
	Notifier   notify.Notifier
	Now        func() time.Time
}

// Request is a proposed intent.
type Request struct {
	User             common.Address
	Token            common.Address
	Amount           *big.Int
	DestinationChain uint64
	Spender          common.Address
}

type Validator struct {
	mu       sync.RWMutex
	acl      lifecycle.ACL
	chains   map[uint64]struct{}
	tokens   map[common.Address]struct{}
	balances BalanceSource
	allow    AllowanceSource
	notifier notify.Notifier
	now      func() time.Time
}

func New(cfg Config) (*Validator, error) {
	if lifecycle.IsNull(cfg.Owner) {
		return nil, fmt.Errorf("owner: %w", lifecycle.ErrInvalidAddress)
	}
	if cfg.Balances == nil || cfg.Allowances == nil {
		return nil, fmt.Errorf("balance and allowance sources are required")
	}
	v := &Validator{
		acl:      lifecycle.NewACL(map[lifecycle.Role]common.Address{lifecycle.RoleOwner: cfg.Owner}),
		chains:   make(map[uint64]struct{}),
		tokens:   make(map[common.Address]struct{}),
		balances: cfg.Balances,
		allow:    cfg.Allowances,
		notifier: cfg.Notifier,
		now:      cfg.Now,
	}
	if v.notifier == nil {
		v.notifier = notify.Discard{}
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v, nil
}

// Validate runs the checks in a fixed order and stops at the first failure, so
// the returned kind always identifies the first unmet precondition.
func (v *Validator) Validate(ctx context.Context, req Request) (bool, error) {
	if !lifecycle.ValidAmount(req.Amount) {
		return false, lifecycle.ErrInvalidAmount
	}
	if lifecycle.IsNull(req.User) || lifecycle.IsNull(req.Token) || lifecycle.IsNull(req.Spender) {
		return false, lifecycle.ErrInvalidAddress
	}
	if !v.IsChainSupported(req.DestinationChain) {
		return false, lifecycle.ErrUnsupportedChain
	}
	if !v.IsTokenSupported(req.Token) {
		return false, lifecycle.ErrUnsupportedToken
	}

	balance, err := v.balances.BalanceOf(ctx, req.Token, req.User)
	if err != nil {
		return false, fmt.Errorf("read balance: %w", err)
	}
	if orZero(balance).Cmp(req.Amount) < 0 {
		return false, lifecycle.ErrInsufficientBalance
	}

	allowance, err := v.allow.Allowance(ctx, req.Token, req.User, req.Spender)
	if err != nil {
		return false, fmt.Errorf("read allowance: %w", err)
	}
	if orZero(allowance).Cmp(req.Amount) < 0 {
		return false, lifecycle.ErrInsufficientAllowance
	}

	v.notifier.Emit(ctx, notify.Event{
		Kind:      notify.KindIntentValidated,
		Source:    notify.SourceValidator,
		Principal: req.User,
		Token:     req.Token,
		Amount:    new(big.Int).Set(req.Amount),
		ChainID:   req.DestinationChain,
		Timestamp: v.now(),
	})
	return true, nil
}

func (v *Validator) CheckAllowance(ctx context.Context, user, token, spender common.Address) (*big.Int, error) {
	if lifecycle.IsNull(user) || lifecycle.IsNull(token) || lifecycle.IsNull(spender) {
		return nil, lifecycle.ErrInvalidAddress
	}
	allowance, err := v.allow.Allowance(ctx, token, user, spender)
	if err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	return orZero(allowance), nil
}

// orZero reads a source's nil amount as zero.
func orZero(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return amount
}

// AddSupportedChain is owner-only. A zero chain id is rejected as InvalidAmount.
func (v *Validator) AddSupportedChain(ctx context.Context, caller common.Address, chainID uint64) error {
	if err := v.acl.Require(caller, lifecycle.RoleOwner); err != nil {
		return err
	}
	if chainID == 0 {
		return lifecycle.ErrInvalidAmount
	}

	v.mu.Lock()
	v.chains[chainID] = struct{}{}
	v.mu.Unlock()

	v.notifier.Emit(ctx, notify.Event{
		Kind:      notify.KindChainAdded,
		Source:    notify.SourceValidator,
		Principal: caller,
		ChainID:   chainID,
		Timestamp: v.now(),
	})
	return nil
}

func (v *Validator) AddSupportedToken(ctx context.Context, caller common.Address, token common.Address) error {
	if err := v.acl.Require(caller, lifecycle.RoleOwner); err != nil {
		return err
	}
	if lifecycle.IsNull(token) {
		return lifecycle.ErrInvalidAddress
	}

	v.mu.Lock()
	v.tokens[token] = struct{}{}
	v.mu.Unlock()

	v.notifier.Emit(ctx, notify.Event{
		Kind:      notify.KindTokenAdded,
		Source:    notify.SourceValidator,
		Principal: caller,
		Token:     token,
		Timestamp: v.now(),
	})
	return nil
}

func (v *Validator) IsChainSupported(chainID uint64) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.chains[chainID]
	return ok
}

func (v *Validator) IsTokenSupported(token common.Address) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.tokens[token]
	return ok
}

func (v *Validator) Owner() common.Address {
	return v.acl.Principal(lifecycle.RoleOwner)
}
