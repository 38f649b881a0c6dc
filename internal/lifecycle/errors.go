package lifecycle

import (
	"errors"
	"fmt"
)

// Kind classifies a failed call so callers can tell "not my turn" apart from
// "bad input", "not supported", "insufficient resources" and "downstream failed".
type Kind string

const (
	KindUnauthorized          Kind = "Unauthorized"
	KindInvalidAddress        Kind = "InvalidAddress"
	KindInvalidIntentID       Kind = "InvalidIntentId"
	KindInvalidMessageID      Kind = "InvalidMessageId"
	KindInvalidAmount         Kind = "InvalidAmount"
	KindUnsupportedChain      Kind = "UnsupportedChain"
	KindUnsupportedToken      Kind = "UnsupportedToken"
	KindInsufficientBalance   Kind = "InsufficientBalance"
	KindInsufficientAllowance Kind = "InsufficientAllowance"
	KindValidationFailed      Kind = "ValidationFailed"
	KindSwapFailed            Kind = "SwapFailed"
	KindBridgeFailed          Kind = "BridgeFailed"
	KindContractPaused        Kind = "ContractPaused"
	KindReentrancyGuard       Kind = "ReentrancyGuard"
	KindAlreadyProcessed      Kind = "AlreadyProcessed"
	KindSettlementTimeout     Kind = "SettlementTimeout"
	KindRefundFailed          Kind = "RefundFailed"
)

// kindError is the sentinel type behind the Err* values.
type kindError struct {
	kind Kind
}

func (e *kindError) Error() string { return string(e.kind) }

var (
	ErrUnauthorized          = &kindError{KindUnauthorized}
	ErrInvalidAddress        = &kindError{KindInvalidAddress}
	ErrInvalidIntentID       = &kindError{KindInvalidIntentID}
	ErrInvalidMessageID      = &kindError{KindInvalidMessageID}
	ErrInvalidAmount         = &kindError{KindInvalidAmount}
	ErrUnsupportedChain      = &kindError{KindUnsupportedChain}
	ErrUnsupportedToken      = &kindError{KindUnsupportedToken}
	ErrInsufficientBalance   = &kindError{KindInsufficientBalance}
	ErrInsufficientAllowance = &kindError{KindInsufficientAllowance}
	ErrValidationFailed      = &kindError{KindValidationFailed}
	ErrSwapFailed            = &kindError{KindSwapFailed}
	ErrBridgeFailed          = &kindError{KindBridgeFailed}
	ErrContractPaused        = &kindError{KindContractPaused}
	ErrReentrancyGuard       = &kindError{KindReentrancyGuard}
	ErrAlreadyProcessed      = &kindError{KindAlreadyProcessed}
	ErrSettlementTimeout     = &kindError{KindSettlementTimeout}
	ErrRefundFailed          = &kindError{KindRefundFailed}
)

var sentinels = map[Kind]error{
	KindUnauthorized:          ErrUnauthorized,
	KindInvalidAddress:        ErrInvalidAddress,
	KindInvalidIntentID:       ErrInvalidIntentID,
	KindInvalidMessageID:      ErrInvalidMessageID,
	KindInvalidAmount:         ErrInvalidAmount,
	KindUnsupportedChain:      ErrUnsupportedChain,
	KindUnsupportedToken:      ErrUnsupportedToken,
	KindInsufficientBalance:   ErrInsufficientBalance,
	KindInsufficientAllowance: ErrInsufficientAllowance,
	KindValidationFailed:      ErrValidationFailed,
	KindSwapFailed:            ErrSwapFailed,
	KindBridgeFailed:          ErrBridgeFailed,
	KindContractPaused:        ErrContractPaused,
	KindReentrancyGuard:       ErrReentrancyGuard,
	KindAlreadyProcessed:      ErrAlreadyProcessed,
	KindSettlementTimeout:     ErrSettlementTimeout,
	KindRefundFailed:          ErrRefundFailed,
}

// Error wraps a downstream cause with the kind the call failed with.
// errors.Is matches both the kind sentinel and anything in the cause chain.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == sentinels[e.Kind]
}

// Wrap tags err with kind for operation op.
func Wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the outermost kind carried by err.
func KindOf(err error) (Kind, bool) {
	var wrapped *Error
	if errors.As(err, &wrapped) {
		return wrapped.Kind, true
	}
	var sentinel *kindError
	if errors.As(err, &sentinel) {
		return sentinel.kind, true
	}
	return "", false
}
