package lifecycle

import (
	"fmt"
	"math/big"
)

// IntentStatus tracks an intent through route execution.
// The zero value is Pending, which is also what an unknown id reads as.
type IntentStatus uint8

const (
	IntentPending IntentStatus = iota
	IntentExecuting
	IntentCompleted
	IntentFailed
)

func (s IntentStatus) String() string {
	switch s {
	case IntentPending:
		return "pending"
	case IntentExecuting:
		return "executing"
	case IntentCompleted:
		return "completed"
	case IntentFailed:
		return "failed"
	default:
		return fmt.Sprintf("IntentStatus(%d)", uint8(s))
	}
}

func (s IntentStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no transition leaves s.
func (s IntentStatus) Terminal() bool {
	return s == IntentCompleted || s == IntentFailed
}

// SettlementStatus tracks delivery on the destination side.
type SettlementStatus uint8

const (
	SettlementPending SettlementStatus = iota
	SettlementConfirmed
	SettlementFailed
	SettlementRefunded
)

func (s SettlementStatus) String() string {
	switch s {
	case SettlementPending:
		return "pending"
	case SettlementConfirmed:
		return "confirmed"
	case SettlementFailed:
		return "failed"
	case SettlementRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("SettlementStatus(%d)", uint8(s))
	}
}

func (s SettlementStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ValidAmount reports whether amount is strictly positive.
func ValidAmount(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}
