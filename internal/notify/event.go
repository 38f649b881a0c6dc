package notify

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names an externally observable lifecycle record.
type Kind string

const (
	KindChainAdded          Kind = "ChainAdded"
	KindTokenAdded          Kind = "TokenAdded"
	KindIntentValidated     Kind = "IntentValidated"
	KindSwapExecuted        Kind = "SwapExecuted"
	KindBridgeInitiated     Kind = "BridgeInitiated"
	KindIntentExecuted      Kind = "IntentExecuted"
	KindIntentFailed        Kind = "IntentFailed"
	KindPaused              Kind = "Paused"
	KindUnpaused            Kind = "Unpaused"
	KindSettlementTracked   Kind = "SettlementTracked"
	KindSettlementConfirmed Kind = "SettlementConfirmed"
	KindSettlementFailed    Kind = "SettlementFailed"
	KindRefundInitiated     Kind = "RefundInitiated"
	KindTimeoutUpdated      Kind = "TimeoutUpdated"
)

// Source components.
const (
	SourceValidator  = "validator"
	SourceExecutor   = "executor"
	SourceSettlement = "settlement"
)

// Event is one append-only notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind           `json:"kind"`
	Source    string         `json:"source"`
	IntentID  uint64         `json:"intentId,omitempty"`
	Principal common.Address `json:"principal"`
	Recipient common.Address `json:"recipient,omitempty"`
	Token     common.Address `json:"token,omitempty"`
	TokenOut  common.Address `json:"tokenOut,omitempty"`
	Amount    *big.Int       `json:"amount,omitempty"`
	AmountOut *big.Int       `json:"amountOut,omitempty"`
	ChainID   uint64         `json:"chainId,omitempty"`
	MessageID common.Hash    `json:"messageId,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timeout   time.Duration  `json:"timeout,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier is what lifecycle components emit through. Emit never fails the caller;
// delivery problems are the notifier's to handle.
type Notifier interface {
	Emit(ctx context.Context, ev Event)
}

// Sink is a delivery target for events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}
