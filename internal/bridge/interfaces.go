package bridge

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Client hands a transfer to the cross-chain message service.
type Client interface {
	Initiate(ctx context.Context, req Request) (Receipt, error)
}

// Swapper converts the input token before bridging.
type Swapper interface {
	Swap(ctx context.Context, req SwapRequest) (SwapResult, error)
}

// Refunder returns escrowed funds to the user after a failed settlement.
type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) (string, error)
}

// HealthChecker is implemented by clients backed by a remote node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Request struct {
	IntentID         uint64
	Token            common.Address
	Amount           *big.Int
	DestinationChain uint64
	Recipient        common.Address
}

type Receipt struct {
	MessageID common.Hash
	TxHash    string
}

type SwapRequest struct {
	IntentID uint64
	TokenIn  common.Address
	Amount   *big.Int
	Payload  []byte
}

type SwapResult struct {
	TokenOut  common.Address
	AmountOut *big.Int
}

type RefundRequest struct {
	IntentID uint64
	User     common.Address
	Token    common.Address
	Amount   *big.Int
}
