package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// FakeClient derives message ids from the request so dev runs and tests are deterministic.
type FakeClient struct{}

func (FakeClient) Initiate(_ context.Context, req Request) (Receipt, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("missing amount")
	}
	return Receipt{
		MessageID: MessageIDFor(req),
		TxHash:    fakeHash(req.MessageKey()),
	}, nil
}

func (FakeClient) Refund(_ context.Context, req RefundRequest) (string, error) {
	return fakeHash(fmt.Sprintf("refund:%d:%s", req.IntentID, req.User.Hex())), nil
}

// PassThrough is the swap step when no DEX router is configured: it returns the input unchanged.
type PassThrough struct{}

func (PassThrough) Swap(_ context.Context, req SwapRequest) (SwapResult, error) {
	return SwapResult{TokenOut: req.TokenIn, AmountOut: new(big.Int).Set(req.Amount)}, nil
}

// MessageKey is the canonical string a request hashes from.
func (r Request) MessageKey() string {
	return fmt.Sprintf("%d:%s:%s:%d:%s", r.IntentID, r.Token.Hex(), r.Amount.String(), r.DestinationChain, r.Recipient.Hex())
}

// MessageIDFor computes the deterministic message id used by FakeClient.
func MessageIDFor(req Request) common.Hash {
	var id [32]byte
	new(big.Int).SetUint64(req.IntentID).FillBytes(id[:])
	var chain [32]byte
	new(big.Int).SetUint64(req.DestinationChain).FillBytes(chain[:])
	return crypto.Keccak256Hash(
		id[:],
		req.Token.Bytes(),
		common.LeftPadBytes(req.Amount.Bytes(), 32),
		chain[:],
		req.Recipient.Bytes(),
	)
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
