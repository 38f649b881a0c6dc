package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentrails/internal/lifecycle"
)

func sampleRequest() Request {
	return Request{
		IntentID:         1,
		Token:            common.HexToAddress("0xd1"),
		Amount:           big.NewInt(1000),
		DestinationChain: 42161,
		Recipient:        common.HexToAddress("0xf1"),
	}
}

func TestFakeClientDeterministicMessageID(t *testing.T) {
	ctx := context.Background()
	first, err := FakeClient{}.Initiate(ctx, sampleRequest())
	require.NoError(t, err)
	second, err := FakeClient{}.Initiate(ctx, sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, first.MessageID, second.MessageID)
	assert.NotEqual(t, common.Hash{}, first.MessageID)

	other := sampleRequest()
	other.IntentID = 2
	third, err := FakeClient{}.Initiate(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, first.MessageID, third.MessageID)
}

func TestFakeClientRejectsMissingAmount(t *testing.T) {
	req := sampleRequest()
	req.Amount = nil
	_, err := FakeClient{}.Initiate(context.Background(), req)
	assert.Error(t, err)
}

func TestPassThroughSwap(t *testing.T) {
	in := big.NewInt(500)
	res, err := PassThrough{}.Swap(context.Background(), SwapRequest{TokenIn: common.HexToAddress("0xd1"), Amount: in, Payload: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xd1"), res.TokenOut)
	assert.Equal(t, int64(500), res.AmountOut.Int64())

	in.SetInt64(1)
	assert.Equal(t, int64(500), res.AmountOut.Int64(), "result does not alias the input")
}

type recordingHandler struct {
	calls  []Delivery
	caller common.Address
	err    error
}

func (r *recordingHandler) VerifyDelivery(_ context.Context, caller common.Address, messageID common.Hash, intentID uint64) error {
	r.caller = caller
	r.calls = append(r.calls, Delivery{IntentID: intentID, MessageID: messageID})
	return r.err
}

func TestDeliveryListenerHandle(t *testing.T) {
	bridgePrincipal := common.HexToAddress("0xbb")
	handler := &recordingHandler{}
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	l := NewDeliveryListener(nil, "", bridgePrincipal, handler, logger)

	payload, _ := json.Marshal(Delivery{IntentID: 7, MessageID: common.HexToHash("0x01")})
	l.Handle(payload)
	l.Handle([]byte("not json"))

	require.Len(t, handler.calls, 1)
	assert.Equal(t, uint64(7), handler.calls[0].IntentID)
	assert.Equal(t, bridgePrincipal, handler.caller)
	assert.Equal(t, DefaultDeliverySubject, l.subject)

	handler.err = lifecycle.ErrAlreadyProcessed
	l.Handle(payload)
	assert.Len(t, handler.calls, 2)
}
