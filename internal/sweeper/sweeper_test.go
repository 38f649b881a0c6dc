package sweeper

import (
	"bytes"
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentrails/internal/bridge"
	"intentrails/internal/erc20"
	"intentrails/internal/executor"
	"intentrails/internal/lifecycle"
	"intentrails/internal/notify"
	"intentrails/internal/settlement"
	"intentrails/internal/validator"
)

var (
	owner      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	self       = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	bridgeAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	valAddr    = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	user       = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	recipient  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	tokenA     = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sweepCounter struct {
	mu       sync.Mutex
	passes   int
	refunded int
}

func (s *sweepCounter) ObserveSweep(refunded, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passes++
	s.refunded += refunded
}

func (s *sweepCounter) Passes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}

type stack struct {
	exec     *executor.Executor
	verifier *settlement.Verifier
	journal  *notify.Journal
	clock    *clock
	logger   *logrus.Logger
}

func newStack(t *testing.T) stack {
	t.Helper()
	ctx := context.Background()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	journal := notify.NewJournal()
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	ledger := erc20.NewLedger()
	ledger.SetBalance(tokenA, user, big.NewInt(1_000_000))
	ledger.Approve(tokenA, user, self, big.NewInt(1_000_000))

	v, err := validator.New(validator.Config{Owner: owner, Balances: ledger, Allowances: ledger, Now: clk.Now})
	require.NoError(t, err)
	require.NoError(t, v.AddSupportedChain(ctx, owner, 42161))
	require.NoError(t, v.AddSupportedToken(ctx, owner, tokenA))

	verifier, err := settlement.New(settlement.Config{
		Owner:           owner,
		ExecutorAddress: self,
		BridgeAddress:   bridgeAddr,
		Notifier:        journal,
		Now:             clk.Now,
	})
	require.NoError(t, err)

	exec, err := executor.New(executor.Config{
		Owner:            owner,
		Self:             self,
		ValidatorAddress: valAddr,
		BridgeAddress:    bridgeAddr,
		Validator:        v,
		Bridge:           bridge.FakeClient{},
		Tracker:          verifier,
		Notifier:         journal,
		Now:              clk.Now,
	})
	require.NoError(t, err)

	return stack{exec: exec, verifier: verifier, journal: journal, clock: clk, logger: logger}
}

func (s stack) route(t *testing.T) uint64 {
	t.Helper()
	id, err := s.exec.ExecuteRoute(context.Background(), user, executor.RouteRequest{
		TokenIn:          tokenA,
		Amount:           big.NewInt(1000),
		DestinationChain: 42161,
		Recipient:        recipient,
	})
	require.NoError(t, err)
	return id
}

func TestSweepRefundsOnlyExpiredPendingSettlements(t *testing.T) {
	ctx := context.Background()
	st := newStack(t)

	delivered := st.route(t)
	stale := st.route(t)
	require.NoError(t, st.verifier.VerifyDelivery(ctx, bridgeAddr, common.HexToHash("0x01"), delivered))

	counter := &sweepCounter{}
	sw := New(Config{Intents: st.exec, Settlements: st.verifier, Caller: self, Logger: st.logger, Observer: counter})

	assert.Equal(t, 0, sw.Sweep(ctx), "window not yet elapsed")
	assert.Equal(t, lifecycle.SettlementPending, st.verifier.GetSettlementStatus(stale))

	st.clock.Advance(settlement.DefaultTimeout + time.Second)
	assert.Equal(t, 1, sw.Sweep(ctx))
	assert.Equal(t, lifecycle.SettlementRefunded, st.verifier.GetSettlementStatus(stale))
	assert.Equal(t, lifecycle.SettlementConfirmed, st.verifier.GetSettlementStatus(delivered))

	assert.Equal(t, 0, sw.Sweep(ctx), "refunded intents are not revisited")
	assert.Equal(t, 3, counter.passes)
	assert.Equal(t, 1, counter.refunded)

	var refunds []notify.Event
	for _, ev := range st.journal.Filter(notify.SourceSettlement) {
		if ev.Kind == notify.KindRefundInitiated {
			refunds = append(refunds, ev)
		}
	}
	require.Len(t, refunds, 1)
	assert.Equal(t, stale, refunds[0].IntentID)
	assert.Equal(t, user, refunds[0].Recipient)
	assert.Equal(t, self, refunds[0].Principal)
}

func TestSweepWithWrongPrincipalKeepsRetrying(t *testing.T) {
	ctx := context.Background()
	st := newStack(t)
	id := st.route(t)
	st.clock.Advance(settlement.DefaultTimeout + time.Second)

	sw := New(Config{Intents: st.exec, Settlements: st.verifier, Caller: bridgeAddr, Logger: st.logger})
	assert.Equal(t, 0, sw.Sweep(ctx))
	assert.Equal(t, 0, sw.Sweep(ctx))
	assert.Equal(t, lifecycle.SettlementPending, st.verifier.GetSettlementStatus(id))
}

func TestStartStop(t *testing.T) {
	st := newStack(t)
	st.route(t)
	st.clock.Advance(settlement.DefaultTimeout + time.Second)

	counter := &sweepCounter{}
	sw := New(Config{Intents: st.exec, Settlements: st.verifier, Caller: self, Interval: time.Hour, Logger: st.logger, Observer: counter})
	sw.Start()
	sw.Start()

	require.Eventually(t, func() bool {
		return st.verifier.GetSettlementStatus(1) == lifecycle.SettlementRefunded
	}, time.Second, 5*time.Millisecond)

	sw.Stop()
	sw.Stop()
	assert.Equal(t, 1, counter.Passes())
}
