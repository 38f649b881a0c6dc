package executor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentrails/internal/bridge"
	"intentrails/internal/erc20"
	"intentrails/internal/lifecycle"
	"intentrails/internal/notify"
	"intentrails/internal/validator"
)

var (
	owner         = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	self          = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	validatorAddr = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	bridgeAddr    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	user          = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	recipient     = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	tokenA        = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	tokenB        = common.HexToAddress("0x00000000000000000000000000000000000000d2")
)

const arbitrum = uint64(42161)

type fixture struct {
	exec    *Executor
	ledger  *erc20.Ledger
	journal *notify.Journal
}

type options struct {
	bridge       bridge.Client
	swapper      bridge.Swapper
	tracker      Tracker
	queueTimeout time.Duration
}

func newFixture(t *testing.T, opts options) fixture {
	t.Helper()
	ctx := context.Background()
	ledger := erc20.NewLedger()
	journal := notify.NewJournal()

	v, err := validator.New(validator.Config{Owner: owner, Balances: ledger, Allowances: ledger, Notifier: journal})
	require.NoError(t, err)
	require.NoError(t, v.AddSupportedChain(ctx, owner, arbitrum))
	require.NoError(t, v.AddSupportedToken(ctx, owner, tokenA))
	ledger.SetBalance(tokenA, user, big.NewInt(10_000))
	ledger.Approve(tokenA, user, self, big.NewInt(10_000))

	if opts.bridge == nil {
		opts.bridge = bridge.FakeClient{}
	}
	e, err := New(Config{
		Owner:            owner,
		Self:             self,
		ValidatorAddress: validatorAddr,
		BridgeAddress:    bridgeAddr,
		Validator:        v,
		Bridge:           opts.bridge,
		Swapper:          opts.swapper,
		Tracker:          opts.tracker,
		Notifier:         journal,
		QueueTimeout:     opts.queueTimeout,
	})
	require.NoError(t, err)
	return fixture{exec: e, ledger: ledger, journal: journal}
}

func route(amount int64) RouteRequest {
	return RouteRequest{TokenIn: tokenA, Amount: big.NewInt(amount), DestinationChain: arbitrum, Recipient: recipient}
}

type bridgeFunc func(ctx context.Context, req bridge.Request) (bridge.Receipt, error)

func (f bridgeFunc) Initiate(ctx context.Context, req bridge.Request) (bridge.Receipt, error) {
	return f(ctx, req)
}

type swapFunc func(ctx context.Context, req bridge.SwapRequest) (bridge.SwapResult, error)

func (f swapFunc) Swap(ctx context.Context, req bridge.SwapRequest) (bridge.SwapResult, error) {
	return f(ctx, req)
}

type recordingTracker struct {
	mu     sync.Mutex
	caller common.Address
	ids    []uint64
	err    error
}

func (r *recordingTracker) Track(_ context.Context, caller common.Address, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caller = caller
	r.ids = append(r.ids, id)
	return r.err
}

func TestExecuteRouteWithoutSwap(t *testing.T) {
	tracker := &recordingTracker{}
	f := newFixture(t, options{tracker: tracker})

	id, err := f.exec.ExecuteRoute(context.Background(), user, route(1000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, lifecycle.IntentCompleted, f.exec.GetIntentStatus(id))
	assert.Equal(t, uint64(1), f.exec.IntentCount())

	assert.Equal(t, []notify.Kind{notify.KindBridgeInitiated, notify.KindIntentExecuted}, f.journal.Kinds(notify.SourceExecutor))
	assert.Contains(t, f.journal.Kinds(notify.SourceValidator), notify.KindIntentValidated)

	intent, ok := f.exec.Intent(id)
	require.True(t, ok)
	assert.Equal(t, user, intent.User)
	assert.Equal(t, recipient, intent.Recipient)
	assert.NotEqual(t, common.Hash{}, intent.MessageID)
	assert.Equal(t, int64(1000), intent.BridgedAmount.Int64())

	assert.Equal(t, self, tracker.caller)
	assert.Equal(t, []uint64{1}, tracker.ids)
	assert.False(t, f.exec.Locked())
}

func TestExecuteRouteWithSwapBridgesSwapOutput(t *testing.T) {
	var bridged bridge.Request
	f := newFixture(t, options{
		swapper: swapFunc(func(_ context.Context, req bridge.SwapRequest) (bridge.SwapResult, error) {
			assert.Equal(t, []byte{0x01, 0x02}, req.Payload)
			return bridge.SwapResult{TokenOut: tokenB, AmountOut: big.NewInt(990)}, nil
		}),
		bridge: bridgeFunc(func(ctx context.Context, req bridge.Request) (bridge.Receipt, error) {
			bridged = req
			return bridge.FakeClient{}.Initiate(ctx, req)
		}),
	})

	req := route(1000)
	req.SwapPayload = []byte{0x01, 0x02}
	id, err := f.exec.ExecuteRoute(context.Background(), user, req)
	require.NoError(t, err)

	assert.Equal(t, tokenB, bridged.Token)
	assert.Equal(t, int64(990), bridged.Amount.Int64())
	assert.Equal(t, id, bridged.IntentID)
	assert.Equal(t,
		[]notify.Kind{notify.KindSwapExecuted, notify.KindBridgeInitiated, notify.KindIntentExecuted},
		f.journal.Kinds(notify.SourceExecutor))
}

func TestIntentIDsAreSequential(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()
	for want := uint64(1); want <= 3; want++ {
		id, err := f.exec.ExecuteRoute(ctx, user, route(100))
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
}

func TestInputFailuresConsumeNoID(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  RouteRequest
		want error
	}{
		{"null token", RouteRequest{Amount: big.NewInt(1), DestinationChain: arbitrum, Recipient: recipient}, lifecycle.ErrInvalidAddress},
		{"null recipient", RouteRequest{TokenIn: tokenA, Amount: big.NewInt(1), DestinationChain: arbitrum}, lifecycle.ErrInvalidAddress},
		{"null token and zero amount", RouteRequest{Amount: big.NewInt(0), DestinationChain: arbitrum, Recipient: recipient}, lifecycle.ErrInvalidAddress},
		{"zero amount", route(0), lifecycle.ErrInvalidAmount},
		{"missing amount", RouteRequest{TokenIn: tokenA, DestinationChain: arbitrum, Recipient: recipient}, lifecycle.ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.exec.ExecuteRoute(ctx, user, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	assert.Equal(t, uint64(0), f.exec.IntentCount())
	assert.Equal(t, lifecycle.IntentPending, f.exec.GetIntentStatus(1))
	_, ok := f.exec.Intent(1)
	assert.False(t, ok)
	assert.Empty(t, f.journal.Filter(notify.SourceExecutor))
}

func TestValidationFailureIsWrapped(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()

	_, err := f.exec.ExecuteRoute(ctx, user, route(50_000))
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrValidationFailed)
	assert.ErrorIs(t, err, lifecycle.ErrInsufficientBalance)

	req := route(100)
	req.DestinationChain = 10
	_, err = f.exec.ExecuteRoute(ctx, user, req)
	assert.ErrorIs(t, err, lifecycle.ErrUnsupportedChain)

	assert.Equal(t, uint64(0), f.exec.IntentCount())

	id, err := f.exec.ExecuteRoute(ctx, user, route(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestBridgeFailureMarksIntentFailed(t *testing.T) {
	fail := true
	f := newFixture(t, options{
		bridge: bridgeFunc(func(ctx context.Context, req bridge.Request) (bridge.Receipt, error) {
			if fail {
				return bridge.Receipt{}, errors.New("router reverted")
			}
			return bridge.FakeClient{}.Initiate(ctx, req)
		}),
	})
	ctx := context.Background()

	_, err := f.exec.ExecuteRoute(ctx, user, route(100))
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrBridgeFailed)
	assert.Contains(t, err.Error(), "router reverted")

	assert.Equal(t, lifecycle.IntentFailed, f.exec.GetIntentStatus(1))
	assert.Equal(t, uint64(1), f.exec.IntentCount())
	assert.Equal(t, []notify.Kind{notify.KindIntentFailed}, f.journal.Kinds(notify.SourceExecutor))
	assert.False(t, f.exec.Locked())

	fail = false
	id, err := f.exec.ExecuteRoute(ctx, user, route(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id, "failed ids are never reused")
}

func TestSwapFailureMarksIntentFailed(t *testing.T) {
	f := newFixture(t, options{
		swapper: swapFunc(func(context.Context, bridge.SwapRequest) (bridge.SwapResult, error) {
			return bridge.SwapResult{}, errors.New("slippage")
		}),
	})
	req := route(100)
	req.SwapPayload = []byte{0x01}

	_, err := f.exec.ExecuteRoute(context.Background(), user, req)
	assert.ErrorIs(t, err, lifecycle.ErrSwapFailed)
	assert.Equal(t, lifecycle.IntentFailed, f.exec.GetIntentStatus(1))

	intent, ok := f.exec.Intent(1)
	require.True(t, ok)
	assert.Contains(t, intent.FailureReason, "slippage")
}

func TestTrackingFailureMarksIntentFailed(t *testing.T) {
	f := newFixture(t, options{tracker: &recordingTracker{err: lifecycle.ErrUnauthorized}})

	_, err := f.exec.ExecuteRoute(context.Background(), user, route(100))
	assert.ErrorIs(t, err, lifecycle.ErrBridgeFailed)
	assert.ErrorIs(t, err, lifecycle.ErrUnauthorized)
	assert.Equal(t, lifecycle.IntentFailed, f.exec.GetIntentStatus(1))
}

func TestNestedExecuteRouteHitsReentrancyGuard(t *testing.T) {
	var f fixture
	var nestedErr error
	f = newFixture(t, options{
		bridge: bridgeFunc(func(ctx context.Context, req bridge.Request) (bridge.Receipt, error) {
			_, nestedErr = f.exec.ExecuteRoute(ctx, user, route(10))
			return bridge.FakeClient{}.Initiate(ctx, req)
		}),
	})

	id, err := f.exec.ExecuteRoute(context.Background(), user, route(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.ErrorIs(t, nestedErr, lifecycle.ErrReentrancyGuard)
	assert.False(t, f.exec.Locked())
	assert.Equal(t, uint64(1), f.exec.IntentCount())
}

func TestNestedCallFromSwapAfterFailureReleasesLock(t *testing.T) {
	var f fixture
	var nestedErr error
	f = newFixture(t, options{
		swapper: swapFunc(func(ctx context.Context, req bridge.SwapRequest) (bridge.SwapResult, error) {
			_, nestedErr = f.exec.ExecuteRoute(ctx, user, route(10))
			return bridge.SwapResult{}, errors.New("pool drained")
		}),
	})
	req := route(100)
	req.SwapPayload = []byte{0x01}

	_, err := f.exec.ExecuteRoute(context.Background(), user, req)
	assert.ErrorIs(t, err, lifecycle.ErrSwapFailed)
	assert.ErrorIs(t, nestedErr, lifecycle.ErrReentrancyGuard)
	assert.False(t, f.exec.Locked())
}

func TestNestedCallWithFreshContextDoesNotWedge(t *testing.T) {
	var f fixture
	var nestedErr error
	f = newFixture(t, options{
		bridge: bridgeFunc(func(ctx context.Context, req bridge.Request) (bridge.Receipt, error) {
			_, nestedErr = f.exec.ExecuteRoute(context.WithoutCancel(context.TODO()), user, route(10))
			return bridge.FakeClient{}.Initiate(ctx, req)
		}),
		queueTimeout: 50 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.exec.ExecuteRoute(context.Background(), user, route(100))
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("outer ExecuteRoute did not return")
	}
	assert.ErrorIs(t, nestedErr, lifecycle.ErrReentrancyGuard)
	assert.Equal(t, uint64(1), f.exec.IntentCount())
	assert.False(t, f.exec.Locked())
}

func TestQueuedCallerGivesUpWhenContextEnds(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	f := newFixture(t, options{
		bridge: bridgeFunc(func(ctx context.Context, req bridge.Request) (bridge.Receipt, error) {
			close(entered)
			<-unblock
			return bridge.FakeClient{}.Initiate(ctx, req)
		}),
	})

	first := make(chan error, 1)
	go func() {
		_, err := f.exec.ExecuteRoute(context.Background(), user, route(100))
		first <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.exec.ExecuteRoute(ctx, user, route(10))
	assert.ErrorIs(t, err, lifecycle.ErrReentrancyGuard)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(unblock)
	require.NoError(t, <-first)
	assert.Equal(t, uint64(1), f.exec.IntentCount())
}

func TestConcurrentCallersAreSerialised(t *testing.T) {
	f := newFixture(t, options{
		bridge: bridgeFunc(func(ctx context.Context, req bridge.Request) (bridge.Receipt, error) {
			time.Sleep(5 * time.Millisecond)
			return bridge.FakeClient{}.Initiate(ctx, req)
		}),
	})

	const callers = 4
	ids := make(chan uint64, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.exec.ExecuteRoute(context.Background(), user, route(10))
			if err != nil {
				errs <- err
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	seen := map[uint64]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, callers)
	assert.Equal(t, uint64(callers), f.exec.IntentCount())
}

func TestPauseGate(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()

	assert.ErrorIs(t, f.exec.Pause(ctx, user), lifecycle.ErrUnauthorized)
	require.NoError(t, f.exec.Pause(ctx, owner))
	assert.True(t, f.exec.Paused())

	_, err := f.exec.ExecuteRoute(ctx, user, route(100))
	assert.ErrorIs(t, err, lifecycle.ErrContractPaused)
	assert.Equal(t, uint64(0), f.exec.IntentCount())

	assert.ErrorIs(t, f.exec.Unpause(ctx, bridgeAddr), lifecycle.ErrUnauthorized)
	require.NoError(t, f.exec.Unpause(ctx, owner))

	_, err = f.exec.ExecuteRoute(ctx, user, route(100))
	require.NoError(t, err)
	assert.Equal(t,
		[]notify.Kind{notify.KindPaused, notify.KindUnpaused, notify.KindBridgeInitiated, notify.KindIntentExecuted},
		f.journal.Kinds(notify.SourceExecutor))
}

func TestNewRejectsNullPrincipals(t *testing.T) {
	ledger := erc20.NewLedger()
	v, err := validator.New(validator.Config{Owner: owner, Balances: ledger, Allowances: ledger})
	require.NoError(t, err)

	base := Config{Owner: owner, Self: self, ValidatorAddress: validatorAddr, BridgeAddress: bridgeAddr, Validator: v, Bridge: bridge.FakeClient{}}
	_, err = New(base)
	require.NoError(t, err)

	for name, mutate := range map[string]func(*Config){
		"validator": func(c *Config) { c.ValidatorAddress = common.Address{} },
		"bridge":    func(c *Config) { c.BridgeAddress = common.Address{} },
		"owner":     func(c *Config) { c.Owner = common.Address{} },
		"self":      func(c *Config) { c.Self = common.Address{} },
	} {
		cfg := base
		mutate(&cfg)
		_, err := New(cfg)
		assert.ErrorIs(t, err, lifecycle.ErrInvalidAddress, name)
	}
}
